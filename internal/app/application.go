package app

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"

	"github.com/R3E-Network/orgpay/internal/app/system"
	"github.com/R3E-Network/orgpay/internal/cache"
	"github.com/R3E-Network/orgpay/internal/config"
	"github.com/R3E-Network/orgpay/internal/engine/events"
	"github.com/R3E-Network/orgpay/internal/hashing"
	"github.com/R3E-Network/orgpay/internal/httputil"
	"github.com/R3E-Network/orgpay/internal/identity"
	"github.com/R3E-Network/orgpay/internal/ledger"
	"github.com/R3E-Network/orgpay/internal/membership"
	"github.com/R3E-Network/orgpay/internal/routing"
	"github.com/R3E-Network/orgpay/internal/settlement"
	"github.com/R3E-Network/orgpay/internal/storage"
	"github.com/R3E-Network/orgpay/internal/storage/kv"
	"github.com/R3E-Network/orgpay/internal/storage/postgres"
	"github.com/R3E-Network/orgpay/internal/storage/postgres/migrations"
	"github.com/R3E-Network/orgpay/internal/zkproof"
	"github.com/R3E-Network/orgpay/pkg/logger"
)

// simulatedEscrow funds channel settlements when the chain is simulated.
const simulatedEscrow = "simulated-escrow"

// SettlementClient is a settlement chain that also accepts privacy pool deposits.
type SettlementClient interface {
	settlement.Client
	settlement.PoolClient
}

// Overrides replaces components the configuration would otherwise build. Nil
// fields are built from the configuration.
type Overrides struct {
	Store      storage.Store
	Directory  identity.Directory
	Cache      cache.Cache
	TreeStore  membership.TreeStore
	Settlement SettlementClient
	Backend    zkproof.ProvingBackend
}

// Application ties the ledger, membership trees, proof service and routing engine
// together and manages their lifecycle.
type Application struct {
	cfg     *config.Config
	manager *system.Manager
	log     *logger.Logger
	closers []func() error

	Events     *events.RingBuffer
	Hub        *events.PubSubSink
	Store      storage.Store
	Directory  identity.Directory
	Resolver   *identity.Resolver
	Ledger     *ledger.Ledger
	Sweeper    *ledger.Sweeper
	Membership *membership.Registry
	Proofs     *zkproof.Service
	Settlement SettlementClient
	Routing    *routing.Engine
}

// New builds the application from cfg. Resources opened here are released by Close.
func New(ctx context.Context, cfg *config.Config, ov Overrides, log *logger.Logger) (_ *Application, err error) {
	if cfg == nil {
		cfg = config.Default()
	}
	if log == nil {
		log = logger.NewDefault("app")
	}

	a := &Application{
		cfg:     cfg,
		manager: system.NewManager(),
		log:     log,
		Events:  events.NewRingBuffer(1000),
		Hub:     events.NewPubSubSink(256),
	}
	a.closers = append(a.closers, func() error { a.Hub.Close(); return nil })
	defer func() {
		if err != nil {
			_ = a.Close()
		}
	}()
	sink := events.Fanout{a.Events, a.Hub}

	if err := a.buildStores(ctx, ov); err != nil {
		return nil, err
	}
	levels := make(map[string]*kv.Store)

	c := ov.Cache
	if c == nil {
		if c, err = a.buildCache(ctx, levels); err != nil {
			return nil, fmt.Errorf("configure cache: %w", err)
		}
	}

	hasher, err := hashing.New(cfg.Membership.Hash)
	if err != nil {
		return nil, fmt.Errorf("configure membership hash: %w", err)
	}
	trees := ov.TreeStore
	if trees == nil {
		if trees, err = a.buildTreeStore(levels); err != nil {
			return nil, fmt.Errorf("configure membership store: %w", err)
		}
	}
	a.Membership = membership.NewRegistry(membership.Config{HistoryLimit: cfg.Membership.HistoryLimit},
		hasher, trees, sink, log.Named("membership"))

	backend := ov.Backend
	if backend == nil {
		backend = a.buildBackend(hasher)
	}
	keys, err := verificationKeys(cfg.Proving)
	if err != nil {
		return nil, err
	}
	a.Proofs = zkproof.NewService(zkproof.Config{Timeout: cfg.Proving.Timeout, VerificationKeys: keys},
		a.Membership, backend, log.Named("zkproof"))

	a.Settlement = ov.Settlement
	if a.Settlement == nil {
		if a.Settlement, err = a.buildSettlement(); err != nil {
			return nil, fmt.Errorf("configure settlement: %w", err)
		}
	}

	a.Resolver = identity.NewResolver(a.Directory, log.Named("identity"))
	escrow := cfg.Settlement.EscrowAddress
	if escrow == "" && strings.EqualFold(cfg.Settlement.Mode, "simulated") {
		escrow = simulatedEscrow
	}
	a.Ledger = ledger.New(ledger.Config{
		CacheTTL:          cfg.Cache.TTL,
		CacheTimeout:      cfg.Cache.Timeout,
		SettlementTimeout: cfg.Ledger.SettlementTimeout,
	}, c, settlement.NewChannelSettler(a.Settlement, escrow, a.Resolver), sink, log.Named("ledger"))
	a.Sweeper = ledger.NewSweeper(a.Ledger, cfg.Ledger.SweepSchedule, cfg.Ledger.InactivityTimeout, log.Named("ledger-sweeper"))

	ceiling, err := cfg.OffChainCeiling()
	if err != nil {
		return nil, err
	}
	a.Routing, err = routing.New(routing.Config{
		OffChainCeiling: ceiling,
		DefaultCurrency: cfg.Routing.DefaultCurrency,
		Timeout:         cfg.Routing.Timeout,
		EscrowAddress:   escrow,
		Sponsor:         cfg.Routing.Sponsor,
	}, routing.Dependencies{
		Ledger:     a.Ledger,
		Resolver:   a.Resolver,
		Policy:     identity.NewRolePolicy(a.Directory),
		Prover:     a.Proofs,
		Settlement: a.Settlement,
		Pool:       a.Settlement,
		Store:      a.Store,
		Sink:       sink,
		Log:        log.Named("routing"),
	})
	if err != nil {
		return nil, fmt.Errorf("configure routing: %w", err)
	}

	if err := a.manager.Register(a.Sweeper); err != nil {
		return nil, fmt.Errorf("register %s: %w", a.Sweeper.Name(), err)
	}
	return a, nil
}

func (a *Application) buildStores(ctx context.Context, ov Overrides) error {
	a.Store, a.Directory = ov.Store, ov.Directory
	if a.Store != nil && a.Directory != nil {
		return nil
	}

	if dsn := a.cfg.Database.DSN; dsn != "" {
		pg, err := postgres.Open(ctx, dsn, a.cfg.Database.MaxOpenConns)
		if err != nil {
			return fmt.Errorf("configure stores: %w", err)
		}
		a.closers = append(a.closers, pg.Close)
		if a.cfg.Database.MigrateOnStart {
			if err := migrations.Apply(ctx, pg.DB()); err != nil {
				return fmt.Errorf("apply migrations: %w", err)
			}
		}
		if a.Store == nil {
			a.Store = pg
		}
		if a.Directory == nil {
			a.Directory = pg
		}
		return nil
	}

	a.log.Warn("database.dsn not set; transfers and members are kept in memory")
	if a.Store == nil {
		a.Store = storage.NewMemory()
	}
	if a.Directory == nil {
		a.Directory = identity.NewMemoryDirectory()
	}
	return nil
}

// openLevel opens each LevelDB path once so the cache and the tree store can share it.
func (a *Application) openLevel(levels map[string]*kv.Store, path string) (*kv.Store, error) {
	if db, ok := levels[path]; ok {
		return db, nil
	}
	db, err := kv.Open(path)
	if err != nil {
		return nil, err
	}
	levels[path] = db
	a.closers = append(a.closers, db.Close)
	return db, nil
}

func (a *Application) buildCache(ctx context.Context, levels map[string]*kv.Store) (cache.Cache, error) {
	cfg := a.cfg.Cache
	switch strings.ToLower(cfg.Driver) {
	case "redis":
		r, err := cache.NewRedis(ctx, cache.RedisConfig{
			Addr:     cfg.Addr,
			Password: cfg.Password,
			DB:       cfg.DB,
			Prefix:   cfg.Prefix,
		})
		if err != nil {
			return nil, err
		}
		a.closers = append(a.closers, r.Close)
		return r, nil
	case "leveldb":
		db, err := a.openLevel(levels, cfg.Path)
		if err != nil {
			return nil, err
		}
		return cache.NewLevelDB(db), nil
	default:
		return cache.NewMemory(), nil
	}
}

func (a *Application) buildTreeStore(levels map[string]*kv.Store) (membership.TreeStore, error) {
	if !strings.EqualFold(a.cfg.Membership.Store, "leveldb") {
		return membership.NewMemoryStore(), nil
	}
	db, err := a.openLevel(levels, a.cfg.Membership.Path)
	if err != nil {
		return nil, err
	}
	return membership.NewLevelDBStore(db), nil
}

func (a *Application) buildBackend(hasher hashing.Hasher) zkproof.ProvingBackend {
	cfg := a.cfg.Proving
	if strings.EqualFold(cfg.Backend, "remote") {
		return zkproof.NewRemoteBackend(httputil.NewClient(httputil.ClientConfig{
			BaseURL: cfg.URL,
			Timeout: cfg.Timeout,
			Token:   cfg.Token,
		}))
	}
	a.log.Warn("proving.backend is simulated; proofs are not zero-knowledge")
	return zkproof.NewSimulatedBackend(hasher, []byte(cfg.SimulationKey))
}

func (a *Application) buildSettlement() (SettlementClient, error) {
	cfg := a.cfg.Settlement
	if !strings.EqualFold(cfg.Mode, "rpc") {
		a.log.Warn("settlement.mode is simulated; nothing reaches a chain")
		return settlement.NewSimulated(), nil
	}
	client := httputil.NewClient(httputil.ClientConfig{
		BaseURL:   cfg.RPCURL,
		Timeout:   cfg.Timeout,
		RateLimit: cfg.RateLimit,
		Burst:     cfg.Burst,
	})
	return settlement.NewRPCClient(client, settlement.RPCConfig{
		Token:    cfg.Token,
		Pool:     cfg.Pool,
		Relayer:  cfg.Relayer,
		Decimals: cfg.Decimals,
	}, a.log.Named("settlement"))
}

func verificationKeys(cfg config.ProvingConfig) (map[zkproof.Circuit]zkproof.VerificationKey, error) {
	keys := make(map[zkproof.Circuit]zkproof.VerificationKey)
	for circuit, raw := range map[zkproof.Circuit]string{
		zkproof.CircuitMembership: cfg.MembershipKey,
		zkproof.CircuitAmount:     cfg.AmountKey,
	} {
		if raw == "" {
			continue
		}
		key, err := hex.DecodeString(strings.TrimPrefix(raw, "0x"))
		if err != nil {
			return nil, fmt.Errorf("proving.%s_key: %w", circuit, err)
		}
		keys[circuit] = key
	}
	return keys, nil
}

// Attach registers an additional lifecycle-managed service. Call before Start.
func (a *Application) Attach(service system.Service) error {
	return a.manager.Register(service)
}

// Start begins all registered services.
func (a *Application) Start(ctx context.Context) error {
	return a.manager.Start(ctx)
}

// Stop stops all services.
func (a *Application) Stop(ctx context.Context) error {
	return a.manager.Stop(ctx)
}

// Close releases the connections and files opened by New, most recent first.
func (a *Application) Close() error {
	var errs []error
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](); err != nil {
			errs = append(errs, err)
		}
	}
	a.closers = nil
	return errors.Join(errs...)
}
