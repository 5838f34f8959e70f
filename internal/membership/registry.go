// Package membership maintains each organization's append-only membership tree.
//
// A tree's root is always ComputeRoot over its leaves in index order. A fresh tree
// starts at EmptyDigest, and every append pushes the prior root onto the history.
package membership

import (
	"bytes"
	"context"
	"strconv"
	"strings"
	"sync"
	"time"

	domain "github.com/R3E-Network/orgpay/internal/domain/membership"
	"github.com/R3E-Network/orgpay/internal/engine/events"
	apperrors "github.com/R3E-Network/orgpay/internal/errors"
	"github.com/R3E-Network/orgpay/internal/hashing"
	"github.com/R3E-Network/orgpay/internal/metrics"
	"github.com/R3E-Network/orgpay/pkg/logger"
)

// Config tunes a Registry.
type Config struct {
	// HistoryLimit caps PreviousRoots. Zero keeps every root.
	HistoryLimit int
}

// Registry owns the membership trees of all organizations.
type Registry struct {
	hasher hashing.Hasher
	store  TreeStore
	cfg    Config
	sink   events.Sink
	log    *logger.Logger

	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

// NewRegistry creates a registry. Nil store, hasher, sink or logger get defaults.
func NewRegistry(cfg Config, hasher hashing.Hasher, store TreeStore, sink events.Sink, log *logger.Logger) *Registry {
	if hasher == nil {
		hasher = hashing.Blake2b{}
	}
	if store == nil {
		store = NewMemoryStore()
	}
	if sink == nil {
		sink = events.Discard
	}
	if log == nil {
		log = logger.NewDefault("membership")
	}
	return &Registry{
		hasher: hasher,
		store:  store,
		cfg:    cfg,
		sink:   sink,
		log:    log,
		locks:  make(map[string]*sync.Mutex),
	}
}

// Hasher returns the digest function the trees are built with.
func (r *Registry) Hasher() hashing.Hasher { return r.hasher }

func (r *Registry) orgLock(organizationID string) *sync.Mutex {
	r.mu.Lock()
	defer r.mu.Unlock()
	l, ok := r.locks[organizationID]
	if !ok {
		l = &sync.Mutex{}
		r.locks[organizationID] = l
	}
	return l
}

// GetOrCreate returns the organization's tree, creating an empty one at the genesis root.
func (r *Registry) GetOrCreate(ctx context.Context, organizationID string) (*domain.Tree, error) {
	if strings.TrimSpace(organizationID) == "" {
		return nil, apperrors.RequiredError("organization_id")
	}
	l := r.orgLock(organizationID)
	l.Lock()
	defer l.Unlock()
	return r.loadOrCreate(ctx, organizationID)
}

func (r *Registry) loadOrCreate(ctx context.Context, organizationID string) (*domain.Tree, error) {
	tree, err := r.store.GetTree(ctx, organizationID)
	if err == nil {
		return tree, nil
	}
	if !apperrors.IsNotFound(err) {
		return nil, err
	}

	now := time.Now().UTC()
	tree = &domain.Tree{
		OrganizationID: organizationID,
		Hasher:         r.hasher.Name(),
		Root:           EmptyDigest(r.hasher),
		Leaves:         []domain.Leaf{},
		PreviousRoots:  []domain.Digest{},
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	if err := r.store.PutTree(ctx, tree); err != nil {
		return nil, err
	}
	r.log.WithField("organization_id", organizationID).Info("membership tree created")
	return tree.Clone(), nil
}

// LeafHash derives the leaf digest for a member's secret material.
func (r *Registry) LeafHash(secret []byte) []byte {
	return r.hasher.Hash(secret)
}

// AddLeaf appends H(secret) to the organization's tree and recomputes the root.
// Appends are serialized per organization. A secret already enrolled is rejected,
// so every append changes the root.
func (r *Registry) AddLeaf(ctx context.Context, organizationID string, secret []byte) (*domain.Tree, error) {
	if len(secret) == 0 {
		return nil, apperrors.RequiredError("member_secret")
	}
	if strings.TrimSpace(organizationID) == "" {
		return nil, apperrors.RequiredError("organization_id")
	}

	l := r.orgLock(organizationID)
	l.Lock()
	defer l.Unlock()

	tree, err := r.loadOrCreate(ctx, organizationID)
	if err != nil {
		return nil, err
	}
	if tree.Hasher != "" && tree.Hasher != r.hasher.Name() {
		return nil, apperrors.NewInvalidStateError("tree", organizationID, "hashed with "+tree.Hasher, r.hasher.Name())
	}

	leafHash := r.LeafHash(secret)
	for _, leaf := range tree.Leaves {
		if bytes.Equal(leaf.Hash, leafHash) {
			return nil, apperrors.New(apperrors.KindInvalidState, "member already enrolled in tree %q at index %d", organizationID, leaf.Index)
		}
	}

	tree.PreviousRoots = append(tree.PreviousRoots, tree.Root)
	if limit := r.cfg.HistoryLimit; limit > 0 && len(tree.PreviousRoots) > limit {
		tree.PreviousRoots = append([]domain.Digest(nil), tree.PreviousRoots[len(tree.PreviousRoots)-limit:]...)
	}
	tree.Leaves = append(tree.Leaves, domain.Leaf{Index: uint64(len(tree.Leaves)), Hash: leafHash})
	tree.Root = ComputeRoot(r.hasher, tree.LeafHashes())
	tree.Height = Height(len(tree.Leaves))
	tree.Hasher = r.hasher.Name()
	tree.UpdatedAt = time.Now().UTC()

	if err := r.store.PutTree(ctx, tree); err != nil {
		return nil, err
	}

	metrics.SetTreeLeaves(organizationID, len(tree.Leaves))
	events.NewEvent(events.EventMemberAdded).
		Organization(organizationID).
		Metadata("leaf_index", strconv.Itoa(len(tree.Leaves)-1)).
		Metadata("root", tree.Root.String()).
		PublishTo(ctx, r.sink)
	r.log.WithField("organization_id", organizationID).
		WithField("leaf_index", len(tree.Leaves)-1).
		WithField("root", tree.Root.String()).
		Debug("membership leaf appended")

	return tree.Clone(), nil
}

// AddMember is AddLeaf under the name the onboarding flow uses.
func (r *Registry) AddMember(ctx context.Context, organizationID string, secret []byte) (*domain.Tree, error) {
	return r.AddLeaf(ctx, organizationID, secret)
}

// ComputeRoot reduces hashes with the registry's hasher.
func (r *Registry) ComputeRoot(hashes [][]byte) []byte {
	return ComputeRoot(r.hasher, hashes)
}

// GetPath returns the sibling path for a leaf of the organization's current tree.
func (r *Registry) GetPath(ctx context.Context, organizationID string, leafIndex uint64) (*domain.Path, error) {
	tree, err := r.store.GetTree(ctx, organizationID)
	if err != nil {
		return nil, err
	}
	path, ok := BuildPath(r.hasher, tree.LeafHashes(), int(leafIndex))
	if !ok {
		return nil, apperrors.NewNotFoundError("leaf", strconv.Itoa(int(leafIndex)))
	}
	return &path, nil
}

// FindLeaf locates the leaf for a member's secret, or returns NotFound.
func (r *Registry) FindLeaf(ctx context.Context, organizationID string, secret []byte) (*domain.Tree, domain.Leaf, error) {
	tree, err := r.store.GetTree(ctx, organizationID)
	if err != nil {
		return nil, domain.Leaf{}, err
	}
	leafHash := r.LeafHash(secret)
	for _, leaf := range tree.Leaves {
		if bytes.Equal(leaf.Hash, leafHash) {
			return tree, leaf, nil
		}
	}
	return nil, domain.Leaf{}, apperrors.NewNotFoundError("member", "")
}

// VerifyPath checks a path against root with the registry's hasher.
func (r *Registry) VerifyPath(leaf []byte, path domain.Path, root []byte) bool {
	return VerifyPath(r.hasher, leaf, path, root)
}

// IsKnownRoot reports whether root is the current root or one kept in the history.
func (r *Registry) IsKnownRoot(ctx context.Context, organizationID string, root []byte) (bool, error) {
	tree, err := r.store.GetTree(ctx, organizationID)
	if err != nil {
		if apperrors.IsNotFound(err) {
			return false, nil
		}
		return false, err
	}
	if tree.Root.Equal(root) {
		return true, nil
	}
	for _, prev := range tree.PreviousRoots {
		if prev.Equal(root) && len(tree.Leaves) > 0 && !prev.Equal(EmptyDigest(r.hasher)) {
			return true, nil
		}
	}
	return false, nil
}
