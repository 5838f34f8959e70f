package settlement

import (
	"context"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/nspcc-dev/neo-go/pkg/core/transaction"
	"github.com/nspcc-dev/neo-go/pkg/encoding/address"
	"github.com/tidwall/gjson"

	apperrors "github.com/R3E-Network/orgpay/internal/errors"
	"github.com/R3E-Network/orgpay/internal/httputil"
	"github.com/R3E-Network/orgpay/internal/money"
	"github.com/R3E-Network/orgpay/pkg/logger"
)

// RPCConfig names the contracts the RPC client invokes.
type RPCConfig struct {
	// Token is the script hash of the NEP-17 token transfers move.
	Token string
	// Pool is the script hash of the privacy pool contract.
	Pool string
	// Relayer signs pool deposits.
	Relayer string
	// Decimals is the token precision used to convert amounts to integers.
	Decimals int32
}

// RPCClient settles through a Neo N3 JSON-RPC node. It journals every
// submission by reference so FindByReference can trace calls whose response was
// lost. The journal lives in memory; references from another process are unknown.
type RPCClient struct {
	http    *httputil.Client
	cfg     RPCConfig
	log     *logger.Logger
	now     func() time.Time
	id      atomic.Uint64
	mu      sync.Mutex
	journal map[string]*submission
}

// submission is the journal entry of one reference.
type submission struct {
	hash       string
	validUntil uint32
	// broadcast is set once sendrawtransaction was attempted.
	broadcast bool
	refused   bool
}

var (
	_ Client     = (*RPCClient)(nil)
	_ PoolClient = (*RPCClient)(nil)
	_ Tracker    = (*RPCClient)(nil)
)

// NewRPCClient creates a client posting JSON-RPC requests through http.
func NewRPCClient(http *httputil.Client, cfg RPCConfig, log *logger.Logger) (*RPCClient, error) {
	if http == nil || http.BaseURL() == "" {
		return nil, apperrors.RequiredError("settlement.rpc_url")
	}
	if cfg.Decimals < 0 {
		return nil, apperrors.InvalidArgument("settlement.decimals", "must not be negative")
	}
	if log == nil {
		log = logger.NewDefault("settlement")
	}
	return &RPCClient{
		http:    http,
		cfg:     cfg,
		log:     log,
		now:     func() time.Time { return time.Now().UTC() },
		journal: make(map[string]*submission),
	}, nil
}

// RPCError is an error object returned by the node.
type RPCError struct {
	Code    int64
	Message string
	Data    string
}

func (e *RPCError) Error() string {
	if e.Data != "" {
		return fmt.Sprintf("rpc error %d: %s (%s)", e.Code, e.Message, e.Data)
	}
	return fmt.Sprintf("rpc error %d: %s", e.Code, e.Message)
}

type rpcRequest struct {
	JSONRPC string        `json:"jsonrpc"`
	Method  string        `json:"method"`
	Params  []interface{} `json:"params"`
	ID      uint64        `json:"id"`
}

// contractParam is a typed invocation argument.
type contractParam struct {
	Type  string      `json:"type"`
	Value interface{} `json:"value"`
}

type signer struct {
	Account string `json:"account"`
	Scopes  string `json:"scopes"`
}

// Call makes an RPC call and returns its result member.
func (c *RPCClient) Call(ctx context.Context, method string, params ...interface{}) (gjson.Result, error) {
	if params == nil {
		params = []interface{}{}
	}
	body, err := c.http.PostJSON(ctx, "", rpcRequest{
		JSONRPC: "2.0",
		Method:  method,
		Params:  params,
		ID:      c.id.Add(1),
	})
	if err != nil {
		return gjson.Result{}, fmt.Errorf("%s: %w", method, err)
	}
	if !gjson.ValidBytes(body) {
		return gjson.Result{}, fmt.Errorf("%s: node returned invalid JSON", method)
	}

	resp := gjson.ParseBytes(body)
	if e := resp.Get("error"); e.Exists() && e.Type != gjson.Null {
		return gjson.Result{}, &RPCError{
			Code:    e.Get("code").Int(),
			Message: e.Get("message").String(),
			Data:    e.Get("data").String(),
		}
	}
	return resp.Get("result"), nil
}

// SubmitTransfer invokes the token's transfer method and broadcasts the signed
// transaction. The returned handle is the transaction hash.
func (c *RPCClient) SubmitTransfer(ctx context.Context, t Transfer) (string, error) {
	if err := money.ValidatePositive(t.Amount); err != nil {
		return "", err
	}
	from, err := hash160(t.From)
	if err != nil {
		return "", apperrors.InvalidArgument("from", err.Error())
	}
	to, err := hash160(t.To)
	if err != nil {
		return "", apperrors.InvalidArgument("to", err.Error())
	}
	units, err := money.ToBaseUnits(t.Amount, c.cfg.Decimals)
	if err != nil {
		return "", err
	}

	signers := []signer{{Account: from, Scopes: "CalledByEntry"}}
	if t.Sponsor != "" {
		sponsor, err := hash160(t.Sponsor)
		if err != nil {
			return "", apperrors.InvalidArgument("sponsor", err.Error())
		}
		// The first signer pays the network fee.
		signers = append([]signer{{Account: sponsor, Scopes: "None"}}, signers...)
	}

	params := []contractParam{
		{Type: "Hash160", Value: from},
		{Type: "Hash160", Value: to},
		{Type: "Integer", Value: units.Dec()},
		{Type: "String", Value: t.Reference},
	}
	handle, err := c.invokeAndSend(ctx, t.Reference, c.cfg.Token, "transfer", params, signers)
	if err != nil {
		return "", err
	}
	c.log.WithField("handle", handle).
		WithField("amount", money.Canonical(t.Amount)).
		WithField("reference", t.Reference).
		Info("settlement transfer submitted")
	return handle, nil
}

// Deposit invokes the pool's deposit method with the proof and its public signals.
func (c *RPCClient) Deposit(ctx context.Context, d Deposit) (string, error) {
	if err := money.ValidatePositive(d.Amount); err != nil {
		return "", err
	}
	units, err := money.ToBaseUnits(d.Amount, c.cfg.Decimals)
	if err != nil {
		return "", err
	}
	var signers []signer
	if c.cfg.Relayer != "" {
		relayer, err := hash160(c.cfg.Relayer)
		if err != nil {
			return "", apperrors.InvalidArgument("settlement.relayer", err.Error())
		}
		signers = append(signers, signer{Account: relayer, Scopes: "CalledByEntry"})
	}

	params := []contractParam{{Type: "Integer", Value: units.Dec()}}
	for _, field := range []struct{ name, hex string }{
		{"commitment", d.Commitment},
		{"nullifier", d.Nullifier},
		{"root", d.Root},
	} {
		p, err := byteArray(field.hex)
		if err != nil {
			return "", apperrors.InvalidArgument(field.name, err.Error())
		}
		params = append(params, p)
	}
	signals := make([]contractParam, len(d.PublicSignals))
	for i, s := range d.PublicSignals {
		signals[i] = contractParam{Type: "String", Value: s}
	}
	params = append(params,
		contractParam{Type: "ByteArray", Value: base64.StdEncoding.EncodeToString(d.Proof)},
		contractParam{Type: "Array", Value: signals},
	)

	handle, err := c.invokeAndSend(ctx, d.Reference, c.cfg.Pool, "deposit", params, signers)
	if err != nil {
		return "", err
	}
	c.log.WithField("handle", handle).WithField("reference", d.Reference).Info("privacy pool deposit submitted")
	return handle, nil
}

// GetStatus reads the transaction's application log. A transaction the node does
// not know yet is pending.
func (c *RPCClient) GetStatus(ctx context.Context, handle string) (*Receipt, error) {
	receipt := &Receipt{Handle: handle, Status: StatusPending, CheckedAt: c.now()}

	appLog, err := c.Call(ctx, "getapplicationlog", handle)
	if err != nil {
		if isNotFoundError(err) {
			return receipt, nil
		}
		return nil, err
	}

	exec := appLog.Get("executions.0")
	if !exec.Exists() {
		return receipt, nil
	}
	receipt.VMState = exec.Get("vmstate").String()
	receipt.Exception = exec.Get("exception").String()
	switch strings.ToUpper(receipt.VMState) {
	case "HALT":
		receipt.Status = StatusConfirmed
	case "FAULT":
		receipt.Status = StatusFailed
	}

	if height, err := c.Call(ctx, "gettransactionheight", handle); err == nil {
		receipt.BlockIndex = height.Uint()
	}
	return receipt, nil
}

// FindByReference traces the submission journaled under reference. An unknown
// transaction stays pending until the chain passes its ValidUntilBlock, after
// which it can no longer be included and the reference is reported NotFound.
func (c *RPCClient) FindByReference(ctx context.Context, reference string) (*Receipt, error) {
	c.mu.Lock()
	entry, ok := c.journal[reference]
	var sub submission
	if ok {
		sub = *entry
	}
	c.mu.Unlock()
	if !ok {
		return nil, apperrors.New(apperrors.KindInvalidState, "reference %q was not submitted by this client", reference)
	}
	if !sub.broadcast || sub.refused {
		return nil, apperrors.NewNotFoundError("settlement reference", reference)
	}
	if sub.hash == "" {
		return &Receipt{Status: StatusPending, CheckedAt: c.now()}, nil
	}

	receipt, err := c.GetStatus(ctx, sub.hash)
	if err != nil || receipt.Final() || sub.validUntil == 0 {
		return receipt, err
	}
	count, err := c.Call(ctx, "getblockcount")
	if err != nil {
		return nil, err
	}
	if height := count.Uint(); height > 0 && height-1 > uint64(sub.validUntil) {
		c.log.WithField("reference", reference).
			WithField("handle", sub.hash).
			WithField("valid_until_block", sub.validUntil).
			Warn("settlement transaction expired without being included")
		return nil, apperrors.NewNotFoundError("settlement reference", reference)
	}
	return receipt, nil
}

func (c *RPCClient) invokeAndSend(ctx context.Context, reference, contract, method string, params []contractParam, signers []signer) (string, error) {
	if contract == "" {
		return "", apperrors.New(apperrors.KindInvalidArgument, "no contract configured for %s", method)
	}
	args := []interface{}{contract, method, params}
	if len(signers) > 0 {
		args = append(args, signers)
	}
	sub := c.remember(reference)
	invoke, err := c.Call(ctx, "invokefunction", args...)
	if err != nil {
		return "", fmt.Errorf("invoke %s: %w", method, err)
	}
	if state := invoke.Get("state").String(); state != "HALT" {
		return "", fmt.Errorf("%s failed: %s %s", method, state, invoke.Get("exception").String())
	}
	tx := invoke.Get("tx").String()
	if tx == "" {
		return "", fmt.Errorf("%s: node returned no signed transaction", method)
	}

	hash, validUntil := decodeTx(tx)
	c.update(sub, func(s *submission) {
		s.hash, s.validUntil, s.broadcast = hash, validUntil, true
	})
	sent, err := c.Call(ctx, "sendrawtransaction", tx)
	if err != nil {
		var rpcErr *RPCError
		if errors.As(err, &rpcErr) {
			c.update(sub, func(s *submission) { s.refused = true })
		}
		return "", fmt.Errorf("send %s: %w", method, err)
	}
	hash = sent.Get("hash").String()
	if hash == "" {
		return "", fmt.Errorf("send %s: response missing transaction hash", method)
	}
	c.update(sub, func(s *submission) { s.hash = hash })
	return hash, nil
}

// remember opens the journal entry of reference, replacing an earlier one.
func (c *RPCClient) remember(reference string) *submission {
	if reference == "" {
		return nil
	}
	sub := &submission{}
	c.mu.Lock()
	c.journal[reference] = sub
	c.mu.Unlock()
	return sub
}

func (c *RPCClient) update(sub *submission, fn func(*submission)) {
	if sub == nil {
		return
	}
	c.mu.Lock()
	fn(sub)
	c.mu.Unlock()
}

// decodeTx reads the hash and expiry of a base64 signed transaction. Either is
// zero when the node returned something it cannot decode.
func decodeTx(encoded string) (string, uint32) {
	raw, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return "", 0
	}
	tx, err := transaction.NewTransactionFromBytes(raw)
	if err != nil {
		return "", 0
	}
	return "0x" + tx.Hash().StringLE(), tx.ValidUntilBlock
}

func hash160(addr string) (string, error) {
	u, err := address.StringToUint160(strings.TrimSpace(addr))
	if err != nil {
		return "", fmt.Errorf("invalid address %q: %w", addr, err)
	}
	return "0x" + u.StringLE(), nil
}

func byteArray(hexValue string) (contractParam, error) {
	raw, err := hex.DecodeString(strings.TrimPrefix(hexValue, "0x"))
	if err != nil {
		return contractParam{}, fmt.Errorf("not hex: %w", err)
	}
	return contractParam{Type: "ByteArray", Value: base64.StdEncoding.EncodeToString(raw)}, nil
}

func isNotFoundError(err error) bool {
	var rpcErr *RPCError
	if !errors.As(err, &rpcErr) {
		return false
	}
	msg := strings.ToLower(rpcErr.Message)
	return rpcErr.Code == -100 || strings.Contains(msg, "unknown transaction") || strings.Contains(msg, "not found")
}
