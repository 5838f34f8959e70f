// Package zkproof builds amount commitments and produces or checks the
// zero-knowledge proofs of membership and of a committed amount.
package zkproof

import (
	"context"
	"crypto/rand"
	"crypto/subtle"
	"encoding/hex"
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	domain "github.com/R3E-Network/orgpay/internal/domain/membership"
	apperrors "github.com/R3E-Network/orgpay/internal/errors"
	"github.com/R3E-Network/orgpay/internal/hashing"
	"github.com/R3E-Network/orgpay/internal/membership"
	"github.com/R3E-Network/orgpay/internal/metrics"
	"github.com/R3E-Network/orgpay/internal/money"
	"github.com/R3E-Network/orgpay/pkg/logger"
)

// SaltSize is the length of generated salts.
const SaltSize = 32

const collaborator = "proving-backend"

// MembershipSource is the view of the membership trees the service needs.
type MembershipSource interface {
	Hasher() hashing.Hasher
	FindLeaf(ctx context.Context, organizationID string, secret []byte) (*domain.Tree, domain.Leaf, error)
	IsKnownRoot(ctx context.Context, organizationID string, root []byte) (bool, error)
}

// Config tunes the service.
type Config struct {
	// Timeout bounds each backend call. Zero means 30s.
	Timeout time.Duration
	// VerificationKeys overrides the keys proofs are verified against.
	VerificationKeys map[Circuit]VerificationKey
}

// Service is the commitment and proof service.
type Service struct {
	trees   MembershipSource
	hasher  hashing.Hasher
	backend ProvingBackend
	keys    map[Circuit]VerificationKey
	timeout time.Duration
	log     *logger.Logger
}

type keyProvider interface {
	VerificationKey(circuit Circuit) VerificationKey
}

// NewService creates the service. Commitments and nullifiers use the trees' hasher.
func NewService(cfg Config, trees MembershipSource, backend ProvingBackend, log *logger.Logger) *Service {
	if log == nil {
		log = logger.NewDefault("zkproof")
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}

	keys := make(map[Circuit]VerificationKey)
	if kp, ok := backend.(keyProvider); ok {
		for _, c := range []Circuit{CircuitMembership, CircuitAmount} {
			keys[c] = kp.VerificationKey(c)
		}
	}
	for c, k := range cfg.VerificationKeys {
		keys[c] = k
	}

	return &Service{
		trees:   trees,
		hasher:  trees.Hasher(),
		backend: backend,
		keys:    keys,
		timeout: timeout,
		log:     log,
	}
}

// Backend reports which proving backend is in use.
func (s *Service) Backend() string { return s.backend.Name() }

// Commit returns H(amount ‖ salt). A nil salt is replaced by SaltSize random bytes.
func (s *Service) Commit(amount decimal.Decimal, salt []byte) (Commitment, error) {
	if err := money.ValidateNonNegative(amount); err != nil {
		return Commitment{}, err
	}
	if len(salt) == 0 {
		salt = make([]byte, SaltSize)
		if _, err := rand.Read(salt); err != nil {
			return Commitment{}, fmt.Errorf("generate salt: %w", err)
		}
	}
	return Commitment{
		Commitment: hex.EncodeToString(s.commitment(amount, salt)),
		Salt:       hex.EncodeToString(salt),
	}, nil
}

func (s *Service) commitment(amount decimal.Decimal, salt []byte) []byte {
	return s.hasher.Hash([]byte(money.Canonical(amount)), salt)
}

// VerifyCommitment recomputes the commitment for amount and salt and compares.
func (s *Service) VerifyCommitment(amount decimal.Decimal, salt []byte, commitment string) bool {
	want, err := hex.DecodeString(commitment)
	if err != nil || len(salt) == 0 {
		return false
	}
	return subtle.ConstantTimeCompare(s.commitment(amount, salt), want) == 1
}

// Nullifier derives the nullifier for a secret and transfer nonce.
func (s *Service) Nullifier(secret []byte, nonce string) string {
	return hex.EncodeToString(Nullifier(s.hasher, secret, nonce))
}

// GenerateMembershipProof proves the secret's leaf is in the organization's tree.
// Public signals are [root, nullifier].
func (s *Service) GenerateMembershipProof(ctx context.Context, organizationID string, secret []byte, nonce string) (*ProofResult, error) {
	if len(secret) == 0 {
		return nil, apperrors.RequiredError("member_secret")
	}
	if nonce == "" {
		return nil, apperrors.RequiredError("transfer_nonce")
	}

	tree, leaf, err := s.trees.FindLeaf(ctx, organizationID, secret)
	if err != nil {
		return nil, err
	}
	path, ok := membership.BuildPath(s.hasher, tree.LeafHashes(), int(leaf.Index))
	if !ok {
		return nil, apperrors.NewNotFoundError("leaf", fmt.Sprint(leaf.Index))
	}

	witness := &MembershipWitness{
		Secret:    secret,
		Nonce:     nonce,
		Path:      path,
		Root:      tree.Root,
		Nullifier: Nullifier(s.hasher, secret, nonce),
	}
	return s.prove(ctx, witness)
}

// GenerateAmountProof proves knowledge of amount and salt behind commitment.
// Public signals are [commitment].
func (s *Service) GenerateAmountProof(ctx context.Context, amount decimal.Decimal, salt []byte, commitment string) (*ProofResult, error) {
	if !s.VerifyCommitment(amount, salt, commitment) {
		return nil, apperrors.InvalidCommitment(commitment)
	}
	c, _ := hex.DecodeString(commitment)
	witness := &AmountWitness{
		Amount:     money.Canonical(amount),
		Salt:       salt,
		Commitment: c,
	}
	return s.prove(ctx, witness)
}

func (s *Service) prove(ctx context.Context, witness Witness) (*ProofResult, error) {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	start := time.Now()
	result, err := s.backend.FullProve(ctx, witness)
	metrics.RecordProof(string(witness.Circuit()), "prove", time.Since(start), err == nil)
	if err != nil {
		s.log.WithField("circuit", witness.Circuit()).WithField("backend", s.backend.Name()).WithError(err).Warn("proof generation failed")
		return nil, apperrors.FromCollaborator(collaborator, "prove", err)
	}
	return result, nil
}

// VerifyMembershipProof checks a membership proof against the fixed verification key.
func (s *Service) VerifyMembershipProof(ctx context.Context, proof Proof, publicSignals []string) (bool, error) {
	if len(publicSignals) != 2 {
		return false, nil
	}
	return s.verify(ctx, CircuitMembership, proof, publicSignals)
}

// VerifyMembershipProofForOrg also requires the proof's root to be current or
// recent for the organization.
func (s *Service) VerifyMembershipProofForOrg(ctx context.Context, organizationID string, proof Proof, publicSignals []string) (bool, error) {
	ok, err := s.VerifyMembershipProof(ctx, proof, publicSignals)
	if err != nil || !ok {
		return false, err
	}
	root, err := hex.DecodeString(publicSignals[0])
	if err != nil {
		return false, nil
	}
	return s.trees.IsKnownRoot(ctx, organizationID, root)
}

// VerifyAmountProof checks an amount proof against the fixed verification key.
func (s *Service) VerifyAmountProof(ctx context.Context, proof Proof, publicSignals []string) (bool, error) {
	if len(publicSignals) != 1 {
		return false, nil
	}
	return s.verify(ctx, CircuitAmount, proof, publicSignals)
}

func (s *Service) verify(ctx context.Context, circuit Circuit, proof Proof, publicSignals []string) (bool, error) {
	vk, ok := s.keys[circuit]
	if !ok || len(vk) == 0 {
		return false, apperrors.New(apperrors.KindInternal, "no verification key for circuit %q", circuit)
	}

	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	start := time.Now()
	valid, err := s.backend.Verify(ctx, vk, circuit, publicSignals, proof)
	metrics.RecordProof(string(circuit), "verify", time.Since(start), err == nil && valid)
	if err != nil {
		return false, apperrors.FromCollaborator(collaborator, "verify", err)
	}
	return valid, nil
}
