package zkproof

import "context"

// VerificationKey identifies the key a proof is checked against.
type VerificationKey []byte

// ProvingBackend produces and checks proofs. Implementations are chosen at
// construction and must return proofs of the same shape.
type ProvingBackend interface {
	Name() string
	FullProve(ctx context.Context, witness Witness) (*ProofResult, error)
	Verify(ctx context.Context, vk VerificationKey, circuit Circuit, publicSignals []string, proof Proof) (bool, error)
}
