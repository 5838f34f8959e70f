package zkproof

import (
	"bytes"
	"encoding/hex"

	domain "github.com/R3E-Network/orgpay/internal/domain/membership"
	"github.com/R3E-Network/orgpay/internal/hashing"
	"github.com/R3E-Network/orgpay/internal/membership"
)

// Circuit names the statement a proof attests to.
type Circuit string

const (
	CircuitMembership Circuit = "membership"
	CircuitAmount     Circuit = "amount"
)

// Groth16 protocol and curve tags carried by every proof.
const (
	ProtocolGroth16 = "groth16"
	CurveBN128      = "bn128"
)

// Proof is a Groth16 proof in the snarkjs JSON layout.
type Proof struct {
	PiA      []string   `json:"pi_a"`
	PiB      [][]string `json:"pi_b"`
	PiC      []string   `json:"pi_c"`
	Protocol string     `json:"protocol"`
	Curve    string     `json:"curve"`
}

// WellFormed reports whether the proof has the Groth16 arity.
func (p Proof) WellFormed() bool {
	if len(p.PiA) != 3 || len(p.PiC) != 3 || len(p.PiB) != 3 {
		return false
	}
	for _, pair := range p.PiB {
		if len(pair) != 2 {
			return false
		}
	}
	return p.Protocol == ProtocolGroth16
}

// ProofResult is a proof with its public signals.
type ProofResult struct {
	Proof         Proof    `json:"proof"`
	PublicSignals []string `json:"publicSignals"`
}

// Commitment binds an amount under a salt. Both fields are hex.
type Commitment struct {
	Commitment string `json:"commitment"`
	Salt       string `json:"salt"`
}

// Witness is the private and public input of one proof.
type Witness interface {
	Circuit() Circuit
	// PublicSignals lists the public outputs in circuit order.
	PublicSignals() []string
	// Inputs renders the witness as named circuit inputs.
	Inputs() map[string]interface{}
	// Satisfied evaluates the circuit constraints natively.
	Satisfied(h hashing.Hasher) bool
}

// MembershipWitness proves that H(Secret) is a leaf under Root without revealing
// which one, and binds the proof to a nullifier.
type MembershipWitness struct {
	Secret    []byte
	Nonce     string
	Path      domain.Path
	Root      domain.Digest
	Nullifier domain.Digest
}

func (w *MembershipWitness) Circuit() Circuit { return CircuitMembership }

func (w *MembershipWitness) PublicSignals() []string {
	return []string{w.Root.String(), w.Nullifier.String()}
}

func (w *MembershipWitness) Inputs() map[string]interface{} {
	siblings := make([]string, len(w.Path.Siblings))
	for i, s := range w.Path.Siblings {
		siblings[i] = s.String()
	}
	directions := make([]int, len(w.Path.Directions))
	for i, d := range w.Path.Directions {
		directions[i] = int(d)
	}
	return map[string]interface{}{
		"secret":       hex.EncodeToString(w.Secret),
		"nonce":        w.Nonce,
		"pathElements": siblings,
		"pathIndices":  directions,
		"root":         w.Root.String(),
		"nullifier":    w.Nullifier.String(),
	}
}

func (w *MembershipWitness) Satisfied(h hashing.Hasher) bool {
	if !bytes.Equal(Nullifier(h, w.Secret, w.Nonce), w.Nullifier) {
		return false
	}
	return membership.VerifyPath(h, h.Hash(w.Secret), w.Path, w.Root)
}

// AmountWitness proves knowledge of an amount and salt opening Commitment.
type AmountWitness struct {
	// Amount is the canonical decimal rendering.
	Amount     string
	Salt       []byte
	Commitment domain.Digest
}

func (w *AmountWitness) Circuit() Circuit { return CircuitAmount }

func (w *AmountWitness) PublicSignals() []string {
	return []string{w.Commitment.String()}
}

func (w *AmountWitness) Inputs() map[string]interface{} {
	return map[string]interface{}{
		"amount":     w.Amount,
		"salt":       hex.EncodeToString(w.Salt),
		"commitment": w.Commitment.String(),
	}
}

func (w *AmountWitness) Satisfied(h hashing.Hasher) bool {
	return bytes.Equal(h.Hash([]byte(w.Amount), w.Salt), w.Commitment)
}

// Nullifier derives H(secret ‖ nonce).
func Nullifier(h hashing.Hasher, secret []byte, nonce string) []byte {
	return h.Hash(secret, []byte(nonce))
}
