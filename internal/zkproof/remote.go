package zkproof

import (
	"context"
	"encoding/hex"
	"fmt"

	"github.com/tidwall/gjson"

	"github.com/R3E-Network/orgpay/internal/httputil"
)

// RemoteBackend delegates to an HTTP prover service exposing POST /prove and
// POST /verify with snarkjs-shaped payloads.
type RemoteBackend struct {
	client *httputil.Client
}

var _ ProvingBackend = (*RemoteBackend)(nil)

func NewRemoteBackend(client *httputil.Client) *RemoteBackend {
	return &RemoteBackend{client: client}
}

func (b *RemoteBackend) Name() string { return "remote" }

func (b *RemoteBackend) FullProve(ctx context.Context, witness Witness) (*ProofResult, error) {
	body, err := b.client.PostJSON(ctx, "/prove", map[string]interface{}{
		"circuit": witness.Circuit(),
		"input":   witness.Inputs(),
	})
	if err != nil {
		return nil, err
	}
	if !gjson.ValidBytes(body) {
		return nil, fmt.Errorf("prover returned invalid JSON")
	}

	parsed := gjson.ParseBytes(body)
	if msg := parsed.Get("error"); msg.Exists() && msg.String() != "" {
		return nil, fmt.Errorf("prover: %s", msg.String())
	}

	result := &ProofResult{
		Proof:         parseProof(parsed.Get("proof")),
		PublicSignals: stringList(parsed.Get("publicSignals")),
	}
	if !result.Proof.WellFormed() {
		return nil, fmt.Errorf("prover returned a malformed proof")
	}
	return result, nil
}

func (b *RemoteBackend) Verify(ctx context.Context, vk VerificationKey, circuit Circuit, publicSignals []string, proof Proof) (bool, error) {
	body, err := b.client.PostJSON(ctx, "/verify", map[string]interface{}{
		"circuit":          circuit,
		"verification_key": hex.EncodeToString(vk),
		"publicSignals":    publicSignals,
		"proof":            proof,
	})
	if err != nil {
		return false, err
	}
	valid := gjson.GetBytes(body, "valid")
	if !valid.Exists() {
		return false, fmt.Errorf("verifier response missing \"valid\"")
	}
	return valid.Bool(), nil
}

func parseProof(v gjson.Result) Proof {
	p := Proof{
		PiA:      stringList(v.Get("pi_a")),
		PiC:      stringList(v.Get("pi_c")),
		Protocol: v.Get("protocol").String(),
		Curve:    v.Get("curve").String(),
	}
	for _, pair := range v.Get("pi_b").Array() {
		p.PiB = append(p.PiB, stringList(pair))
	}
	return p
}

func stringList(v gjson.Result) []string {
	arr := v.Array()
	out := make([]string, len(arr))
	for i, item := range arr {
		out[i] = item.String()
	}
	return out
}
