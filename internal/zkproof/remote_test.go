package zkproof

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/R3E-Network/orgpay/internal/hashing"
	"github.com/R3E-Network/orgpay/internal/httputil"
)

func mustHex(t *testing.T, s string) []byte {
	t.Helper()
	b, err := hex.DecodeString(s)
	require.NoError(t, err)
	return b
}

// proverServer answers /prove and /verify with a simulated backend behind HTTP.
func proverServer(t *testing.T) *httptest.Server {
	sim := NewSimulatedBackend(hashing.Blake2b{}, []byte("remote"))
	mux := http.NewServeMux()
	mux.HandleFunc("/prove", func(w http.ResponseWriter, r *http.Request) {
		var req struct {
			Circuit Circuit                `json:"circuit"`
			Input   map[string]interface{} `json:"input"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		if req.Circuit != CircuitAmount {
			w.WriteHeader(http.StatusBadRequest)
			_, _ = w.Write([]byte(`{"error":"unsupported circuit"}`))
			return
		}
		str := func(k string) string {
			v, _ := req.Input[k].(string)
			return v
		}
		salt, _ := hex.DecodeString(str("salt"))
		commitment, _ := hex.DecodeString(str("commitment"))
		res, err := sim.FullProve(r.Context(), &AmountWitness{
			Amount:     str("amount"),
			Salt:       salt,
			Commitment: commitment,
		})
		if err != nil {
			_, _ = w.Write([]byte(`{"error":"` + err.Error() + `"}`))
			return
		}
		_ = json.NewEncoder(w).Encode(res)
	})
	mux.HandleFunc("/verify", func(w http.ResponseWriter, r *http.Request) {
		var req struct {
			Circuit       Circuit  `json:"circuit"`
			Key           string   `json:"verification_key"`
			PublicSignals []string `json:"publicSignals"`
			Proof         Proof    `json:"proof"`
		}
		_ = json.NewDecoder(r.Body).Decode(&req)
		key, _ := hex.DecodeString(req.Key)
		ok, _ := sim.Verify(r.Context(), key, req.Circuit, req.PublicSignals, req.Proof)
		_ = json.NewEncoder(w).Encode(map[string]bool{"valid": ok})
	})
	return httptest.NewServer(mux)
}

func TestRemoteBackend_ProveAndVerify(t *testing.T) {
	srv := proverServer(t)
	defer srv.Close()

	backend := NewRemoteBackend(httputil.NewClient(httputil.ClientConfig{BaseURL: srv.URL}))
	ctx := context.Background()

	h := hashing.Blake2b{}
	w := &AmountWitness{Amount: "5.00000000", Salt: []byte("salt")}
	w.Commitment = h.Hash([]byte(w.Amount), w.Salt)

	res, err := backend.FullProve(ctx, w)
	require.NoError(t, err)
	assert.True(t, res.Proof.WellFormed())
	assert.Equal(t, w.PublicSignals(), res.PublicSignals)

	vk := DeriveKey([]byte("remote"), CircuitAmount)
	ok, err := backend.Verify(ctx, vk, CircuitAmount, res.PublicSignals, res.Proof)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = backend.Verify(ctx, DeriveKey([]byte("wrong"), CircuitAmount), CircuitAmount, res.PublicSignals, res.Proof)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestRemoteBackend_Errors(t *testing.T) {
	srv := proverServer(t)
	defer srv.Close()
	backend := NewRemoteBackend(httputil.NewClient(httputil.ClientConfig{BaseURL: srv.URL}))

	_, err := backend.FullProve(context.Background(), &MembershipWitness{})
	assert.Error(t, err, "HTTP 400 should surface as an error")

	_, err = backend.FullProve(context.Background(), &AmountWitness{Amount: "1", Salt: []byte("s"), Commitment: []byte("x")})
	assert.ErrorContains(t, err, "prover:")
}
