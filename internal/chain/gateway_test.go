package chain

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/unitedefi/resolver-backend/internal/log"
)

func TestGatewayEscrowState(t *testing.T) {
	var requests int
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requests++
		assert.Equal(t, "/v1/escrows/ethereum/0xescrow", r.URL.Path)
		assert.Equal(t, "transfer-1", r.URL.Query().Get("transferId"))
		json.NewEncoder(w).Encode(EscrowObservation{
			Status:         EscrowClaimed,
			SecretRevealed: true,
			BlockNumber:    42,
		})
	}))
	defer server.Close()

	client := NewGatewayClient(server.URL, 5*time.Second, 0, log.NewNop())
	defer client.Close()

	obs, err := client.EscrowState(context.Background(), "transfer-1", "ethereum", "0xescrow")
	require.NoError(t, err)
	assert.Equal(t, EscrowClaimed, obs.Status)
	assert.True(t, obs.SecretRevealed)
	assert.Equal(t, uint64(42), obs.BlockNumber)
	assert.Equal(t, 1, requests)
}

func TestGatewayEscrowStateCaching(t *testing.T) {
	var requests int
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requests++
		json.NewEncoder(w).Encode(EscrowObservation{Status: EscrowPending})
	}))
	defer server.Close()

	client := NewGatewayClient(server.URL, 5*time.Second, time.Minute, log.NewNop())
	defer client.Close()

	ctx := context.Background()
	for i := 0; i < 3; i++ {
		_, err := client.EscrowState(ctx, "transfer-1", "ethereum", "0xescrow")
		require.NoError(t, err)
	}
	assert.Equal(t, 1, requests)

	// A different escrow misses the cache.
	_, err := client.EscrowState(ctx, "transfer-1", "ethereum", "0xother")
	require.NoError(t, err)
	assert.Equal(t, 2, requests)
}

func TestGatewayEscrowStateUpstreamError(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "node unavailable", http.StatusBadGateway)
	}))
	defer server.Close()

	client := NewGatewayClient(server.URL, 5*time.Second, 0, log.NewNop())
	defer client.Close()

	_, err := client.EscrowState(context.Background(), "transfer-1", "ethereum", "0xescrow")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "502")
}

func TestGatewayClaim(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "/v1/claims", r.URL.Path)

		var req claimRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		assert.Equal(t, "ethereum", req.ChainID)
		assert.Equal(t, "0xescrow", req.EscrowAddress)
		assert.Equal(t, "secret", req.Secret)

		json.NewEncoder(w).Encode(claimResponse{TxHash: "0xdeadbeef"})
	}))
	defer server.Close()

	client := NewGatewayClient(server.URL, 5*time.Second, 0, log.NewNop())
	defer client.Close()

	tx, err := client.Claim(context.Background(), "ethereum", "0xescrow", "secret")
	require.NoError(t, err)
	assert.Equal(t, "0xdeadbeef", tx)
}

func TestGatewayClaimAlreadyClaimed(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		// The gateway echoes the original transaction on conflicts so
		// retries stay idempotent.
		w.WriteHeader(http.StatusConflict)
		json.NewEncoder(w).Encode(claimResponse{TxHash: "0xoriginal"})
	}))
	defer server.Close()

	client := NewGatewayClient(server.URL, 5*time.Second, 0, log.NewNop())
	defer client.Close()

	tx, err := client.Claim(context.Background(), "ethereum", "0xescrow", "secret")
	require.NoError(t, err)
	assert.Equal(t, "0xoriginal", tx)
}

func TestGatewayClaimErrors(t *testing.T) {
	tests := []struct {
		name    string
		handler http.HandlerFunc
	}{
		{
			name: "upstream failure",
			handler: func(w http.ResponseWriter, r *http.Request) {
				http.Error(w, "reverted", http.StatusInternalServerError)
			},
		},
		{
			name: "empty transaction hash",
			handler: func(w http.ResponseWriter, r *http.Request) {
				json.NewEncoder(w).Encode(claimResponse{})
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			server := httptest.NewServer(tt.handler)
			defer server.Close()

			client := NewGatewayClient(server.URL, 5*time.Second, 0, log.NewNop())
			defer client.Close()

			_, err := client.Claim(context.Background(), "ethereum", "0xescrow", "secret")
			assert.Error(t, err)
		})
	}
}
