package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/unitedefi/resolver-backend/internal/bridge"
	"github.com/unitedefi/resolver-backend/internal/daemon"
	"github.com/unitedefi/resolver-backend/internal/log"
	"github.com/unitedefi/resolver-backend/pkg/kv/memory"
)

const testResolver = "0xaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaa"

type stubExecutor struct {
	errs map[string]error
	seq  int
}

func (s *stubExecutor) Claim(_ context.Context, chainID, _, _ string) (string, error) {
	if err, ok := s.errs[chainID]; ok {
		return "", err
	}
	s.seq++
	return fmt.Sprintf("0xtx%d", s.seq), nil
}

type apiFixture struct {
	router   *chi.Mux
	store    *bridge.Store
	executor *stubExecutor
}

func newAPIFixture(t *testing.T) *apiFixture {
	t.Helper()

	kvStore := memory.NewStore()
	t.Cleanup(func() { kvStore.Close() })

	logger := log.NewNop()
	store := bridge.NewStore(kvStore, logger)
	executor := &stubExecutor{errs: make(map[string]error)}
	reveal := bridge.NewRevealCoordinator(store, executor, logger)

	agent := daemon.NewAgent(daemon.Config{
		ResolverAddress: testResolver,
		StakeAmount:     1000,
	}, nil, nil, reveal, store, logger)

	handler := NewHandler(store, reveal, agent, nil, logger, nil)

	// Bare routes; the middleware chain is exercised in production wiring.
	router := chi.NewRouter()
	router.Get("/healthz", handler.Healthz)
	router.Get("/readyz", handler.Readyz)
	router.Get("/v1/orders", handler.ListOrders)
	router.Get("/v1/orders/{transferID}", handler.GetOrder)
	router.Post("/v1/orders/{transferID}/reveal", handler.RevealSecret)
	router.Get("/v1/resolvers", handler.ListResolvers)
	router.Get("/v1/resolver", handler.GetAgentStatus)
	router.Get("/v1/transfers/history", handler.ListArchivedTransfers)

	return &apiFixture{router: router, store: store, executor: executor}
}

func (f *apiFixture) do(t *testing.T, method, target, body string) *httptest.ResponseRecorder {
	t.Helper()

	var req *http.Request
	if body == "" {
		req = httptest.NewRequest(method, target, nil)
	} else {
		req = httptest.NewRequest(method, target, strings.NewReader(body))
	}
	rec := httptest.NewRecorder()
	f.router.ServeHTTP(rec, req)
	return rec
}

func apiTestOrder(transferID string) *bridge.BridgeOrder {
	return &bridge.BridgeOrder{
		TransferID:          transferID,
		SourceChain:         "ethereum",
		DestChain:           "polygon",
		TokenAddress:        "0x1111111111111111111111111111111111111111",
		Amount:              1_000_000,
		Recipient:           "0x2222222222222222222222222222222222222222",
		SourceEscrowAddress: "0x3333333333333333333333333333333333333333",
		DestEscrowAddress:   "0x4444444444444444444444444444444444444444",
		SecretHash:          bridge.HashSecret("test-secret"),
		TimeoutSeconds:      3600,
		CreatedAt:           time.Now().UTC(),
		Status:              bridge.OrderPending,
	}
}

func TestHealthz(t *testing.T) {
	f := newAPIFixture(t)

	rec := f.do(t, http.MethodGet, "/healthz", "")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "OK", rec.Body.String())
}

func TestReadyz(t *testing.T) {
	f := newAPIFixture(t)

	rec := f.do(t, http.MethodGet, "/readyz", "")
	assert.Equal(t, http.StatusOK, rec.Code)

	var dto ReadyzDTO
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &dto))
	assert.Equal(t, "ready", dto.Status)
	assert.Equal(t, "ok", dto.Checks["store"])
}

func TestListOrdersEmpty(t *testing.T) {
	f := newAPIFixture(t)

	rec := f.do(t, http.MethodGet, "/v1/orders", "")
	assert.Equal(t, http.StatusOK, rec.Code)

	var dto OrdersDTO
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &dto))
	assert.Zero(t, dto.Count)
}

func TestGetOrder(t *testing.T) {
	f := newAPIFixture(t)
	ctx := context.Background()

	order := apiTestOrder("transfer-1")
	require.NoError(t, f.store.PutOrder(ctx, order))
	require.NoError(t, f.store.PutBid(ctx, &bridge.ResolverBid{
		TransferID:      "transfer-1",
		ResolverAddress: testResolver,
		BidPrice:        500,
		SubmittedAt:     time.Now().UTC(),
	}))

	rec := f.do(t, http.MethodGet, "/v1/orders/transfer-1", "")
	assert.Equal(t, http.StatusOK, rec.Code)

	var dto OrderDetailDTO
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &dto))
	require.NotNil(t, dto.Order)
	assert.Equal(t, "transfer-1", dto.Order.TransferID)
	assert.Len(t, dto.Bids, 1)
	assert.Nil(t, dto.State)
	assert.Nil(t, dto.Auction)
}

func TestGetOrderNotFound(t *testing.T) {
	f := newAPIFixture(t)

	rec := f.do(t, http.MethodGet, "/v1/orders/missing", "")
	assert.Equal(t, http.StatusNotFound, rec.Code)

	var errResp ErrorResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &errResp))
	assert.Equal(t, "ORDER_NOT_FOUND", errResp.Code)
}

func TestRevealSecret(t *testing.T) {
	f := newAPIFixture(t)
	ctx := context.Background()

	require.NoError(t, f.store.PutOrder(ctx, apiTestOrder("transfer-1")))

	rec := f.do(t, http.MethodPost, "/v1/orders/transfer-1/reveal", `{"secret":"test-secret"}`)
	assert.Equal(t, http.StatusOK, rec.Code)

	var dto RevealDTO
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &dto))
	assert.NotEmpty(t, dto.SourceClaimTx)
	assert.NotEmpty(t, dto.DestClaimTx)
	assert.False(t, dto.PartialClaim)

	// Re-posting the secret is idempotent.
	rec = f.do(t, http.MethodPost, "/v1/orders/transfer-1/reveal", `{"secret":"test-secret"}`)
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestRevealSecretValidation(t *testing.T) {
	f := newAPIFixture(t)
	ctx := context.Background()

	require.NoError(t, f.store.PutOrder(ctx, apiTestOrder("transfer-1")))

	tests := []struct {
		name   string
		target string
		body   string
		status int
		code   string
	}{
		{"malformed body", "/v1/orders/transfer-1/reveal", "{", http.StatusBadRequest, "INVALID_REQUEST"},
		{"missing secret", "/v1/orders/transfer-1/reveal", "{}", http.StatusBadRequest, "INVALID_REQUEST"},
		{"unknown transfer", "/v1/orders/missing/reveal", `{"secret":"test-secret"}`, http.StatusNotFound, "ORDER_NOT_FOUND"},
		{"wrong secret", "/v1/orders/transfer-1/reveal", `{"secret":"nope"}`, http.StatusUnprocessableEntity, "INVALID_SECRET"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := f.do(t, http.MethodPost, tt.target, tt.body)
			assert.Equal(t, tt.status, rec.Code)

			var errResp ErrorResponse
			require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &errResp))
			assert.Equal(t, tt.code, errResp.Code)
		})
	}
}

func TestRevealSecretPartialClaim(t *testing.T) {
	f := newAPIFixture(t)
	ctx := context.Background()

	require.NoError(t, f.store.PutOrder(ctx, apiTestOrder("transfer-1")))
	f.executor.errs["ethereum"] = errors.New("nonce too low")

	rec := f.do(t, http.MethodPost, "/v1/orders/transfer-1/reveal", `{"secret":"test-secret"}`)
	assert.Equal(t, http.StatusConflict, rec.Code)

	var errResp ErrorResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &errResp))
	assert.Equal(t, "PARTIAL_CLAIM", errResp.Code)
}

func TestRevealSecretGatewayFailure(t *testing.T) {
	f := newAPIFixture(t)
	ctx := context.Background()

	require.NoError(t, f.store.PutOrder(ctx, apiTestOrder("transfer-1")))
	f.executor.errs["polygon"] = errors.New("gateway down")

	rec := f.do(t, http.MethodPost, "/v1/orders/transfer-1/reveal", `{"secret":"test-secret"}`)
	assert.Equal(t, http.StatusBadGateway, rec.Code)
}

func TestListResolvers(t *testing.T) {
	f := newAPIFixture(t)
	ctx := context.Background()

	require.NoError(t, f.store.PutRegistryEntry(ctx, &bridge.RegistryEntry{
		Address:         testResolver,
		StakeAmount:     1000,
		ReputationScore: 0.8,
		Active:          true,
	}))

	rec := f.do(t, http.MethodGet, "/v1/resolvers", "")
	assert.Equal(t, http.StatusOK, rec.Code)

	var dto ResolversDTO
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &dto))
	require.Equal(t, 1, dto.Count)
	assert.Equal(t, testResolver, dto.Resolvers[0].Address)
}

func TestGetAgentStatus(t *testing.T) {
	f := newAPIFixture(t)

	rec := f.do(t, http.MethodGet, "/v1/resolver", "")
	assert.Equal(t, http.StatusOK, rec.Code)

	var dto AgentStatusDTO
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &dto))
	assert.Equal(t, testResolver, dto.ResolverAddress)
}

func TestListArchivedTransfersDisabled(t *testing.T) {
	f := newAPIFixture(t)

	rec := f.do(t, http.MethodGet, "/v1/transfers/history", "")
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)

	var errResp ErrorResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &errResp))
	assert.Equal(t, "ARCHIVE_DISABLED", errResp.Code)
}
