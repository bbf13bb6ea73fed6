package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/unitedefi/resolver-backend/internal/archive"
	"github.com/unitedefi/resolver-backend/internal/bridge"
	"github.com/unitedefi/resolver-backend/internal/daemon"
)

// MetricsInterface defines the interface for metrics recording
type MetricsInterface interface {
	RecordHTTPRequest(ctx context.Context, method, path string, status int, duration time.Duration)
}

type Handler struct {
	store   *bridge.Store
	reveal  *bridge.RevealCoordinator
	agent   *daemon.Agent
	archive *archive.Archive
	logger  *zap.SugaredLogger
	metrics MetricsInterface
}

func NewHandler(
	store *bridge.Store,
	reveal *bridge.RevealCoordinator,
	agent *daemon.Agent,
	archive *archive.Archive,
	logger *zap.SugaredLogger,
	metrics MetricsInterface,
) *Handler {
	return &Handler{
		store:   store,
		reveal:  reveal,
		agent:   agent,
		archive: archive,
		logger:  logger,
		metrics: metrics,
	}
}

func (h *Handler) Healthz(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	w.Write([]byte("OK"))
}

func (h *Handler) Readyz(w http.ResponseWriter, r *http.Request) {
	checks := map[string]string{"store": "ok"}
	status := http.StatusOK

	if err := h.store.Ping(r.Context()); err != nil {
		checks["store"] = err.Error()
		status = http.StatusServiceUnavailable
	}

	if h.archive != nil {
		checks["archive"] = "ok"
		if err := h.archive.Ping(r.Context()); err != nil {
			checks["archive"] = err.Error()
			status = http.StatusServiceUnavailable
		}
	}

	dto := ReadyzDTO{Status: "ready", Checks: checks}
	if status != http.StatusOK {
		dto.Status = "not ready"
	}

	h.writeJSON(w, status, dto)
}

// ListOrders returns the agent's tracked orders with their workflow phases.
func (h *Handler) ListOrders(w http.ResponseWriter, r *http.Request) {
	tracked := h.agent.Orders()

	dto := OrdersDTO{Orders: make([]OrderSummaryDTO, 0, len(tracked))}
	for _, t := range tracked {
		dto.Orders = append(dto.Orders, OrderSummaryDTO{
			TransferID:  t.Order.TransferID,
			SourceChain: t.Order.SourceChain,
			DestChain:   t.Order.DestChain,
			Amount:      t.Order.Amount,
			Status:      string(t.Order.Status),
			Phase:       string(t.Phase),
			CreatedAt:   t.Order.CreatedAt,
			UpdatedAt:   t.UpdatedAt,
		})
	}
	dto.Count = len(dto.Orders)

	h.writeJSON(w, http.StatusOK, dto)
}

// GetOrder returns the full status document for one transfer: the order, the
// last synchronized bridge state, all bids and the auction result if decided.
func (h *Handler) GetOrder(w http.ResponseWriter, r *http.Request) {
	transferID := chi.URLParam(r, "transferID")

	order, err := h.store.GetOrder(r.Context(), transferID)
	if err != nil {
		if errors.Is(err, bridge.ErrNotFound) {
			h.writeError(w, http.StatusNotFound, "ORDER_NOT_FOUND", "unknown transfer "+transferID)
			return
		}
		h.writeError(w, http.StatusInternalServerError, "ORDER_LOOKUP_ERROR", err.Error())
		return
	}

	dto := OrderDetailDTO{Order: order}

	state, _, err := h.store.GetState(r.Context(), transferID)
	if err != nil && !errors.Is(err, bridge.ErrNotFound) {
		h.writeError(w, http.StatusInternalServerError, "STATE_LOOKUP_ERROR", err.Error())
		return
	}
	dto.State = state

	bids, err := h.store.BidsFor(r.Context(), transferID)
	if err != nil {
		h.writeError(w, http.StatusInternalServerError, "BID_LOOKUP_ERROR", err.Error())
		return
	}
	dto.Bids = bids

	result, err := h.store.GetAuctionResult(r.Context(), transferID)
	if err != nil && !errors.Is(err, bridge.ErrNotFound) {
		h.writeError(w, http.StatusInternalServerError, "AUCTION_LOOKUP_ERROR", err.Error())
		return
	}
	dto.Auction = result

	h.writeJSON(w, http.StatusOK, dto)
}

// RevealSecret accepts a transfer secret and runs the claim workflow on both
// chains. The call is idempotent: re-posting the secret of a settled transfer
// succeeds without issuing new claims.
func (h *Handler) RevealSecret(w http.ResponseWriter, r *http.Request) {
	transferID := chi.URLParam(r, "transferID")

	var req RevealRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, http.StatusBadRequest, "INVALID_REQUEST", "request body must be JSON with a secret field")
		return
	}
	if req.Secret == "" {
		h.writeError(w, http.StatusBadRequest, "INVALID_REQUEST", "secret is required")
		return
	}

	err := h.reveal.Reveal(r.Context(), transferID, req.Secret)
	switch {
	case err == nil:
	case errors.Is(err, bridge.ErrNotFound):
		h.writeError(w, http.StatusNotFound, "ORDER_NOT_FOUND", "unknown transfer "+transferID)
		return
	case errors.Is(err, bridge.ErrInvalidSecret):
		h.writeError(w, http.StatusUnprocessableEntity, "INVALID_SECRET", "secret does not match the order hash")
		return
	case errors.Is(err, bridge.ErrPartialClaim):
		h.writeError(w, http.StatusConflict, "PARTIAL_CLAIM", err.Error())
		return
	default:
		h.writeError(w, http.StatusBadGateway, "CLAIM_FAILED", err.Error())
		return
	}

	state, _, err := h.store.GetState(r.Context(), transferID)
	if err != nil {
		h.writeError(w, http.StatusInternalServerError, "STATE_LOOKUP_ERROR", err.Error())
		return
	}

	h.writeJSON(w, http.StatusOK, RevealDTO{
		TransferID:    transferID,
		SourceClaimTx: state.SourceClaimTx,
		DestClaimTx:   state.DestClaimTx,
		PartialClaim:  state.PartialClaim,
	})
}

// ListResolvers returns the shared resolver registry.
func (h *Handler) ListResolvers(w http.ResponseWriter, r *http.Request) {
	entries, err := h.store.ListRegistryEntries(r.Context())
	if err != nil {
		h.writeError(w, http.StatusInternalServerError, "REGISTRY_LOOKUP_ERROR", err.Error())
		return
	}

	h.writeJSON(w, http.StatusOK, ResolversDTO{Resolvers: entries, Count: len(entries)})
}

// GetAgentStatus reports this resolver's own activity counters.
func (h *Handler) GetAgentStatus(w http.ResponseWriter, r *http.Request) {
	h.writeJSON(w, http.StatusOK, AgentStatusDTO{
		ResolverAddress: h.agent.ResolverAddress(),
		Stats:           h.agent.Stats(),
	})
}

// ListArchivedTransfers returns the most recently settled transfers from the
// audit trail. Returns 503 when the archive is not configured.
func (h *Handler) ListArchivedTransfers(w http.ResponseWriter, r *http.Request) {
	if h.archive == nil {
		h.writeError(w, http.StatusServiceUnavailable, "ARCHIVE_DISABLED", "transfer archive is not configured")
		return
	}

	limit := 50
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 1 || n > 500 {
			h.writeError(w, http.StatusBadRequest, "INVALID_LIMIT", "limit must be between 1 and 500")
			return
		}
		limit = n
	}

	transfers, err := h.archive.RecentTransfers(r.Context(), limit)
	if err != nil {
		h.writeError(w, http.StatusInternalServerError, "ARCHIVE_LOOKUP_ERROR", err.Error())
		return
	}

	h.writeJSON(w, http.StatusOK, map[string]any{
		"transfers": transfers,
		"count":     len(transfers),
	})
}

// Utility methods
func (h *Handler) writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

func (h *Handler) writeError(w http.ResponseWriter, status int, code, message string) {
	h.logger.Errorw("API error", "code", code, "message", message, "status", status)

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)

	err := ErrorResponse{
		Code:    code,
		Message: message,
	}
	json.NewEncoder(w).Encode(err)
}
