package chain

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"github.com/jellydator/ttlcache/v3"
	"go.uber.org/zap"
)

// GatewayClient speaks JSON over HTTP to the escrow gateway that fronts the
// actual chain nodes. Escrow reads go through a short-TTL cache so several
// activities polling the same escrow within one interval cost one upstream
// request. Claim submissions are never cached.
type GatewayClient struct {
	baseURL string
	client  *http.Client
	cache   *ttlcache.Cache[string, *EscrowObservation]
	logger  *zap.SugaredLogger
}

// NewGatewayClient creates a gateway client. A zero cacheTTL disables read
// caching.
func NewGatewayClient(baseURL string, timeout, cacheTTL time.Duration, logger *zap.SugaredLogger) *GatewayClient {
	g := &GatewayClient{
		baseURL: baseURL,
		client:  &http.Client{Timeout: timeout},
		logger:  logger,
	}

	if cacheTTL > 0 {
		g.cache = ttlcache.New[string, *EscrowObservation](
			ttlcache.WithTTL[string, *EscrowObservation](cacheTTL),
			ttlcache.WithDisableTouchOnHit[string, *EscrowObservation](),
		)
		go g.cache.Start()
	}

	return g
}

// Close stops the cache eviction loop.
func (g *GatewayClient) Close() {
	if g.cache != nil {
		g.cache.Stop()
	}
}

func (g *GatewayClient) EscrowState(ctx context.Context, transferID, chainID, escrowAddress string) (*EscrowObservation, error) {
	cacheKey := chainID + ":" + escrowAddress + ":" + transferID

	if g.cache != nil {
		if item := g.cache.Get(cacheKey); item != nil {
			return item.Value(), nil
		}
	}

	endpoint := fmt.Sprintf("%s/v1/escrows/%s/%s?transferId=%s",
		g.baseURL, url.PathEscape(chainID), url.PathEscape(escrowAddress), url.QueryEscape(transferID))

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to build escrow state request: %w", err)
	}

	resp, err := g.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("escrow state request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return nil, fmt.Errorf("escrow gateway returned %d: %s", resp.StatusCode, string(body))
	}

	var obs EscrowObservation
	if err := json.NewDecoder(resp.Body).Decode(&obs); err != nil {
		return nil, fmt.Errorf("failed to decode escrow state: %w", err)
	}

	if g.cache != nil {
		g.cache.Set(cacheKey, &obs, ttlcache.DefaultTTL)
	}

	return &obs, nil
}

type claimRequest struct {
	ChainID       string `json:"chainId"`
	EscrowAddress string `json:"escrowAddress"`
	Secret        string `json:"secret"`
}

type claimResponse struct {
	TxHash string `json:"txHash"`
}

func (g *GatewayClient) Claim(ctx context.Context, chainID, escrowAddress, secret string) (string, error) {
	payload, err := json.Marshal(claimRequest{
		ChainID:       chainID,
		EscrowAddress: escrowAddress,
		Secret:        secret,
	})
	if err != nil {
		return "", fmt.Errorf("failed to marshal claim request: %w", err)
	}

	endpoint := g.baseURL + "/v1/claims"
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(payload))
	if err != nil {
		return "", fmt.Errorf("failed to build claim request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := g.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("claim request failed: %w", err)
	}
	defer resp.Body.Close()

	// 409 means the escrow was already claimed; the gateway echoes the
	// original transaction hash so retries stay idempotent.
	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusConflict {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return "", fmt.Errorf("escrow gateway returned %d: %s", resp.StatusCode, string(body))
	}

	var result claimResponse
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return "", fmt.Errorf("failed to decode claim response: %w", err)
	}
	if result.TxHash == "" {
		return "", fmt.Errorf("escrow gateway returned empty transaction hash")
	}

	if resp.StatusCode == http.StatusConflict {
		g.logger.Infow("escrow already claimed",
			"chain", chainID,
			"escrow", escrowAddress,
			"tx", result.TxHash)
	}

	return result.TxHash, nil
}
