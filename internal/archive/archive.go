// Package archive persists an audit trail of settled transfers and
// reputation changes to Postgres. The archive is strictly historical:
// coordination between resolvers happens only through the shared key-value
// store.
package archive

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/unitedefi/resolver-backend/internal/bridge"

	_ "github.com/jackc/pgx/v5/stdlib"
)

type Archive struct {
	db     *sql.DB
	logger *zap.SugaredLogger
}

// New opens the archive database. The connection is verified with a ping so
// a bad DSN fails at startup, not on the first settled transfer.
func New(ctx context.Context, dsn string, logger *zap.SugaredLogger) (*Archive, error) {
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open archive database: %w", err)
	}

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping archive database: %w", err)
	}

	return &Archive{db: db, logger: logger}, nil
}

// StoreTransfer upserts a transfer's final record. Re-archiving the same
// transfer overwrites the previous row, so retries are harmless.
func (a *Archive) StoreTransfer(ctx context.Context, order *bridge.BridgeOrder, state *bridge.BridgeState, phase string) error {
	eventsJSON, err := json.Marshal(state.Events)
	if err != nil {
		return fmt.Errorf("failed to marshal transfer events: %w", err)
	}

	query := `
		INSERT INTO transfers (
			transfer_id, source_chain, dest_chain, token_address, amount,
			recipient, secret_hash, status, phase,
			source_escrow_state, dest_escrow_state, secret_revealed,
			partial_claim, source_claim_tx, dest_claim_tx, events,
			created_at, archived_at
		)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, NOW())
		ON CONFLICT (transfer_id) DO UPDATE SET
			status = EXCLUDED.status,
			phase = EXCLUDED.phase,
			source_escrow_state = EXCLUDED.source_escrow_state,
			dest_escrow_state = EXCLUDED.dest_escrow_state,
			secret_revealed = EXCLUDED.secret_revealed,
			partial_claim = EXCLUDED.partial_claim,
			source_claim_tx = EXCLUDED.source_claim_tx,
			dest_claim_tx = EXCLUDED.dest_claim_tx,
			events = EXCLUDED.events,
			archived_at = NOW()
	`

	_, err = a.db.ExecContext(ctx, query,
		order.TransferID,
		order.SourceChain,
		order.DestChain,
		order.TokenAddress,
		order.Amount,
		order.Recipient,
		order.SecretHash,
		string(order.Status),
		phase,
		string(state.SourceEscrowState),
		string(state.DestEscrowState),
		state.SecretRevealed,
		state.PartialClaim,
		state.SourceClaimTx,
		state.DestClaimTx,
		eventsJSON,
		order.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to archive transfer %s: %w", order.TransferID, err)
	}

	return nil
}

// StoreReputationChange appends one reputation adjustment event.
func (a *Archive) StoreReputationChange(ctx context.Context, resolverAddress string, before, after float64, success bool) error {
	query := `
		INSERT INTO reputation_events (resolver_address, score_before, score_after, success, recorded_at)
		VALUES ($1, $2, $3, $4, NOW())
	`

	_, err := a.db.ExecContext(ctx, query, resolverAddress, before, after, success)
	if err != nil {
		return fmt.Errorf("failed to archive reputation change for %s: %w", resolverAddress, err)
	}

	return nil
}

// ArchivedTransfer is one row of the transfer audit trail.
type ArchivedTransfer struct {
	TransferID   string    `json:"transferId"`
	SourceChain  string    `json:"sourceChain"`
	DestChain    string    `json:"destChain"`
	Amount       int64     `json:"amount"`
	Status       string    `json:"status"`
	Phase        string    `json:"phase"`
	PartialClaim bool      `json:"partialClaim"`
	CreatedAt    time.Time `json:"createdAt"`
	ArchivedAt   time.Time `json:"archivedAt"`
}

// RecentTransfers lists the most recently archived transfers.
func (a *Archive) RecentTransfers(ctx context.Context, limit int) ([]ArchivedTransfer, error) {
	query := `
		SELECT transfer_id, source_chain, dest_chain, amount, status, phase,
		       partial_claim, created_at, archived_at
		FROM transfers
		ORDER BY archived_at DESC
		LIMIT $1
	`

	rows, err := a.db.QueryContext(ctx, query, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query archived transfers: %w", err)
	}
	defer rows.Close()

	var transfers []ArchivedTransfer
	for rows.Next() {
		var t ArchivedTransfer
		if err := rows.Scan(
			&t.TransferID, &t.SourceChain, &t.DestChain, &t.Amount,
			&t.Status, &t.Phase, &t.PartialClaim, &t.CreatedAt, &t.ArchivedAt,
		); err != nil {
			return nil, fmt.Errorf("failed to scan archived transfer: %w", err)
		}
		transfers = append(transfers, t)
	}

	return transfers, rows.Err()
}

// Ping reports archive database health.
func (a *Archive) Ping(ctx context.Context) error {
	return a.db.PingContext(ctx)
}

// Close closes the database connection.
func (a *Archive) Close() error {
	return a.db.Close()
}
