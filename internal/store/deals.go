package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"

	errorsmod "cosmossdk.io/errors"

	"agentmarket/negotiator/internal/market"
)

const dealColumns = `id, room_id, buyer_agent_id, seller_agent_id, asset_id, price, status, failure_reason,
	consensus, tx_hash, block_number, locked_at, verified_at, completed_at`

// LockDeal flips both agents to deal_locked and inserts the deal in one
// transaction. If either agent is no longer tradable nothing is written
// and ErrLockContention is returned.
func (s *Store) LockDeal(ctx context.Context, d market.Deal) (market.Deal, error) {
	if d.LockedAt.IsZero() {
		d.LockedAt = s.now()
	}
	d.Status = market.DealLocked
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		for _, party := range []struct {
			id   string
			role market.Role
		}{{d.BuyerAgentID, market.RoleBuyer}, {d.SellerAgentID, market.RoleSeller}} {
			res, err := tx.ExecContext(ctx, `UPDATE agents SET status = 'deal_locked', deal_id = ?
				WHERE id = ? AND room_id = ? AND role = ? AND status IN ('active', 'negotiating')`,
				d.ID, party.id, d.RoomID, string(party.role))
			if err != nil {
				return err
			}
			n, err := res.RowsAffected()
			if err != nil {
				return err
			}
			if n != 1 {
				return errorsmod.Wrapf(market.ErrLockContention, "%s %s", party.role, party.id)
			}
		}
		_, err := tx.ExecContext(ctx, `INSERT INTO deals
			(id, room_id, buyer_agent_id, seller_agent_id, asset_id, price, status, locked_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
			d.ID, d.RoomID, d.BuyerAgentID, d.SellerAgentID, d.AssetID, d.Price, string(d.Status), unixMilli(d.LockedAt))
		return err
	})
	if err != nil {
		return market.Deal{}, err
	}
	return d, nil
}

func (s *Store) GetDeal(ctx context.Context, id string) (market.Deal, error) {
	d, err := scanDeal(s.db.QueryRowContext(ctx, `SELECT `+dealColumns+` FROM deals WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return market.Deal{}, notFound("deal", id)
	}
	return d, err
}

// RoomDeals returns the room's deal history, newest first.
func (s *Store) RoomDeals(ctx context.Context, roomID string) ([]market.Deal, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+dealColumns+` FROM deals WHERE room_id = ?
		ORDER BY locked_at DESC, id DESC`, roomID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []market.Deal
	for rows.Next() {
		d, err := scanDeal(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, d)
	}
	return out, rows.Err()
}

// PendingDeals lists deals still locked or verifying, oldest lock first.
func (s *Store) PendingDeals(ctx context.Context) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT id FROM deals WHERE status IN ('locked', 'verifying')
		ORDER BY locked_at, id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		out = append(out, id)
	}
	return out, rows.Err()
}

// StartVerification moves a locked deal to verifying. A deal that is
// already verifying is accepted so a retried job can start over.
func (s *Store) StartVerification(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `UPDATE deals SET status = 'verifying'
		WHERE id = ? AND status IN ('locked', 'verifying')`, id)
	if err != nil {
		return err
	}
	return dealUpdated(ctx, s.db, res, id, market.DealVerifying)
}

// RecordConsensus stores the consensus payload and stamps verified_at when
// the quorum approved.
func (s *Store) RecordConsensus(ctx context.Context, id string, result market.ConsensusResult) error {
	payload, err := json.Marshal(result)
	if err != nil {
		return err
	}
	var verified sql.NullInt64
	if result.Approved {
		verified = sql.NullInt64{Int64: unixMilli(s.now()), Valid: true}
	}
	res, err := s.db.ExecContext(ctx, `UPDATE deals SET consensus = ?, verified_at = COALESCE(?, verified_at)
		WHERE id = ? AND status = 'verifying'`, string(payload), verified, id)
	if err != nil {
		return err
	}
	return dealUpdated(ctx, s.db, res, id, market.DealVerifying)
}

// CompleteDeal records the settlement and retires both agents.
func (s *Store) CompleteDeal(ctx context.Context, id, txHash string, blockNumber uint64) (market.Deal, error) {
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		args := []any{txHash, int64(blockNumber), unixMilli(s.now()), id}
		args = append(args, statusArgs(market.Predecessors(market.DealCompleted))...)
		res, err := tx.ExecContext(ctx, `UPDATE deals SET status = 'completed', tx_hash = ?, block_number = ?,
			completed_at = ? WHERE id = ? AND status IN (`+placeholders(len(args)-4)+`)`, args...)
		if err != nil {
			return err
		}
		if err := dealUpdated(ctx, tx, res, id, market.DealCompleted); err != nil {
			return err
		}
		_, err = tx.ExecContext(ctx, `UPDATE agents SET status = 'completed' WHERE deal_id = ?`, id)
		return err
	})
	if err != nil {
		return market.Deal{}, err
	}
	return s.GetDeal(ctx, id)
}

// FailDeal marks a non-terminal deal failed with reason.
func (s *Store) FailDeal(ctx context.Context, id, reason string) (market.Deal, error) {
	args := []any{reason, id}
	args = append(args, statusArgs(market.Predecessors(market.DealFailed))...)
	res, err := s.db.ExecContext(ctx, `UPDATE deals SET status = 'failed', failure_reason = ?
		WHERE id = ? AND status IN (`+placeholders(len(args)-2)+`)`, args...)
	if err != nil {
		return market.Deal{}, err
	}
	if err := dealUpdated(ctx, s.db, res, id, market.DealFailed); err != nil {
		return market.Deal{}, err
	}
	return s.GetDeal(ctx, id)
}

type queryRower interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// dealUpdated turns a zero-row update into NotFound or InvalidState.
func dealUpdated(ctx context.Context, q queryRower, res sql.Result, id string, next market.DealStatus) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n > 0 {
		return nil
	}
	var status string
	err = q.QueryRowContext(ctx, `SELECT status FROM deals WHERE id = ?`, id).Scan(&status)
	if errors.Is(err, sql.ErrNoRows) {
		return notFound("deal", id)
	}
	if err != nil {
		return err
	}
	return errorsmod.Wrapf(market.ErrInvalidState, "deal %s: %s -> %s", id, status, next)
}

func statusArgs(statuses []market.DealStatus) []any {
	out := make([]any, 0, len(statuses))
	for _, st := range statuses {
		out = append(out, string(st))
	}
	return out
}

func scanDeal(row rowScanner) (market.Deal, error) {
	var (
		d         market.Deal
		status    string
		reason    sql.NullString
		consensus sql.NullString
		txHash    sql.NullString
		block     sql.NullInt64
		locked    int64
		verified  sql.NullInt64
		completed sql.NullInt64
	)
	err := row.Scan(&d.ID, &d.RoomID, &d.BuyerAgentID, &d.SellerAgentID, &d.AssetID, &d.Price, &status,
		&reason, &consensus, &txHash, &block, &locked, &verified, &completed)
	if err != nil {
		return market.Deal{}, err
	}
	d.Status = market.DealStatus(status)
	d.FailureReason = reason.String
	d.TxHash = txHash.String
	if block.Valid {
		d.BlockNumber = uint64(block.Int64)
	}
	if consensus.Valid && consensus.String != "" {
		var c market.ConsensusResult
		if err := json.Unmarshal([]byte(consensus.String), &c); err != nil {
			return market.Deal{}, err
		}
		d.Consensus = &c
	}
	d.LockedAt = fromMilli(locked)
	d.VerifiedAt = nullMilli(verified)
	d.CompletedAt = nullMilli(completed)
	return d, nil
}
