package store

import (
	"context"
	"database/sql"
	"errors"
	"strings"

	errorsmod "cosmossdk.io/errors"

	"agentmarket/negotiator/internal/market"
)

const agentColumns = `id, room_id, name, role, strategy, style, min_price, max_price, starting_price,
	current_price, status, message_count, asset_id, owner_id, address, deal_id, created_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanAgent(row rowScanner) (market.Agent, error) {
	var (
		a        market.Agent
		role     string
		strategy string
		status   string
		style    sql.NullString
		assetID  sql.NullString
		ownerID  sql.NullString
		dealID   sql.NullString
		created  int64
	)
	err := row.Scan(&a.ID, &a.RoomID, &a.Name, &role, &strategy, &style,
		&a.Mandate.MinPrice, &a.Mandate.MaxPrice, &a.Mandate.StartingPrice, &a.Mandate.CurrentPrice,
		&status, &a.MessageCount, &assetID, &ownerID, &a.Address, &dealID, &created)
	if err != nil {
		return market.Agent{}, err
	}
	a.Role = market.Role(role)
	a.Strategy = market.ParseStrategy(strategy)
	a.Status = market.AgentStatus(status)
	a.Style = style.String
	a.AssetID = assetID.String
	a.OwnerID = ownerID.String
	a.DealID = dealID.String
	a.CreatedAt = fromMilli(created)
	return a, nil
}

// CreateAgent inserts a new agent. The caller validates the mandate.
func (s *Store) CreateAgent(ctx context.Context, a market.Agent) (market.Agent, error) {
	if a.CreatedAt.IsZero() {
		a.CreatedAt = s.now()
	}
	if a.Status == "" {
		a.Status = market.AgentActive
	}
	_, err := s.db.ExecContext(ctx, `INSERT INTO agents (`+agentColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		a.ID, a.RoomID, a.Name, string(a.Role), a.Strategy.String(), nullString(a.Style),
		a.Mandate.MinPrice, a.Mandate.MaxPrice, a.Mandate.StartingPrice, a.Mandate.CurrentPrice,
		string(a.Status), a.MessageCount, nullString(a.AssetID), nullString(a.OwnerID), a.Address,
		nullString(a.DealID), unixMilli(a.CreatedAt))
	if err != nil {
		if isConstraintError(err) {
			return market.Agent{}, errorsmod.Wrapf(market.ErrInvalidState, "agent %s: %v", a.ID, err)
		}
		return market.Agent{}, err
	}
	return a, nil
}

func (s *Store) GetAgent(ctx context.Context, id string) (market.Agent, error) {
	a, err := scanAgent(s.db.QueryRowContext(ctx, `SELECT `+agentColumns+` FROM agents WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return market.Agent{}, notFound("agent", id)
	}
	return a, err
}

// ListTradableAgents returns the room's active and negotiating agents.
func (s *Store) ListTradableAgents(ctx context.Context, roomID string) ([]market.Agent, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+agentColumns+` FROM agents
		WHERE room_id = ? AND status IN ('active', 'negotiating') ORDER BY created_at, id`, roomID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []market.Agent
	for rows.Next() {
		a, err := scanAgent(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

// UpdatePrice records a new current price and moves an active agent into
// negotiation. Agents that are no longer tradable are left untouched.
func (s *Store) UpdatePrice(ctx context.Context, agentID string, price float64) error {
	res, err := s.db.ExecContext(ctx, `UPDATE agents
		SET current_price = ?, status = 'negotiating'
		WHERE id = ? AND status IN ('active', 'negotiating')`, price, agentID)
	if err != nil {
		return err
	}
	return s.expectOne(ctx, res, agentID)
}

// RecordMessage bumps the agent's message counter.
func (s *Store) RecordMessage(ctx context.Context, agentID string) error {
	res, err := s.db.ExecContext(ctx, `UPDATE agents SET message_count = message_count + 1 WHERE id = ?`, agentID)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return notFound("agent", agentID)
	}
	return nil
}

// DeleteAgent removes an agent that is still tradable. Locked or completed
// agents are rejected with ErrInvalidState.
func (s *Store) DeleteAgent(ctx context.Context, agentID string) (market.Agent, error) {
	var deleted market.Agent
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		a, err := scanAgent(tx.QueryRowContext(ctx, `SELECT `+agentColumns+` FROM agents WHERE id = ?`, agentID))
		if errors.Is(err, sql.ErrNoRows) {
			return notFound("agent", agentID)
		}
		if err != nil {
			return err
		}
		if !a.Status.Tradable() {
			return errorsmod.Wrapf(market.ErrInvalidState, "agent %s is %s", agentID, a.Status)
		}
		if _, err := tx.ExecContext(ctx, `DELETE FROM agents WHERE id = ?`, agentID); err != nil {
			return err
		}
		deleted = a
		return nil
	})
	return deleted, err
}

// ReleaseAgents returns deal_locked agents of a deal to active.
func (s *Store) ReleaseAgents(ctx context.Context, dealID string) ([]market.Agent, error) {
	var released []market.Agent
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		rows, err := tx.QueryContext(ctx, `SELECT `+agentColumns+` FROM agents WHERE deal_id = ? AND status = 'deal_locked'`, dealID)
		if err != nil {
			return err
		}
		for rows.Next() {
			a, err := scanAgent(rows)
			if err != nil {
				rows.Close()
				return err
			}
			a.Status = market.AgentActive
			a.DealID = ""
			released = append(released, a)
		}
		rows.Close()
		if err := rows.Err(); err != nil {
			return err
		}
		_, err = tx.ExecContext(ctx, `UPDATE agents SET status = 'active', deal_id = NULL
			WHERE deal_id = ? AND status = 'deal_locked'`, dealID)
		return err
	})
	return released, err
}

func (s *Store) expectOne(ctx context.Context, res sql.Result, agentID string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 1 {
		return nil
	}
	a, err := s.GetAgent(ctx, agentID)
	if err != nil {
		return err
	}
	return errorsmod.Wrapf(market.ErrInvalidState, "agent %s is %s", agentID, a.Status)
}

func (s *Store) withTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	if err := fn(tx); err != nil {
		_ = tx.Rollback()
		return err
	}
	return tx.Commit()
}

func placeholders(n int) string {
	return strings.TrimSuffix(strings.Repeat("?, ", n), ", ")
}
