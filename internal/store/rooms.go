package store

import (
	"context"
	"database/sql"
	"errors"

	"agentmarket/negotiator/internal/market"
)

// EnsureRoom creates the room if it does not exist yet.
func (s *Store) EnsureRoom(ctx context.Context, roomID string) (market.Room, error) {
	now := s.now()
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO rooms (id, status, created_at) VALUES (?, 'open', ?) ON CONFLICT(id) DO NOTHING`,
		roomID, unixMilli(now))
	if err != nil {
		return market.Room{}, err
	}
	return s.GetRoom(ctx, roomID)
}

func (s *Store) GetRoom(ctx context.Context, roomID string) (market.Room, error) {
	var (
		room    market.Room
		created int64
	)
	err := s.db.QueryRowContext(ctx, `SELECT id, status, created_at FROM rooms WHERE id = ?`, roomID).
		Scan(&room.ID, &room.Status, &created)
	if errors.Is(err, sql.ErrNoRows) {
		return market.Room{}, notFound("room", roomID)
	}
	if err != nil {
		return market.Room{}, err
	}
	room.CreatedAt = fromMilli(created)
	return room, nil
}

// ActiveRooms lists rooms with at least one tradable agent.
func (s *Store) ActiveRooms(ctx context.Context) ([]string, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT DISTINCT room_id FROM agents WHERE status IN ('active', 'negotiating') ORDER BY room_id`)
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

// CountActive returns the number of tradable buyers and sellers in a room.
func (s *Store) CountActive(ctx context.Context, roomID string) (buyers, sellers int, err error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT role, COUNT(*) FROM agents WHERE room_id = ? AND status IN ('active', 'negotiating') GROUP BY role`, roomID)
	if err != nil {
		return 0, 0, err
	}
	defer rows.Close()
	for rows.Next() {
		var (
			role string
			n    int
		)
		if err := rows.Scan(&role, &n); err != nil {
			return 0, 0, err
		}
		switch market.Role(role) {
		case market.RoleBuyer:
			buyers = n
		case market.RoleSeller:
			sellers = n
		}
	}
	return buyers, sellers, rows.Err()
}

func (s *Store) CreateAsset(ctx context.Context, a market.Asset) (market.Asset, error) {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO assets (id, collection, token_id, name) VALUES (?, ?, ?, ?)
		 ON CONFLICT(collection, token_id) DO NOTHING`,
		a.ID, a.Collection, a.TokenID, nullString(a.Name))
	if err != nil {
		return market.Asset{}, err
	}
	return s.GetAssetByToken(ctx, a.Collection, a.TokenID)
}

func (s *Store) GetAsset(ctx context.Context, id string) (market.Asset, error) {
	return s.scanAsset(s.db.QueryRowContext(ctx,
		`SELECT id, collection, token_id, name FROM assets WHERE id = ?`, id), id)
}

func (s *Store) GetAssetByToken(ctx context.Context, collection, tokenID string) (market.Asset, error) {
	return s.scanAsset(s.db.QueryRowContext(ctx,
		`SELECT id, collection, token_id, name FROM assets WHERE collection = ? AND token_id = ?`, collection, tokenID),
		collection+"/"+tokenID)
}

func (s *Store) scanAsset(row *sql.Row, ref string) (market.Asset, error) {
	var (
		a    market.Asset
		name sql.NullString
	)
	err := row.Scan(&a.ID, &a.Collection, &a.TokenID, &name)
	if errors.Is(err, sql.ErrNoRows) {
		return market.Asset{}, notFound("asset", ref)
	}
	if err != nil {
		return market.Asset{}, err
	}
	a.Name = name.String
	return a, nil
}
