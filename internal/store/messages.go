package store

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"agentmarket/negotiator/internal/market"
)

// priceEpsilon treats prices equal to the cent as the same price.
const priceEpsilon = 0.005

func (s *Store) InsertMessage(ctx context.Context, m market.Message) (market.Message, error) {
	if m.CreatedAt.IsZero() {
		m.CreatedAt = s.now()
	}
	var price sql.NullFloat64
	if m.Price != nil {
		price = sql.NullFloat64{Float64: *m.Price, Valid: true}
	}
	_, err := s.db.ExecContext(ctx, `INSERT INTO messages
		(id, room_id, agent_id, role, content, intent, price, sentiment, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		m.ID, m.RoomID, m.AgentID, string(m.Role), m.Content, string(m.Intent), price,
		string(m.Sentiment), unixMilli(m.CreatedAt))
	if err != nil {
		return market.Message{}, err
	}
	return m, nil
}

// CounterpartyQuery describes the message a matcher is looking for.
type CounterpartyQuery struct {
	RoomID       string
	Price        float64
	Role         market.Role // role of the counterparty, not of the acceptor
	ExcludeAgent string
	Since        time.Time
}

// FindCounterpartyMessage returns the most recent message in the room at
// the given price, posted by a still tradable agent of the given role
// after Since. Equal timestamps fall back to the greater message id.
func (s *Store) FindCounterpartyMessage(ctx context.Context, q CounterpartyQuery) (market.Message, error) {
	row := s.db.QueryRowContext(ctx, `SELECT m.id, m.room_id, m.agent_id, m.role, m.content, m.intent,
			m.price, m.sentiment, m.created_at
		FROM messages m
		JOIN agents a ON a.id = m.agent_id
		WHERE m.room_id = ?
		  AND m.role = ?
		  AND m.price IS NOT NULL
		  AND ABS(m.price - ?) < ?
		  AND m.created_at >= ?
		  AND m.agent_id <> ?
		  AND a.status IN ('active', 'negotiating')
		ORDER BY m.created_at DESC, m.id DESC
		LIMIT 1`,
		q.RoomID, string(q.Role), q.Price, priceEpsilon, unixMilli(q.Since), q.ExcludeAgent)
	m, err := scanMessage(row)
	if errors.Is(err, sql.ErrNoRows) {
		return market.Message{}, notFound("counterparty message in room", q.RoomID)
	}
	return m, err
}

// RecentMessages returns up to limit messages of a room, newest first.
func (s *Store) RecentMessages(ctx context.Context, roomID string, limit int) ([]market.Message, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT id, room_id, agent_id, role, content, intent, price, sentiment, created_at
		FROM messages WHERE room_id = ? ORDER BY created_at DESC, id DESC LIMIT ?`, roomID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []market.Message
	for rows.Next() {
		m, err := scanMessage(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

func scanMessage(row rowScanner) (market.Message, error) {
	var (
		m         market.Message
		role      string
		intent    string
		sentiment string
		price     sql.NullFloat64
		created   int64
	)
	if err := row.Scan(&m.ID, &m.RoomID, &m.AgentID, &role, &m.Content, &intent, &price, &sentiment, &created); err != nil {
		return market.Message{}, err
	}
	m.Role = market.Role(role)
	m.Intent = market.Intent(intent)
	m.Sentiment = market.Sentiment(sentiment)
	if price.Valid {
		p := price.Float64
		m.Price = &p
	}
	m.CreatedAt = fromMilli(created)
	return m, nil
}
