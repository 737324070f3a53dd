package broadcast

import (
	"context"
	"encoding/json"
	"strings"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// Relay carries events between gateway instances.
type Relay interface {
	Publish(ctx context.Context, ev Event) error
}

type relayEnvelope struct {
	Origin string `json:"origin"`
	Event  struct {
		Type      EventType       `json:"type"`
		RoomID    string          `json:"roomId"`
		Data      json.RawMessage `json:"data"`
		Timestamp int64           `json:"timestamp"`
	} `json:"event"`
}

// RedisRelay publishes each event on a per-room pub/sub channel and
// dispatches events from other instances into the local gateway.
type RedisRelay struct {
	client redis.UniversalClient
	prefix string
	origin string
	log    *zap.SugaredLogger
}

func NewRedisRelay(client redis.UniversalClient, prefix string, log *zap.SugaredLogger) *RedisRelay {
	if log == nil {
		log = zap.NewNop().Sugar()
	}
	return &RedisRelay{client: client, prefix: prefix, origin: uuid.NewString(), log: log}
}

func (r *RedisRelay) channel(roomID string) string {
	return r.prefix + ":room:" + roomID
}

func (r *RedisRelay) Publish(ctx context.Context, ev Event) error {
	payload, err := json.Marshal(struct {
		Origin string `json:"origin"`
		Event  Event  `json:"event"`
	}{r.origin, ev})
	if err != nil {
		return err
	}
	return r.client.Publish(ctx, r.channel(ev.RoomID), payload).Err()
}

// Run subscribes to every room channel and dispatches foreign events into
// g until ctx is cancelled. ready, if not nil, is closed once the
// subscription is confirmed.
func (r *RedisRelay) Run(ctx context.Context, g *Gateway, ready chan<- struct{}) error {
	pubsub := r.client.PSubscribe(ctx, r.prefix+":room:*")
	defer pubsub.Close()
	if _, err := pubsub.Receive(ctx); err != nil {
		return err
	}
	if ready != nil {
		close(ready)
	}
	msgs := pubsub.Channel()
	for {
		select {
		case <-ctx.Done():
			return nil
		case msg, ok := <-msgs:
			if !ok {
				return nil
			}
			var env relayEnvelope
			if err := json.Unmarshal([]byte(msg.Payload), &env); err != nil {
				r.log.Warnw("relay: bad payload", "channel", msg.Channel, "error", err)
				continue
			}
			if env.Origin == r.origin {
				continue
			}
			roomID := env.Event.RoomID
			if roomID == "" {
				roomID = strings.TrimPrefix(msg.Channel, r.prefix+":room:")
			}
			g.Dispatch(Event{
				Type:      env.Event.Type,
				RoomID:    roomID,
				Data:      env.Event.Data,
				Timestamp: env.Event.Timestamp,
			})
		}
	}
}
