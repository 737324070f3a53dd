package marketstate

import (
	"context"
	"errors"
	"fmt"

	"github.com/redis/go-redis/v9"
)

// Redis is a Store backed by one sorted set per room side, keyed
// market:{room}:{side}. Members are agent ids, scores are prices, so the
// state is shared by every instance pointed at the same server.
type Redis struct {
	client redis.UniversalClient
	prefix string
}

func NewRedis(client redis.UniversalClient, prefix string) *Redis {
	if prefix == "" {
		prefix = "market"
	}
	return &Redis{client: client, prefix: prefix}
}

func (r *Redis) key(room string, side Side) string {
	return fmt.Sprintf("%s:%s:%s", r.prefix, room, side)
}

func (r *Redis) Upsert(ctx context.Context, room string, side Side, agentID string, price float64) error {
	if err := checkSide(side); err != nil {
		return err
	}
	return r.client.ZAdd(ctx, r.key(room, side), redis.Z{Score: price, Member: agentID}).Err()
}

func (r *Redis) Remove(ctx context.Context, room string, side Side, agentID string) error {
	if err := checkSide(side); err != nil {
		return err
	}
	return r.client.ZRem(ctx, r.key(room, side), agentID).Err()
}

func (r *Redis) Min(ctx context.Context, room string) (Entry, bool, error) {
	zs, err := r.client.ZRangeWithScores(ctx, r.key(room, Asks), 0, 0).Result()
	return first(zs, err)
}

func (r *Redis) Max(ctx context.Context, room string) (Entry, bool, error) {
	zs, err := r.client.ZRevRangeWithScores(ctx, r.key(room, Bids), 0, 0).Result()
	return first(zs, err)
}

func (r *Redis) TopN(ctx context.Context, room string, side Side, n int) ([]Entry, error) {
	if err := checkSide(side); err != nil {
		return nil, err
	}
	if n <= 0 {
		return nil, nil
	}
	var (
		zs  []redis.Z
		err error
	)
	if side == Asks {
		zs, err = r.client.ZRangeWithScores(ctx, r.key(room, side), 0, int64(n-1)).Result()
	} else {
		zs, err = r.client.ZRevRangeWithScores(ctx, r.key(room, side), 0, int64(n-1)).Result()
	}
	if err != nil {
		return nil, err
	}
	out := make([]Entry, 0, len(zs))
	for _, z := range zs {
		out = append(out, toEntry(z))
	}
	return out, nil
}

func (r *Redis) BatchUpsert(ctx context.Context, room string, side Side, entries []Entry) error {
	if err := checkSide(side); err != nil {
		return err
	}
	if len(entries) == 0 {
		return nil
	}
	members := make([]redis.Z, 0, len(entries))
	for _, e := range entries {
		members = append(members, redis.Z{Score: e.Price, Member: e.AgentID})
	}
	_, err := r.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.ZAdd(ctx, r.key(room, side), members...)
		return nil
	})
	return err
}

func (r *Redis) Count(ctx context.Context, room string, side Side) (int, error) {
	if err := checkSide(side); err != nil {
		return 0, err
	}
	n, err := r.client.ZCard(ctx, r.key(room, side)).Result()
	if errors.Is(err, redis.Nil) {
		return 0, nil
	}
	return int(n), err
}

func (r *Redis) Clear(ctx context.Context, room string) error {
	return r.client.Del(ctx, r.key(room, Asks), r.key(room, Bids)).Err()
}

func first(zs []redis.Z, err error) (Entry, bool, error) {
	if errors.Is(err, redis.Nil) {
		return Entry{}, false, nil
	}
	if err != nil {
		return Entry{}, false, err
	}
	if len(zs) == 0 {
		return Entry{}, false, nil
	}
	return toEntry(zs[0]), true, nil
}

func toEntry(z redis.Z) Entry {
	id, _ := z.Member.(string)
	return Entry{AgentID: id, Price: z.Score}
}
