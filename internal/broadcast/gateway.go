// Package broadcast fans room events out to subscribers. Lifecycle and deal
// events are delivered immediately in submission order; chat and stats
// events are queued per room and flushed as one message_batch.
package broadcast

import (
	"context"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
	"go.uber.org/zap"

	"agentmarket/negotiator/internal/metrics"
)

type Config struct {
	MaxBatch      int
	BatchInterval time.Duration
	// SubscriberBuffer bounds each subscriber's outbound queue. A
	// subscriber that falls this far behind is dropped.
	SubscriberBuffer int
}

func (c Config) withDefaults() Config {
	if c.MaxBatch <= 0 {
		c.MaxBatch = 50
	}
	if c.BatchInterval <= 0 {
		c.BatchInterval = 100 * time.Millisecond
	}
	if c.SubscriberBuffer <= 0 {
		c.SubscriberBuffer = 256
	}
	return c
}

// Publisher is the narrow view the engine components depend on.
type Publisher interface {
	Publish(roomID string, typ EventType, data any)
}

type Gateway struct {
	cfg   Config
	clock clockwork.Clock
	log   *zap.SugaredLogger
	relay Relay

	mu     sync.Mutex
	rooms  map[string]*room
	closed bool
}

// room is the per-room resource: subscribers, the pending batch and its
// single flush timer. gen is bumped whenever the queue is taken so a timer
// that fires after its batch was already flushed does nothing.
type room struct {
	id string

	mu     sync.Mutex
	subs   map[*Subscription]struct{}
	queue  []Event
	timer  clockwork.Timer
	gen    uint64
	closed bool
}

func NewGateway(cfg Config, clock clockwork.Clock, log *zap.SugaredLogger) *Gateway {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	if log == nil {
		log = zap.NewNop().Sugar()
	}
	return &Gateway{
		cfg:   cfg.withDefaults(),
		clock: clock,
		log:   log,
		rooms: make(map[string]*room),
	}
}

// SetRelay attaches a cross-instance relay. Events published locally are
// forwarded to it; events it receives are dispatched with Dispatch.
func (g *Gateway) SetRelay(r Relay) {
	g.relay = r
}

// Publish stamps an event and dispatches it locally and to the relay.
func (g *Gateway) Publish(roomID string, typ EventType, data any) {
	ev := Event{Type: typ, RoomID: roomID, Data: data, Timestamp: g.clock.Now().UnixMilli()}
	metrics.BroadcastEvents.WithLabelValues(string(typ)).Inc()
	g.Dispatch(ev)
	if g.relay != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		if err := g.relay.Publish(ctx, ev); err != nil {
			g.log.Warnw("relay publish failed", "room", roomID, "type", typ, "error", err)
		}
	}
}

// Dispatch delivers an already stamped event to local subscribers only.
func (g *Gateway) Dispatch(ev Event) {
	if ev.Type.Batchable() {
		g.enqueue(ev)
		return
	}
	r := g.lookup(ev.RoomID)
	if r == nil {
		return
	}
	r.mu.Lock()
	r.deliverLocked(ev)
	r.mu.Unlock()
}

func (g *Gateway) enqueue(ev Event) {
	for {
		r := g.acquire(ev.RoomID)
		if r == nil {
			return
		}
		r.mu.Lock()
		if r.closed {
			// lost a race with release; fetch the replacement
			r.mu.Unlock()
			continue
		}
		r.queue = append(r.queue, ev)
		if len(r.queue) >= g.cfg.MaxBatch {
			g.flushLocked(r, "size")
			r.mu.Unlock()
			g.release(r)
			return
		}
		if r.timer == nil {
			gen := r.gen
			r.timer = g.clock.AfterFunc(g.cfg.BatchInterval, func() { g.onTimer(r, gen) })
		}
		r.mu.Unlock()
		return
	}
}

func (g *Gateway) onTimer(r *room, gen uint64) {
	r.mu.Lock()
	if r.closed || r.gen != gen || len(r.queue) == 0 {
		r.mu.Unlock()
		return
	}
	g.flushLocked(r, "interval")
	r.mu.Unlock()
	g.release(r)
}

// flushLocked takes the queue, disarms the timer and delivers the batch.
func (g *Gateway) flushLocked(r *room, trigger string) {
	batch := r.queue
	r.queue = nil
	r.gen++
	if r.timer != nil {
		r.timer.Stop()
		r.timer = nil
	}
	if len(batch) == 0 {
		return
	}
	metrics.BatchesFlushed.WithLabelValues(trigger).Inc()
	now := g.clock.Now().UnixMilli()
	r.deliverLocked(Event{
		Type:      MessageBatch,
		RoomID:    r.id,
		Data:      MessageBatchPayload{RoomID: r.id, Messages: batch, BatchTimestamp: now},
		Timestamp: now,
	})
}

func (r *room) deliverLocked(ev Event) {
	for sub := range r.subs {
		select {
		case sub.ch <- ev:
		default:
			delete(r.subs, sub)
			sub.close()
		}
	}
}

// Flush delivers a room's pending batch now.
func (g *Gateway) Flush(roomID string) {
	r := g.lookup(roomID)
	if r == nil {
		return
	}
	r.mu.Lock()
	if !r.closed {
		g.flushLocked(r, "manual")
	}
	r.mu.Unlock()
	g.release(r)
}

// Subscribe registers a subscriber on a room. Events arrive on
// Subscription.Events until Unsubscribe or the gateway closes.
func (g *Gateway) Subscribe(roomID string) *Subscription {
	sub := &Subscription{
		RoomID: roomID,
		ch:     make(chan Event, g.cfg.SubscriberBuffer),
		done:   make(chan struct{}),
	}
	for {
		r := g.acquire(roomID)
		if r == nil {
			sub.close()
			return sub
		}
		r.mu.Lock()
		if r.closed {
			r.mu.Unlock()
			continue
		}
		r.subs[sub] = struct{}{}
		r.mu.Unlock()
		return sub
	}
}

func (g *Gateway) Unsubscribe(sub *Subscription) {
	r := g.lookup(sub.RoomID)
	if r != nil {
		r.mu.Lock()
		delete(r.subs, sub)
		r.mu.Unlock()
		g.release(r)
	}
	sub.close()
}

// Rooms returns the number of live room resources.
func (g *Gateway) Rooms() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.rooms)
}

// Close tears down every room: timers are stopped, queues dropped and
// subscribers closed.
func (g *Gateway) Close() {
	g.mu.Lock()
	rooms := g.rooms
	g.rooms = make(map[string]*room)
	g.closed = true
	g.mu.Unlock()
	for _, r := range rooms {
		r.mu.Lock()
		r.teardownLocked()
		r.mu.Unlock()
	}
}

func (g *Gateway) lookup(roomID string) *room {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.rooms[roomID]
}

func (g *Gateway) acquire(roomID string) *room {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.closed {
		return nil
	}
	r, ok := g.rooms[roomID]
	if !ok {
		r = &room{id: roomID, subs: make(map[*Subscription]struct{})}
		g.rooms[roomID] = r
	}
	return r
}

// release destroys the room once it has no subscribers and nothing queued.
func (g *Gateway) release(r *room) {
	g.mu.Lock()
	defer g.mu.Unlock()
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed || len(r.subs) > 0 || len(r.queue) > 0 {
		return
	}
	r.teardownLocked()
	if g.rooms[r.id] == r {
		delete(g.rooms, r.id)
	}
}

func (r *room) teardownLocked() {
	r.closed = true
	r.gen++
	if r.timer != nil {
		r.timer.Stop()
		r.timer = nil
	}
	r.queue = nil
	for sub := range r.subs {
		sub.close()
	}
	r.subs = nil
}

type Subscription struct {
	RoomID string

	ch   chan Event
	done chan struct{}
	once sync.Once
}

// Events yields delivered events in order. The channel is closed when the
// subscription ends.
func (s *Subscription) Events() <-chan Event {
	return s.ch
}

// Done is closed when the subscription ends.
func (s *Subscription) Done() <-chan struct{} {
	return s.done
}

func (s *Subscription) close() {
	s.once.Do(func() {
		close(s.done)
		close(s.ch)
	})
}
