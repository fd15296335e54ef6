// Package gateway accepts inbound events, queues them per session, and
// dispatches them to registered handlers in priority order.
package gateway

import (
	"container/heap"
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"github.com/meridianfo/vigil/internal/chain"
	"github.com/meridianfo/vigil/internal/events"
	"github.com/meridianfo/vigil/internal/metrics"
)

const moduleName = "gateway"

// DefaultIdleDelay is the pause between drain attempts when a session
// queue is empty.
const DefaultIdleDelay = 250 * time.Millisecond

// ErrNilEvent is returned when Submit is called without an event.
var ErrNilEvent = errors.New("event is required")

// Handler consumes one dequeued event. A returned error is recorded on the
// chain as event_processing_error and the drain continues.
type Handler func(ctx context.Context, event events.Event) error

// Options configures a Gateway.
type Options struct {
	// Chain records event receipts and handler errors. Required.
	Chain *chain.Chain
	// Bus optionally receives event_received, event_processed, and
	// event_failed notifications.
	Bus *events.Bus
	// Metrics optionally tracks gateway counters.
	Metrics *metrics.Metrics
	// IdleDelay overrides the pause between drains when a session queue is
	// empty. Zero means DefaultIdleDelay.
	IdleDelay time.Duration
}

// Gateway owns the per-session event queues and the handler registry.
type Gateway struct {
	opts Options
	log  zerolog.Logger

	mu       sync.Mutex
	queues   map[string]*eventQueue
	seq      uint64
	handlers map[events.Type][]registration
	nextReg  int

	loopMu sync.Mutex
	loops  map[string]*processLoop

	received  atomic.Uint64
	rejected  atomic.Uint64
	processed atomic.Uint64
}

type registration struct {
	id int
	fn Handler
}

type processLoop struct {
	cancel context.CancelFunc
	done   chan struct{}
}

// Stats is a point-in-time snapshot of the gateway counters.
type Stats struct {
	Received  uint64 `json:"received"`
	Rejected  uint64 `json:"rejected"`
	Processed uint64 `json:"processed"`
	Queued    int    `json:"queued"`
	Sessions  int    `json:"sessions"`
}

// New creates a gateway. Chain is required; Bus and Metrics are optional.
func New(opts Options, log zerolog.Logger) *Gateway {
	if opts.IdleDelay <= 0 {
		opts.IdleDelay = DefaultIdleDelay
	}
	return &Gateway{
		opts:     opts,
		log:      log.With().Str("component", "gateway").Logger(),
		queues:   make(map[string]*eventQueue),
		handlers: make(map[events.Type][]registration),
		loops:    make(map[string]*processLoop),
	}
}

// receiptEventType maps an event to its chain receipt tag. Market events are
// recorded as market_event_detected, every other variant under its type tag.
func receiptEventType(e events.Event) string {
	if e.Kind() == events.TypeMarketEvent {
		return "market_event_detected"
	}
	return string(e.Kind())
}

// Submit validates an event, assigns an id when missing, enqueues it on its
// session queue, and records a receipt block. Returns the event id.
func (g *Gateway) Submit(event events.Event) (string, error) {
	if event == nil {
		return "", ErrNilEvent
	}

	events.EnsureID(event)
	if err := event.Validate(); err != nil {
		g.rejected.Add(1)
		if g.opts.Metrics != nil {
			g.opts.Metrics.EventsRejected.WithLabelValues(string(event.Kind())).Inc()
		}
		g.log.Warn().
			Err(err).
			Str("event_type", string(event.Kind())).
			Msg("Event rejected")
		return "", fmt.Errorf("invalid %s event: %w", event.Kind(), err)
	}

	meta := event.Meta()

	g.mu.Lock()
	q, ok := g.queues[meta.SessionID]
	if !ok {
		q = &eventQueue{}
		g.queues[meta.SessionID] = q
	}
	g.seq++
	heap.Push(q, &item{
		event:    event,
		priority: events.MaxPriority - meta.Priority,
		seq:      g.seq,
	})
	depth := q.Len()
	g.mu.Unlock()

	g.received.Add(1)
	if g.opts.Metrics != nil {
		g.opts.Metrics.EventsReceived.WithLabelValues(string(event.Kind())).Inc()
		g.opts.Metrics.EventsQueued.Inc()
	}

	if _, err := g.opts.Chain.Add(map[string]any{
		"event_type": receiptEventType(event),
		"event_id":   meta.EventID,
		"session_id": meta.SessionID,
		"actor":      "gateway",
		"action":     "event_received",
		"priority":   meta.Priority,
	}); err != nil {
		g.log.Error().
			Err(err).
			Str("event_id", meta.EventID).
			Msg("Failed to record event receipt")
	}

	if g.opts.Bus != nil {
		g.opts.Bus.Emit(events.NotificationEventReceived, moduleName, map[string]any{
			"event_id":    meta.EventID,
			"event_type":  string(event.Kind()),
			"session_id":  meta.SessionID,
			"priority":    meta.Priority,
			"queue_depth": depth,
		})
	}

	g.log.Debug().
		Str("event_id", meta.EventID).
		Str("event_type", string(event.Kind())).
		Str("session_id", meta.SessionID).
		Int("priority", meta.Priority).
		Int("queue_depth", depth).
		Msg("Event queued")

	return meta.EventID, nil
}

// RegisterHandler adds a handler for an event type. Handlers for the same
// type run in registration order. The returned id removes the handler.
func (g *Gateway) RegisterHandler(t events.Type, fn Handler) int {
	g.mu.Lock()
	defer g.mu.Unlock()

	g.nextReg++
	g.handlers[t] = append(g.handlers[t], registration{id: g.nextReg, fn: fn})
	return g.nextReg
}

// UnregisterHandler removes a handler by its registration id. Returns false
// when no handler with that id is registered for the type.
func (g *Gateway) UnregisterHandler(t events.Type, id int) bool {
	g.mu.Lock()
	defer g.mu.Unlock()

	regs := g.handlers[t]
	for i := range regs {
		if regs[i].id == id {
			g.handlers[t] = append(regs[:i:i], regs[i+1:]...)
			return true
		}
	}
	return false
}

// ProcessSession drains the session's queue in priority order, dispatching
// each event to the handlers registered for its type. Returns the number of
// events dispatched. A session with no queue drains zero events.
func (g *Gateway) ProcessSession(ctx context.Context, sessionID string) (int, error) {
	var n int
	for {
		if err := ctx.Err(); err != nil {
			return n, err
		}
		it := g.pop(sessionID)
		if it == nil {
			return n, nil
		}
		g.dispatch(ctx, it.event)
		n++
	}
}

func (g *Gateway) pop(sessionID string) *item {
	g.mu.Lock()
	defer g.mu.Unlock()

	q, ok := g.queues[sessionID]
	if !ok || q.Len() == 0 {
		return nil
	}
	return heap.Pop(q).(*item)
}

func (g *Gateway) dispatch(ctx context.Context, event events.Event) {
	meta := event.Meta()

	g.mu.Lock()
	regs := make([]registration, len(g.handlers[event.Kind()]))
	copy(regs, g.handlers[event.Kind()])
	g.mu.Unlock()

	var failures int
	for _, reg := range regs {
		if err := g.invoke(ctx, reg.fn, event); err != nil {
			failures++
			g.recordHandlerError(event, err)
		}
	}

	g.processed.Add(1)
	if g.opts.Metrics != nil {
		g.opts.Metrics.EventsProcessed.WithLabelValues(string(event.Kind())).Inc()
		g.opts.Metrics.EventsQueued.Dec()
	}

	if g.opts.Bus != nil {
		nt := events.NotificationEventProcessed
		if failures > 0 {
			nt = events.NotificationEventFailed
		}
		g.opts.Bus.Emit(nt, moduleName, map[string]any{
			"event_id":       meta.EventID,
			"event_type":     string(event.Kind()),
			"session_id":     meta.SessionID,
			"handler_errors": failures,
		})
	}

	g.log.Debug().
		Str("event_id", meta.EventID).
		Str("event_type", string(event.Kind())).
		Int("handlers", len(regs)).
		Int("handler_errors", failures).
		Msg("Event processed")
}

// invoke runs one handler, converting a panic into an error so a broken
// handler cannot abort the drain.
func (g *Gateway) invoke(ctx context.Context, fn Handler, event events.Event) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("handler panic: %v", r)
		}
	}()
	return fn(ctx, event)
}

func (g *Gateway) recordHandlerError(event events.Event, handlerErr error) {
	meta := event.Meta()

	g.log.Error().
		Err(handlerErr).
		Str("event_id", meta.EventID).
		Str("event_type", string(event.Kind())).
		Msg("Event handler failed")

	if g.opts.Metrics != nil {
		g.opts.Metrics.HandlerErrors.WithLabelValues(string(event.Kind())).Inc()
	}

	if _, err := g.opts.Chain.Add(map[string]any{
		"event_type":        "event_processing_error",
		"event_id":          meta.EventID,
		"session_id":        meta.SessionID,
		"actor":             "gateway",
		"action":            "handler_error",
		"error":             handlerErr.Error(),
		"source_event_type": string(event.Kind()),
	}); err != nil {
		g.log.Error().
			Err(err).
			Str("event_id", meta.EventID).
			Msg("Failed to record handler error")
	}
}

// StartProcessing launches a background drain loop for a session. Starting
// a session that is already running is a no-op.
func (g *Gateway) StartProcessing(sessionID string) {
	g.loopMu.Lock()
	defer g.loopMu.Unlock()

	if _, running := g.loops[sessionID]; running {
		return
	}

	ctx, cancel := context.WithCancel(context.Background())
	loop := &processLoop{cancel: cancel, done: make(chan struct{})}
	g.loops[sessionID] = loop

	go func() {
		defer close(loop.done)
		for {
			n, _ := g.ProcessSession(ctx, sessionID)
			if ctx.Err() != nil {
				return
			}
			if n == 0 {
				select {
				case <-ctx.Done():
					return
				case <-time.After(g.opts.IdleDelay):
				}
			}
		}
	}()

	g.log.Info().Str("session_id", sessionID).Msg("Session processing started")
}

// StopProcessing cancels a session's drain loop and waits for it to exit.
// Stopping a session that is not running is a no-op.
func (g *Gateway) StopProcessing(sessionID string) {
	g.loopMu.Lock()
	loop, ok := g.loops[sessionID]
	if ok {
		delete(g.loops, sessionID)
	}
	g.loopMu.Unlock()

	if !ok {
		return
	}
	loop.cancel()
	<-loop.done

	g.log.Info().Str("session_id", sessionID).Msg("Session processing stopped")
}

// StopAll stops every running session loop.
func (g *Gateway) StopAll() {
	g.loopMu.Lock()
	ids := make([]string, 0, len(g.loops))
	for id := range g.loops {
		ids = append(ids, id)
	}
	g.loopMu.Unlock()

	for _, id := range ids {
		g.StopProcessing(id)
	}
}

// Stats returns the current counter values and queue depths.
func (g *Gateway) Stats() Stats {
	g.mu.Lock()
	queued := 0
	for _, q := range g.queues {
		queued += q.Len()
	}
	sessions := len(g.queues)
	g.mu.Unlock()

	return Stats{
		Received:  g.received.Load(),
		Rejected:  g.rejected.Load(),
		Processed: g.processed.Load(),
		Queued:    queued,
		Sessions:  sessions,
	}
}

// QueueDepth returns the number of events waiting for a session.
func (g *Gateway) QueueDepth(sessionID string) int {
	g.mu.Lock()
	defer g.mu.Unlock()

	q, ok := g.queues[sessionID]
	if !ok {
		return 0
	}
	return q.Len()
}
