// Package sectorfeed streams sector index ticks over a websocket and turns
// significant rate-of-change moves into gateway market events.
package sectorfeed

import (
	"context"
	"fmt"
	"math"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/vmihailenco/msgpack/v5"
	"golang.org/x/time/rate"
	"nhooyr.io/websocket"

	"github.com/meridianfo/vigil/internal/events"
	"github.com/meridianfo/vigil/internal/metrics"
)

const (
	writeWait   = 10 * time.Second
	dialTimeout = 30 * time.Second

	baseReconnectDelay   = 5 * time.Second
	maxReconnectDelay    = 5 * time.Minute
	maxReconnectAttempts = 10
)

// Default feed tuning.
const (
	DefaultROCPeriod      = 12
	DefaultWindowSize     = 64
	DefaultMinMagnitude   = 0.02
	DefaultSubmitBurst    = 4
	DefaultSectorCooldown = 5 * time.Minute

	// Moves at or beyond CriticalMoveMagnitude are submitted with an
	// escalated queue priority.
	CriticalMoveMagnitude = 0.10
	CriticalMovePriority  = 8
)

// DefaultSubmitRate allows one event per second across all sectors.
var DefaultSubmitRate = rate.Every(time.Second)

// Config tunes the sector feed client.
type Config struct {
	// URL is the websocket endpoint of the tick feed.
	URL string
	// SessionID owns the market events this feed produces.
	SessionID string
	// ROCPeriod is how many ticks back the rate of change looks.
	ROCPeriod int
	// WindowSize is how many index levels are retained per sector.
	WindowSize int
	// MinMagnitude is the smallest |rate of change| that produces an event.
	MinMagnitude float64
	// SubmitRate and SubmitBurst bound event submissions across all sectors.
	SubmitRate  rate.Limit
	SubmitBurst int
	// SectorCooldown is the minimum spacing between events for one sector.
	SectorCooldown time.Duration
	// ReconnectBase seeds the exponential backoff between reconnect attempts.
	ReconnectBase time.Duration
}

func (c Config) withDefaults() Config {
	if c.ROCPeriod <= 0 {
		c.ROCPeriod = DefaultROCPeriod
	}
	if c.WindowSize <= 0 {
		c.WindowSize = DefaultWindowSize
	}
	if c.WindowSize <= c.ROCPeriod {
		c.WindowSize = c.ROCPeriod + 1
	}
	if c.MinMagnitude <= 0 {
		c.MinMagnitude = DefaultMinMagnitude
	}
	if c.SubmitRate <= 0 {
		c.SubmitRate = DefaultSubmitRate
	}
	if c.SubmitBurst <= 0 {
		c.SubmitBurst = DefaultSubmitBurst
	}
	if c.SectorCooldown <= 0 {
		c.SectorCooldown = DefaultSectorCooldown
	}
	if c.ReconnectBase <= 0 {
		c.ReconnectBase = baseReconnectDelay
	}
	return c
}

// Submitter accepts produced market events. *gateway.Gateway satisfies it.
type Submitter interface {
	Submit(event events.Event) (string, error)
}

// Options wires a Feed's dependencies.
type Options struct {
	Config  Config
	Submit  Submitter
	Bus     *events.Bus
	Metrics *metrics.Metrics
}

// Feed is the websocket client for the sector tick feed.
type Feed struct {
	cfg     Config
	submit  Submitter
	bus     *events.Bus
	metrics *metrics.Metrics
	limiter *rate.Limiter
	log     zerolog.Logger

	mu           sync.RWMutex
	conn         *websocket.Conn
	connCtx      context.Context
	cancelFunc   context.CancelFunc
	connected    bool
	reconnecting bool
	stopped      bool
	stopChan     chan struct{}

	winMu   sync.Mutex
	windows map[string]*window
}

// New creates a feed client. Call Start to connect.
func New(opts Options, log zerolog.Logger) *Feed {
	cfg := opts.Config.withDefaults()
	return &Feed{
		cfg:      cfg,
		submit:   opts.Submit,
		bus:      opts.Bus,
		metrics:  opts.Metrics,
		limiter:  rate.NewLimiter(cfg.SubmitRate, cfg.SubmitBurst),
		log:      log.With().Str("component", "sector_feed").Logger(),
		stopChan: make(chan struct{}),
		windows:  make(map[string]*window),
	}
}

// Start opens the websocket and begins reading frames. On a failed initial
// dial the client keeps retrying in the background.
func (f *Feed) Start() error {
	f.log.Info().Str("url", f.cfg.URL).Msg("Starting sector feed client")

	if err := f.Connect(); err != nil {
		f.log.Warn().Err(err).Msg("Initial feed connection failed, will retry in background")
		go f.reconnectLoop()
		return err
	}

	f.mu.RLock()
	ctx := f.connCtx
	f.mu.RUnlock()
	go f.readFrames(ctx)

	return nil
}

// Stop closes the connection and halts reconnection. Safe to call twice.
func (f *Feed) Stop() error {
	f.mu.Lock()
	if f.stopped {
		f.mu.Unlock()
		return nil
	}
	f.stopped = true
	f.mu.Unlock()

	f.log.Info().Msg("Stopping sector feed client")
	close(f.stopChan)
	return f.Disconnect()
}

// Connect dials the feed and subscribes to the sectors channel.
func (f *Feed) Connect() error {
	if err := f.connect(); err != nil {
		return err
	}
	f.notifyStatus(true)
	f.log.Info().Str("url", f.cfg.URL).Msg("Connected to sector feed")
	return nil
}

func (f *Feed) connect() error {
	f.mu.Lock()
	defer f.mu.Unlock()

	dialCtx, dialCancel := context.WithTimeout(context.Background(), dialTimeout)
	defer dialCancel()

	conn, _, err := websocket.Dial(dialCtx, f.cfg.URL, nil)
	if err != nil {
		return fmt.Errorf("failed to dial feed: %w", err)
	}

	connCtx, connCancel := context.WithCancel(context.Background())
	f.conn = conn
	f.connCtx = connCtx
	f.cancelFunc = connCancel
	f.connected = true

	if err := f.subscribe(connCtx); err != nil {
		connCancel()
		conn.Close(websocket.StatusNormalClosure, "subscribe failed")
		f.conn = nil
		f.connCtx = nil
		f.cancelFunc = nil
		f.connected = false
		return fmt.Errorf("failed to subscribe to sectors: %w", err)
	}

	return nil
}

// Disconnect closes the websocket if open.
func (f *Feed) Disconnect() error {
	f.mu.Lock()
	if f.conn == nil {
		f.mu.Unlock()
		return nil
	}

	if f.cancelFunc != nil {
		f.cancelFunc()
		f.cancelFunc = nil
	}
	err := f.conn.Close(websocket.StatusNormalClosure, "")
	f.conn = nil
	f.connCtx = nil
	f.connected = false
	f.mu.Unlock()

	f.notifyStatus(false)
	if err != nil {
		return fmt.Errorf("error closing feed connection: %w", err)
	}
	return nil
}

// subscribe sends the msgpack subscription message for the sectors channel.
// Callers hold f.mu.
func (f *Feed) subscribe(ctx context.Context) error {
	msg, err := msgpack.Marshal(map[string]string{
		"action":  "subscribe",
		"channel": "sectors",
	})
	if err != nil {
		return fmt.Errorf("failed to marshal subscription: %w", err)
	}

	writeCtx, cancel := context.WithTimeout(ctx, writeWait)
	defer cancel()

	if err := f.conn.Write(writeCtx, websocket.MessageBinary, msg); err != nil {
		return fmt.Errorf("failed to send subscription: %w", err)
	}
	return nil
}

// readFrames consumes feed messages until the connection drops or the
// client stops.
func (f *Feed) readFrames(ctx context.Context) {
	defer func() {
		f.mu.RLock()
		stopped := f.stopped
		f.mu.RUnlock()

		f.notifyStatus(false)
		if !stopped {
			go f.reconnectLoop()
		}
		f.log.Info().Msg("Feed read loop stopped")
	}()

	for {
		select {
		case <-f.stopChan:
			return
		case <-ctx.Done():
			return
		default:
		}

		f.mu.RLock()
		conn := f.conn
		f.mu.RUnlock()
		if conn == nil {
			return
		}

		msgType, data, err := conn.Read(ctx)
		if err != nil {
			closeStatus := websocket.CloseStatus(err)
			switch {
			case closeStatus == websocket.StatusNormalClosure || closeStatus == websocket.StatusGoingAway:
				f.log.Info().Int("status", int(closeStatus)).Msg("Feed closed normally")
			case ctx.Err() != nil:
				f.log.Debug().Msg("Feed read cancelled")
			default:
				f.log.Error().Err(err).Msg("Unexpected feed read error")
			}
			return
		}

		if msgType != websocket.MessageBinary {
			f.log.Debug().Int("type", int(msgType)).Msg("Ignoring non-binary feed message")
			continue
		}

		if err := f.HandleFrame(data); err != nil {
			f.log.Error().Err(err).Msg("Failed to handle feed frame")
		}
	}
}

// reconnectLoop retries the connection with exponential backoff.
func (f *Feed) reconnectLoop() {
	f.mu.Lock()
	if f.reconnecting || f.stopped {
		f.mu.Unlock()
		return
	}
	f.reconnecting = true
	f.mu.Unlock()

	defer func() {
		f.mu.Lock()
		f.reconnecting = false
		f.mu.Unlock()
	}()

	attempt := 0
	for {
		select {
		case <-f.stopChan:
			return
		default:
		}

		f.mu.RLock()
		stopped := f.stopped
		f.mu.RUnlock()
		if stopped {
			return
		}

		attempt++
		delay := backoff(f.cfg.ReconnectBase, attempt)
		if attempt <= maxReconnectAttempts {
			f.log.Info().Int("attempt", attempt).Dur("delay", delay).Msg("Reconnecting to sector feed")
		} else {
			f.log.Warn().Int("attempt", attempt).Dur("delay", delay).Msg("Still reconnecting to sector feed")
		}

		select {
		case <-time.After(delay):
		case <-f.stopChan:
			return
		}

		if err := f.Connect(); err != nil {
			f.log.Error().Err(err).Int("attempt", attempt).Msg("Feed reconnection failed")
			continue
		}

		f.log.Info().Int("attempt", attempt).Msg("Reconnected to sector feed")

		f.mu.RLock()
		ctx := f.connCtx
		f.mu.RUnlock()
		go f.readFrames(ctx)
		return
	}
}

func backoff(base time.Duration, attempt int) time.Duration {
	delay := float64(base) * math.Pow(2, float64(attempt-1))
	if delay > float64(maxReconnectDelay) {
		delay = float64(maxReconnectDelay)
	}
	return time.Duration(delay)
}

// IsConnected reports the current connection status.
func (f *Feed) IsConnected() bool {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return f.connected
}

func (f *Feed) notifyStatus(connected bool) {
	if f.bus == nil {
		return
	}
	f.bus.Emit(events.NotificationFeedStatusChanged, "sector_feed", map[string]any{
		"connected": connected,
		"url":       f.cfg.URL,
	})
}
