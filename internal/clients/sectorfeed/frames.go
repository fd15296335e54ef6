package sectorfeed

import (
	"fmt"
	"math"
	"time"

	"github.com/markcheno/go-talib"
	"github.com/vmihailenco/msgpack/v5"

	"github.com/meridianfo/vigil/internal/events"
)

// TickFrame is one msgpack frame from the feed: a sector index level at a
// point in time.
type TickFrame struct {
	Sector string  `msgpack:"sector"`
	Ticker string  `msgpack:"ticker,omitempty"`
	Price  float64 `msgpack:"price"`
	TS     int64   `msgpack:"ts"` // unix milliseconds
}

// window keeps the most recent index levels for one sector.
type window struct {
	prices   []float64
	max      int
	lastEmit time.Time
}

func (w *window) push(price float64) {
	if len(w.prices) == w.max {
		copy(w.prices, w.prices[1:])
		w.prices[len(w.prices)-1] = price
		return
	}
	w.prices = append(w.prices, price)
}

// roc returns the latest rate of change over period ticks as a fraction.
// ok is false until the window holds more than period samples.
func (w *window) roc(period int) (float64, bool) {
	if len(w.prices) <= period {
		return 0, false
	}
	out := talib.Roc(w.prices, period)
	return out[len(out)-1] / 100, true
}

// HandleFrame decodes one feed frame, updates the sector's price window,
// and submits a market event when the move clears the magnitude threshold,
// the sector cooldown, and the submission rate limit.
func (f *Feed) HandleFrame(data []byte) error {
	var frame TickFrame
	if err := msgpack.Unmarshal(data, &frame); err != nil {
		f.countFrame("invalid")
		return fmt.Errorf("failed to decode feed frame: %w", err)
	}
	if frame.Sector == "" {
		f.countFrame("invalid")
		return fmt.Errorf("feed frame missing sector")
	}
	if frame.Price <= 0 {
		f.countFrame("invalid")
		return fmt.Errorf("feed frame has non-positive price %.4f for %s", frame.Price, frame.Sector)
	}
	f.countFrame("decoded")

	f.winMu.Lock()
	w, ok := f.windows[frame.Sector]
	if !ok {
		w = &window{max: f.cfg.WindowSize}
		f.windows[frame.Sector] = w
	}
	w.push(frame.Price)
	roc, ready := w.roc(f.cfg.ROCPeriod)
	cooled := time.Since(w.lastEmit) >= f.cfg.SectorCooldown
	f.winMu.Unlock()

	if !ready || math.Abs(roc) < f.cfg.MinMagnitude {
		return nil
	}
	if !cooled {
		f.countFrame("cooldown")
		return nil
	}
	if !f.limiter.Allow() {
		f.countFrame("throttled")
		f.log.Debug().
			Str("sector", frame.Sector).
			Float64("roc", roc).
			Msg("Feed event throttled")
		return nil
	}

	event := f.buildEvent(frame, roc)
	if _, err := f.submit.Submit(event); err != nil {
		return fmt.Errorf("failed to submit market event: %w", err)
	}

	f.winMu.Lock()
	w.lastEmit = time.Now()
	f.winMu.Unlock()
	f.countFrame("event")

	f.log.Info().
		Str("sector", frame.Sector).
		Float64("magnitude", event.Magnitude).
		Int("priority", event.Priority).
		Msg("Market event submitted from feed")
	return nil
}

func (f *Feed) buildEvent(frame TickFrame, roc float64) *events.MarketEvent {
	magnitude := clamp(roc, -1, 1)

	direction := "up"
	if magnitude < 0 {
		direction = "down"
	}
	e := &events.MarketEvent{
		Envelope:        events.NewEnvelope(f.cfg.SessionID),
		AffectedSectors: []string{frame.Sector},
		Description: fmt.Sprintf("%s index moved %s %.1f%% over the last %d ticks",
			frame.Sector, direction, math.Abs(magnitude)*100, f.cfg.ROCPeriod),
		Magnitude: magnitude,
	}
	if frame.Ticker != "" {
		e.AffectedTickers = []string{frame.Ticker}
	}
	if math.Abs(magnitude) >= CriticalMoveMagnitude {
		e.Priority = CriticalMovePriority
	}
	return e
}

func (f *Feed) countFrame(result string) {
	if f.metrics == nil {
		return
	}
	f.metrics.FeedFrames.WithLabelValues(result).Inc()
}

func clamp(v, lo, hi float64) float64 {
	return math.Max(lo, math.Min(hi, v))
}
