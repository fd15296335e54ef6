// Package routing decides which specialist agents an inbound event needs.
package routing

import (
	"context"
	"errors"
	"fmt"
	"math"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/sony/gobreaker"

	"github.com/meridianfo/vigil/internal/config"
	"github.com/meridianfo/vigil/internal/domain"
	"github.com/meridianfo/vigil/internal/events"
)

// Priority grades a routing decision; the gateway maps it onto the event's
// queue priority.
type Priority string

const (
	PriorityCritical Priority = "critical"
	PriorityHigh     Priority = "high"
	PriorityNormal   Priority = "normal"
	PriorityLow      Priority = "low"
	PrioritySkip     Priority = "skip"
)

// Agent tags name the specialists a decision requires.
const (
	AgentDrift       = "drift"
	AgentTax         = "tax"
	AgentCoordinator = "coordinator"
)

// ErrPortfolioNotFound is returned by portfolio sources for unknown ids.
var ErrPortfolioNotFound = errors.New("portfolio not found")

// Decision tells the gateway whether and how to process an event.
type Decision struct {
	ShouldProcess    bool           `json:"should_process"`
	Priority         Priority       `json:"priority"`
	AgentsRequired   []string       `json:"agents_required,omitempty"`
	ContextAdditions map[string]any `json:"context_additions,omitempty"`
	Reasoning        string         `json:"reasoning"`
}

// PortfolioSource loads portfolio snapshots for routing decisions.
type PortfolioSource interface {
	Portfolio(ctx context.Context, id string) (*domain.Portfolio, error)
}

// Breaker thresholds for the portfolio source.
const (
	breakerConsecutiveFailures = 5
	breakerOpenTimeout         = 30 * time.Second
)

// Router maps inbound events to the specialist agents they need. Portfolio
// loads run through a circuit breaker so a failing source degrades to skip
// decisions instead of stalling every event.
type Router struct {
	cfg     config.RoutingConfig
	source  PortfolioSource
	breaker *gobreaker.CircuitBreaker
	log     zerolog.Logger
}

// New creates a router over a portfolio source.
func New(cfg config.RoutingConfig, source PortfolioSource, log zerolog.Logger) *Router {
	return &Router{
		cfg:    cfg,
		source: source,
		breaker: gobreaker.NewCircuitBreaker(gobreaker.Settings{
			Name:    "portfolio-source",
			Timeout: breakerOpenTimeout,
			ReadyToTrip: func(counts gobreaker.Counts) bool {
				return counts.ConsecutiveFailures >= breakerConsecutiveFailures
			},
		}),
		log: log.With().Str("component", "router").Logger(),
	}
}

// Route decides how to handle one event against one portfolio. Routing is
// pure given the portfolio snapshot; only the load itself can fail, and a
// failed load yields a skip decision naming the cause.
func (r *Router) Route(ctx context.Context, event events.Event, portfolioID string) Decision {
	p, err := r.loadPortfolio(ctx, portfolioID)
	if err != nil {
		r.log.Warn().
			Err(err).
			Str("portfolio_id", portfolioID).
			Str("event_type", string(event.Kind())).
			Msg("Portfolio load failed, skipping event")
		return Decision{
			Priority:  PrioritySkip,
			Reasoning: fmt.Sprintf("portfolio %s unavailable: %v", portfolioID, err),
		}
	}

	var d Decision
	switch e := event.(type) {
	case *events.MarketEvent:
		d = r.routeMarketEvent(e, p)
	case *events.Heartbeat:
		d = r.routeHeartbeat(p)
	case *events.Webhook:
		d = r.routeWebhook(e, p)
	case *events.CronJob:
		d = r.routeCronJob(e)
	default:
		d = Decision{
			Priority:  PrioritySkip,
			Reasoning: fmt.Sprintf("no routing rule for %s events", event.Kind()),
		}
	}

	r.log.Debug().
		Str("event_type", string(event.Kind())).
		Str("portfolio_id", portfolioID).
		Str("priority", string(d.Priority)).
		Strs("agents", d.AgentsRequired).
		Bool("should_process", d.ShouldProcess).
		Msg("Event routed")

	return d
}

func (r *Router) loadPortfolio(ctx context.Context, id string) (*domain.Portfolio, error) {
	v, err := r.breaker.Execute(func() (interface{}, error) {
		return r.source.Portfolio(ctx, id)
	})
	if err != nil {
		return nil, err
	}
	return v.(*domain.Portfolio), nil
}

// routeMarketEvent escalates on move magnitude first, then on how much of
// the portfolio sits in the affected sectors.
func (r *Router) routeMarketEvent(e *events.MarketEvent, p *domain.Portfolio) Decision {
	magnitude := math.Abs(e.Magnitude)
	var exposure float64
	for _, sector := range e.AffectedSectors {
		exposure += p.SectorWeight(sector)
	}

	additions := map[string]any{
		"affected_sectors": e.AffectedSectors,
		"magnitude":        e.Magnitude,
		"sector_exposure":  exposure,
	}

	switch {
	case magnitude >= r.cfg.MarketCriticalMagnitude:
		return Decision{
			ShouldProcess:    true,
			Priority:         PriorityCritical,
			AgentsRequired:   []string{AgentDrift, AgentTax, AgentCoordinator},
			ContextAdditions: additions,
			Reasoning:        fmt.Sprintf("market move of %.1f%% requires a full analysis pass", magnitude*100),
		}
	case magnitude >= r.cfg.MarketHighMagnitude && exposure > r.cfg.MarketHighExposure:
		return Decision{
			ShouldProcess:    true,
			Priority:         PriorityHigh,
			AgentsRequired:   []string{AgentDrift, AgentTax, AgentCoordinator},
			ContextAdditions: additions,
			Reasoning:        fmt.Sprintf("%.1f%% move against %.1f%% sector exposure", magnitude*100, exposure*100),
		}
	case exposure > r.cfg.MarketNormalExposure:
		return Decision{
			ShouldProcess:    true,
			Priority:         PriorityNormal,
			AgentsRequired:   []string{AgentDrift, AgentCoordinator},
			ContextAdditions: additions,
			Reasoning:        fmt.Sprintf("sector exposure of %.1f%% warrants a drift check", exposure*100),
		}
	default:
		return Decision{
			ShouldProcess:    true,
			Priority:         PriorityLow,
			AgentsRequired:   []string{AgentDrift},
			ContextAdditions: additions,
			Reasoning:        "minor market move, monitoring drift only",
		}
	}
}

// routeHeartbeat inspects the portfolio for conditions worth an analysis
// pass: concentration over the limit, allocation drift, harvestable losses.
func (r *Router) routeHeartbeat(p *domain.Portfolio) Decision {
	var (
		agents    []string
		reasons   []string
		escalated bool
	)
	additions := make(map[string]any)

	if excess := maxConcentrationExcess(p); excess > r.cfg.ConcentrationNormal {
		agents = appendUnique(agents, AgentDrift)
		additions["concentration_excess"] = excess
		reasons = append(reasons, fmt.Sprintf("concentration %.1f%% over limit", excess*100))
		if excess > r.cfg.ConcentrationHigh {
			escalated = true
		}
	}

	if drift := maxClassDrift(p); drift > r.cfg.DriftAttention {
		agents = appendUnique(agents, AgentDrift)
		additions["drift_detected"] = true
		reasons = append(reasons, fmt.Sprintf("allocation drift at %.1f%%", drift*100))
		if drift > r.cfg.DriftHigh {
			escalated = true
		}
	}

	if losses := totalUnrealizedLosses(p); losses > r.cfg.HarvestLossThreshold {
		agents = appendUnique(agents, AgentTax)
		additions["tax_harvest_opportunity"] = true
		reasons = append(reasons, fmt.Sprintf("$%.0f in harvestable losses", losses))
	}

	if len(agents) == 0 {
		return Decision{
			Priority:  PrioritySkip,
			Reasoning: "no issues detected in scheduled review",
		}
	}
	if len(agents) >= 2 {
		agents = append(agents, AgentCoordinator)
	}

	priority := PriorityNormal
	if escalated {
		priority = PriorityHigh
	}
	return Decision{
		ShouldProcess:    true,
		Priority:         priority,
		AgentsRequired:   agents,
		ContextAdditions: additions,
		Reasoning:        strings.Join(reasons, "; "),
	}
}

// routeWebhook dispatches on the payload type tag.
func (r *Router) routeWebhook(e *events.Webhook, p *domain.Portfolio) Decision {
	additions := map[string]any{
		"webhook_source": e.Source,
		"payload_type":   e.PayloadType(),
	}

	switch e.PayloadType() {
	case "trade_execution":
		return Decision{
			ShouldProcess:    true,
			Priority:         PriorityHigh,
			AgentsRequired:   []string{AgentTax},
			ContextAdditions: additions,
			Reasoning:        "executed trade changes the tax picture",
		}
	case "price_alert":
		return Decision{
			ShouldProcess:    true,
			Priority:         PriorityNormal,
			AgentsRequired:   []string{AgentDrift, AgentCoordinator},
			ContextAdditions: additions,
			Reasoning:        "price alert warrants a drift check",
		}
	case "news_alert":
		held := heldTickers(payloadTickers(e.Payload), p)
		if len(held) == 0 {
			return Decision{
				Priority:  PrioritySkip,
				Reasoning: "news alert does not touch any held position",
			}
		}
		additions["affected_tickers"] = held
		return Decision{
			ShouldProcess:    true,
			Priority:         PriorityNormal,
			AgentsRequired:   []string{AgentDrift, AgentCoordinator},
			ContextAdditions: additions,
			Reasoning:        fmt.Sprintf("news touches held positions: %s", strings.Join(held, ", ")),
		}
	default:
		return Decision{
			Priority:  PrioritySkip,
			Reasoning: fmt.Sprintf("unsupported webhook payload type %q", e.PayloadType()),
		}
	}
}

// routeCronJob maps each job type to its fixed agent set.
func (r *Router) routeCronJob(e *events.CronJob) Decision {
	additions := map[string]any{"job_type": string(e.JobType)}

	switch e.JobType {
	case events.JobTypeDailyReview:
		return Decision{
			ShouldProcess:    true,
			Priority:         PriorityNormal,
			AgentsRequired:   []string{AgentDrift, AgentTax, AgentCoordinator},
			ContextAdditions: additions,
			Reasoning:        "daily review runs the full analysis pass",
		}
	case events.JobTypeEODTax:
		return Decision{
			ShouldProcess:    true,
			Priority:         PriorityNormal,
			AgentsRequired:   []string{AgentTax},
			ContextAdditions: additions,
			Reasoning:        "end-of-day tax check",
		}
	case events.JobTypeQuarterlyRebalance:
		return Decision{
			ShouldProcess:    true,
			Priority:         PriorityHigh,
			AgentsRequired:   []string{AgentDrift, AgentTax, AgentCoordinator},
			ContextAdditions: additions,
			Reasoning:        "quarterly rebalance requires drift and tax analysis",
		}
	default:
		return Decision{
			ShouldProcess:    true,
			Priority:         PriorityLow,
			AgentsRequired:   []string{AgentDrift},
			ContextAdditions: additions,
			Reasoning:        fmt.Sprintf("unrecognized job type %q, drift check only", e.JobType),
		}
	}
}

// maxConcentrationExcess returns the largest holding weight overage above
// the client limit, or 0 when every holding sits inside it.
func maxConcentrationExcess(p *domain.Portfolio) float64 {
	limit := p.ClientProfile.ConcentrationLimit
	if limit <= 0 {
		limit = domain.DefaultConcentrationLimit
	}
	var worst float64
	for i := range p.Holdings {
		if excess := p.Holdings[i].PortfolioWeight - limit; excess > worst {
			worst = excess
		}
	}
	return worst
}

// maxClassDrift returns the largest absolute gap between a class weight and
// its target.
func maxClassDrift(p *domain.Portfolio) float64 {
	var worst float64
	for _, w := range p.TargetAllocation.Weights() {
		if drift := math.Abs(p.AssetClassWeight(w.Class) - w.Weight); drift > worst {
			worst = drift
		}
	}
	return worst
}

func totalUnrealizedLosses(p *domain.Portfolio) float64 {
	var losses float64
	for i := range p.Holdings {
		if ugl := p.Holdings[i].UnrealizedGainLoss; ugl < 0 {
			losses -= ugl
		}
	}
	return losses
}

func payloadTickers(payload map[string]any) []string {
	switch v := payload["tickers"].(type) {
	case []string:
		return v
	case []any:
		out := make([]string, 0, len(v))
		for _, t := range v {
			if s, ok := t.(string); ok {
				out = append(out, s)
			}
		}
		return out
	}
	return nil
}

// heldTickers filters tickers to those present in the portfolio, preserving
// input order.
func heldTickers(tickers []string, p *domain.Portfolio) []string {
	var held []string
	for _, t := range tickers {
		if _, ok := p.HoldingByTicker(t); ok {
			held = append(held, t)
		}
	}
	return held
}

func appendUnique(agents []string, agent string) []string {
	for _, a := range agents {
		if a == agent {
			return agents
		}
	}
	return append(agents, agent)
}
