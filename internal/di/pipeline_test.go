package di

import (
	"context"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/meridianfo/vigil/internal/chain"
	"github.com/meridianfo/vigil/internal/clientdata"
	"github.com/meridianfo/vigil/internal/config"
	"github.com/meridianfo/vigil/internal/events"
	"github.com/meridianfo/vigil/internal/gateway"
	"github.com/meridianfo/vigil/internal/modules/conflict"
	"github.com/meridianfo/vigil/internal/modules/coordinator"
	"github.com/meridianfo/vigil/internal/modules/drift"
	"github.com/meridianfo/vigil/internal/modules/scenario"
	"github.com/meridianfo/vigil/internal/modules/tax"
	"github.com/meridianfo/vigil/internal/modules/utility"
	"github.com/meridianfo/vigil/internal/routing"
	testingpkg "github.com/meridianfo/vigil/internal/testing"
)

type pipelineFixture struct {
	pipeline *Pipeline
	gateway  *gateway.Gateway
	chain    *chain.Chain
	bus      *events.Bus
	store    *clientdata.Repository
}

func newPipelineFixture(t *testing.T) *pipelineFixture {
	t.Helper()
	log := zerolog.Nop()

	store, err := clientdata.NewRepository(testingpkg.NewTestDB(t, "client_data"), log)
	require.NoError(t, err)

	auditChain := chain.New(chain.Options{}, log)
	bus := events.NewBus()
	scoringCfg := config.DefaultScoringConfig()

	coord := coordinator.New(coordinator.Deps{
		Drift:     drift.New(log),
		Tax:       tax.New(log),
		Conflicts: conflict.New(scoringCfg, log),
		Scenarios: scenario.New(log),
		Utility:   utility.New(scoringCfg, log),
		Chain:     auditChain,
		Bus:       bus,
	}, log)

	router := routing.New(config.DefaultRoutingConfig(), store, log)
	gw := gateway.New(gateway.Options{Chain: auditChain, Bus: bus}, log)

	p := NewPipeline(router, coord, store, auditChain, bus, nil, log)
	p.Register(gw)

	return &pipelineFixture{pipeline: p, gateway: gw, chain: auditChain, bus: bus, store: store}
}

func TestPipelineHandle_MarketEventAnalyzesEveryPortfolio(t *testing.T) {
	fx := newPipelineFixture(t)
	require.NoError(t, fx.store.SavePortfolio(testingpkg.ConcentratedPortfolio("port_tech")))
	require.NoError(t, fx.store.SavePortfolio(testingpkg.CashPortfolio("port_cash")))
	require.NoError(t, fx.store.AppendTransactions("port_tech", testingpkg.RecentSellTransactions("port_tech")))

	var completed int
	fx.bus.Subscribe(events.NotificationAnalysisCompleted, func(*events.Notification) {
		completed++
	})

	event := &events.MarketEvent{
		Envelope:        events.NewEnvelope("sess_pipe"),
		AffectedSectors: []string{"Technology"},
		Magnitude:       -0.08,
		Description:     "semiconductor selloff",
	}
	require.NoError(t, fx.pipeline.Handle(context.Background(), event))

	// Market events reach every stored portfolio, exposed or not.
	passes := fx.chain.BlocksByEventType("agent_completed")
	require.Len(t, passes, 2)

	var analyzed []string
	for _, b := range passes {
		require.NotNil(t, b.Resource)
		analyzed = append(analyzed, *b.Resource)
		assert.Equal(t, "sess_pipe", b.SessionID)
	}
	assert.ElementsMatch(t, []string{"port_tech", "port_cash"}, analyzed)
	assert.Equal(t, 2, completed)
}

func TestPipelineHandle_HeartbeatSkipsQuietPortfolio(t *testing.T) {
	fx := newPipelineFixture(t)
	require.NoError(t, fx.store.SavePortfolio(testingpkg.CashPortfolio("port_cash")))

	var started int
	fx.bus.Subscribe(events.NotificationAnalysisStarted, func(*events.Notification) {
		started++
	})

	hb := &events.Heartbeat{
		Envelope:     events.NewEnvelope("sess_hb"),
		PortfolioIDs: []string{"port_cash"},
	}
	require.NoError(t, fx.pipeline.Handle(context.Background(), hb))

	assert.Empty(t, fx.chain.BlocksByEventType("agent_completed"))
	assert.Zero(t, started)
}

func TestPipelineHandle_HeartbeatSweepsStoreWhenUnscoped(t *testing.T) {
	fx := newPipelineFixture(t)
	require.NoError(t, fx.store.SavePortfolio(testingpkg.ConcentratedPortfolio("port_tech")))
	require.NoError(t, fx.store.SavePortfolio(testingpkg.CashPortfolio("port_cash")))

	hb := &events.Heartbeat{Envelope: events.NewEnvelope("sess_sweep")}
	require.NoError(t, fx.pipeline.Handle(context.Background(), hb))

	// The concentrated portfolio needs review, the all-cash one does not.
	passes := fx.chain.BlocksByEventType("agent_completed")
	require.Len(t, passes, 1)
	require.NotNil(t, passes[0].Resource)
	assert.Equal(t, "port_tech", *passes[0].Resource)
}

func TestPipelineHandle_UnknownPortfolioSkips(t *testing.T) {
	fx := newPipelineFixture(t)

	hb := &events.Heartbeat{
		Envelope:     events.NewEnvelope("sess_missing"),
		PortfolioIDs: []string{"port_missing"},
	}
	require.NoError(t, fx.pipeline.Handle(context.Background(), hb))

	assert.Empty(t, fx.chain.BlocksByEventType("agent_completed"))
}

func TestPipelineHandle_DrivesSessionStateMachine(t *testing.T) {
	fx := newPipelineFixture(t)
	require.NoError(t, fx.store.SavePortfolio(testingpkg.ConcentratedPortfolio("port_tech")))

	event := &events.MarketEvent{
		Envelope:        events.NewEnvelope("sess_fsm"),
		AffectedSectors: []string{"Technology"},
		Magnitude:       -0.08,
		Description:     "semiconductor selloff",
	}
	require.NoError(t, fx.pipeline.Handle(context.Background(), event))

	transitions := fx.chain.BlocksByEventType("state_transition")
	require.GreaterOrEqual(t, len(transitions), 5)

	var triggers []string
	for _, b := range transitions {
		trigger, ok := b.Data["trigger"].(string)
		require.True(t, ok)
		triggers = append(triggers, trigger)
		assert.Equal(t, "sess_fsm", b.SessionID)
	}

	// The pass opens monitor -> detect -> analyze and always parks the
	// session back in monitor once recommendations are recorded.
	assert.Equal(t, "initialize", triggers[0])
	assert.Equal(t, "detect_event", triggers[1])
	assert.Equal(t, "start_analysis", triggers[2])
	assert.Equal(t, "reject", triggers[len(triggers)-1])
	assert.Equal(t, "monitor", transitions[len(transitions)-1].Data["to"])

	// A second event in the same session reuses the machine from monitor.
	second := &events.MarketEvent{
		Envelope:        events.NewEnvelope("sess_fsm"),
		AffectedSectors: []string{"Technology"},
		Magnitude:       -0.03,
		Description:     "partial retrace",
	}
	require.NoError(t, fx.pipeline.Handle(context.Background(), second))

	after := fx.chain.BlocksByEventType("state_transition")
	initializes := 0
	for _, b := range after {
		if b.Data["trigger"] == "initialize" {
			initializes++
		}
	}
	assert.Equal(t, 1, initializes)
}

func TestPipeline_EndToEndThroughGateway(t *testing.T) {
	fx := newPipelineFixture(t)
	require.NoError(t, fx.store.SavePortfolio(testingpkg.ConcentratedPortfolio("port_tech")))

	event := &events.MarketEvent{
		Envelope:        events.NewEnvelope("sess_e2e"),
		AffectedSectors: []string{"Technology"},
		Magnitude:       -0.12,
		Description:     "chip export controls announced",
	}
	_, err := fx.gateway.Submit(event)
	require.NoError(t, err)

	n, err := fx.gateway.ProcessSession(context.Background(), "sess_e2e")
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	assert.Len(t, fx.chain.BlocksByEventType("market_event_detected"), 1)
	assert.Len(t, fx.chain.BlocksByEventType("agent_completed"), 1)
	assert.NotEmpty(t, fx.chain.BlocksByEventType("state_transition"))
	assert.True(t, fx.chain.VerifyIntegrity())
}
