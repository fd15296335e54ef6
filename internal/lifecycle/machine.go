// Package lifecycle provides the per-session finite state machine that
// tracks an analysis from detection through recommendation to execution.
// Every transition is recorded on the audit chain.
package lifecycle

import (
	"fmt"
	"sync"

	"github.com/rs/zerolog"

	"github.com/meridianfo/vigil/internal/chain"
	"github.com/meridianfo/vigil/internal/events"
)

// State is one of the seven session states
type State string

const (
	StateMonitor            State = "monitor"
	StateDetect             State = "detect"
	StateAnalyze            State = "analyze"
	StateConflictResolution State = "conflict_resolution"
	StateRecommend          State = "recommend"
	StateApproved           State = "approved"
	StateExecute            State = "execute"
)

// States lists every state in declaration order
var States = []State{
	StateMonitor,
	StateDetect,
	StateAnalyze,
	StateConflictResolution,
	StateRecommend,
	StateApproved,
	StateExecute,
}

// IsValid checks if the state is a known value
func (s State) IsValid() bool {
	for _, known := range States {
		if s == known {
			return true
		}
	}
	return false
}

// Trigger names a state machine input
type Trigger string

const (
	TriggerInitialize      Trigger = "initialize"
	TriggerDetectEvent     Trigger = "detect_event"
	TriggerStartAnalysis   Trigger = "start_analysis"
	TriggerReset           Trigger = "reset"
	TriggerDetectConflict  Trigger = "detect_conflict"
	TriggerNoConflict      Trigger = "no_conflict"
	TriggerResolveConflict Trigger = "resolve_conflict"
	TriggerApprove         Trigger = "approve"
	TriggerReject          Trigger = "reject"
	TriggerExecute         Trigger = "execute"
	TriggerAbort           Trigger = "abort"
	TriggerComplete        Trigger = "complete"
)

type row struct {
	from    State
	trigger Trigger
	to      State
}

// transitionRows is the full transition table. Row order matters:
// TransitionTo resolves ambiguous targets by first matching row.
var transitionRows = []row{
	{StateMonitor, TriggerDetectEvent, StateDetect},
	{StateDetect, TriggerStartAnalysis, StateAnalyze},
	{StateDetect, TriggerReset, StateMonitor},
	{StateAnalyze, TriggerDetectConflict, StateConflictResolution},
	{StateAnalyze, TriggerNoConflict, StateRecommend},
	{StateAnalyze, TriggerReset, StateMonitor},
	{StateConflictResolution, TriggerResolveConflict, StateRecommend},
	{StateConflictResolution, TriggerReset, StateMonitor},
	{StateRecommend, TriggerApprove, StateApproved},
	{StateRecommend, TriggerReject, StateMonitor},
	{StateApproved, TriggerExecute, StateExecute},
	{StateApproved, TriggerAbort, StateMonitor},
	{StateExecute, TriggerComplete, StateMonitor},
	{StateExecute, TriggerAbort, StateMonitor},
}

var transitions = func() map[State]map[Trigger]State {
	table := make(map[State]map[Trigger]State)
	for _, r := range transitionRows {
		if table[r.from] == nil {
			table[r.from] = make(map[Trigger]State)
		}
		table[r.from][r.trigger] = r.to
	}
	return table
}()

// resetTriggers maps each non-monitor state to the trigger that returns it
// to monitor.
var resetTriggers = map[State]Trigger{
	StateDetect:             TriggerReset,
	StateAnalyze:            TriggerReset,
	StateConflictResolution: TriggerReset,
	StateRecommend:          TriggerReject,
	StateApproved:           TriggerAbort,
	StateExecute:            TriggerAbort,
}

// InvalidTransitionError reports a trigger with no row for the current state
type InvalidTransitionError struct {
	From    State
	Trigger Trigger
}

func (e *InvalidTransitionError) Error() string {
	return fmt.Sprintf("no transition from state %s on trigger %s", e.From, e.Trigger)
}

// Options configures a machine
type Options struct {
	// InitialState defaults to monitor.
	InitialState State
	// Bus optionally receives a state_changed notification per transition.
	Bus *events.Bus
}

// Machine is a per-session state machine. Transitions are strictly serial.
type Machine struct {
	mu        sync.Mutex
	sessionID string
	state     State
	chain     *chain.Chain
	bus       *events.Bus
	log       zerolog.Logger
}

// New creates a machine in the configured initial state and logs the
// initialize transition (from null)
func New(sessionID string, c *chain.Chain, opts Options, log zerolog.Logger) *Machine {
	initial := opts.InitialState
	if initial == "" {
		initial = StateMonitor
	}
	m := &Machine{
		sessionID: sessionID,
		state:     initial,
		chain:     c,
		bus:       opts.Bus,
		log:       log.With().Str("component", "lifecycle").Str("session_id", sessionID).Logger(),
	}
	m.logTransition(nil, initial, TriggerInitialize, nil)
	return m
}

// State returns the current state
func (m *Machine) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// CanFire reports whether the trigger has a row for the current state
func (m *Machine) CanFire(trigger Trigger) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := transitions[m.state][trigger]
	return ok
}

// AvailableTriggers returns the triggers usable from the current state, in
// table order
func (m *Machine) AvailableTriggers() []Trigger {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []Trigger
	for _, r := range transitionRows {
		if r.from == m.state {
			out = append(out, r.trigger)
		}
	}
	return out
}

// Fire applies a trigger. An invalid trigger returns InvalidTransitionError
// without mutating state or logging a block.
func (m *Machine) Fire(trigger Trigger, metadata map[string]any) (State, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	to, ok := transitions[m.state][trigger]
	if !ok {
		return m.state, &InvalidTransitionError{From: m.state, Trigger: trigger}
	}

	from := m.state
	m.state = to
	m.logTransition(&from, to, trigger, metadata)

	m.log.Debug().
		Str("from", string(from)).
		Str("to", string(to)).
		Str("trigger", string(trigger)).
		Msg("State transition")
	return to, nil
}

// TransitionTo fires the first-table-order trigger leading from the current
// state to the target. A target with no path returns InvalidTransitionError.
func (m *Machine) TransitionTo(target State, metadata map[string]any) (Trigger, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, r := range transitionRows {
		if r.from == m.state && r.to == target {
			from := m.state
			m.state = target
			m.logTransition(&from, target, r.trigger, metadata)
			return r.trigger, nil
		}
	}
	return "", fmt.Errorf("no path from state %s to state %s", m.state, target)
}

// ResetToMonitor returns the session to monitor using the trigger appropriate
// for the current state. Already in monitor is a no-op.
func (m *Machine) ResetToMonitor(reason string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.state == StateMonitor {
		return nil
	}
	trigger, ok := resetTriggers[m.state]
	if !ok {
		return &InvalidTransitionError{From: m.state, Trigger: TriggerReset}
	}

	from := m.state
	m.state = StateMonitor
	m.logTransition(&from, StateMonitor, trigger, map[string]any{"reason": reason})
	return nil
}

// logTransition records a state_transition block. Callers hold the lock.
func (m *Machine) logTransition(from *State, to State, trigger Trigger, metadata map[string]any) {
	data := map[string]any{
		"event_type": "state_transition",
		"session_id": m.sessionID,
		"actor":      "lifecycle",
		"action":     string(trigger),
		"to":         string(to),
		"trigger":    string(trigger),
	}
	if from != nil {
		data["from"] = string(*from)
	} else {
		data["from"] = nil
	}
	if len(metadata) > 0 {
		data["metadata"] = metadata
	}
	if _, err := m.chain.Add(data); err != nil {
		m.log.Error().Err(err).Str("trigger", string(trigger)).Msg("Failed to log state transition")
	}

	if m.bus != nil {
		m.bus.Emit(events.NotificationStateChanged, "lifecycle", map[string]any{
			"session_id": m.sessionID,
			"from":       data["from"],
			"to":         string(to),
			"trigger":    string(trigger),
		})
	}
}
