// Package events provides the inbound event model and the notification bus.
package events

import (
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Type identifies an inbound event variant
type Type string

const (
	TypeMarketEvent  Type = "market_event"
	TypeHeartbeat    Type = "heartbeat"
	TypeCronJob      Type = "cron_job"
	TypeWebhook      Type = "webhook"
	TypeAgentMessage Type = "agent_message"
)

// Priority bounds for inbound events.
const (
	MinPriority     = 0
	MaxPriority     = 10
	DefaultPriority = 5
)

// Validation errors shared by all event variants.
var (
	ErrMissingSessionID = errors.New("session id cannot be empty")
	ErrInvalidPriority  = fmt.Errorf("priority must be between %d and %d", MinPriority, MaxPriority)
)

// MaxDescriptionLen bounds a market event description.
const MaxDescriptionLen = 500

// MaxInstructionsLen bounds cron job instructions.
const MaxInstructionsLen = 1000

// Envelope carries the fields shared by every event variant
type Envelope struct {
	Timestamp time.Time `json:"timestamp"`
	EventID   string    `json:"event_id"`
	SessionID string    `json:"session_id"`
	Priority  int       `json:"priority"`
}

// NewEnvelope builds an envelope with the default priority and a UTC timestamp
func NewEnvelope(sessionID string) Envelope {
	return Envelope{
		Timestamp: time.Now().UTC(),
		SessionID: sessionID,
		Priority:  DefaultPriority,
	}
}

// Meta returns the shared envelope
func (e *Envelope) Meta() *Envelope { return e }

// Validate checks the shared fields and normalizes the timestamp to UTC
func (e *Envelope) Validate() error {
	if e.SessionID == "" {
		return ErrMissingSessionID
	}
	if e.Priority < MinPriority || e.Priority > MaxPriority {
		return ErrInvalidPriority
	}
	if e.Timestamp.IsZero() {
		e.Timestamp = time.Now()
	}
	e.Timestamp = e.Timestamp.UTC()
	return nil
}

// Event is the closed set of inbound event variants
type Event interface {
	Meta() *Envelope
	Kind() Type
	Validate() error
}

// idPrefixes maps each variant to its server-assigned id prefix.
var idPrefixes = map[Type]string{
	TypeMarketEvent:  "mkt_",
	TypeHeartbeat:    "hb_",
	TypeCronJob:      "cron_",
	TypeWebhook:      "wh_",
	TypeAgentMessage: "agent_",
}

// EnsureID assigns a prefixed id when the event arrived without one
func EnsureID(e Event) string {
	meta := e.Meta()
	if meta.EventID == "" {
		meta.EventID = idPrefixes[e.Kind()] + uuid.New().String()
	}
	return meta.EventID
}

// MarketEvent signals a market move touching one or more sectors
type MarketEvent struct {
	Envelope
	AffectedSectors []string `json:"affected_sectors"`
	AffectedTickers []string `json:"affected_tickers,omitempty"`
	Description     string   `json:"description,omitempty"`
	Magnitude       float64  `json:"magnitude"`
}

// Kind returns the event type for MarketEvent
func (e *MarketEvent) Kind() Type { return TypeMarketEvent }

// Validate checks market event fields
func (e *MarketEvent) Validate() error {
	if err := e.Envelope.Validate(); err != nil {
		return err
	}
	if len(e.AffectedSectors) == 0 {
		return fmt.Errorf("affected sectors cannot be empty")
	}
	if e.Magnitude < -1 || e.Magnitude > 1 {
		return fmt.Errorf("magnitude must be between -1 and 1")
	}
	if len(e.Description) > MaxDescriptionLen {
		return fmt.Errorf("description exceeds %d characters", MaxDescriptionLen)
	}
	return nil
}

// Heartbeat triggers a periodic portfolio review
type Heartbeat struct {
	Envelope
	PortfolioIDs []string `json:"portfolio_ids"`
}

// Kind returns the event type for Heartbeat
func (e *Heartbeat) Kind() Type { return TypeHeartbeat }

// Validate checks heartbeat fields
func (e *Heartbeat) Validate() error {
	return e.Envelope.Validate()
}

// JobType identifies a scheduled cron job variant
type JobType string

const (
	JobTypeDailyReview        JobType = "daily_review"
	JobTypeEODTax             JobType = "eod_tax"
	JobTypeQuarterlyRebalance JobType = "quarterly_rebalance"
)

// IsValid checks if the job type is known
func (jt JobType) IsValid() bool {
	switch jt {
	case JobTypeDailyReview, JobTypeEODTax, JobTypeQuarterlyRebalance:
		return true
	}
	return false
}

// CronJob carries a scheduler-fired job into the gateway
type CronJob struct {
	Envelope
	JobType      JobType `json:"job_type"`
	Instructions string  `json:"instructions,omitempty"`
}

// Kind returns the event type for CronJob
func (e *CronJob) Kind() Type { return TypeCronJob }

// Validate checks cron job fields
func (e *CronJob) Validate() error {
	if err := e.Envelope.Validate(); err != nil {
		return err
	}
	if !e.JobType.IsValid() {
		return fmt.Errorf("invalid cron job type: %s", e.JobType)
	}
	if len(e.Instructions) > MaxInstructionsLen {
		return fmt.Errorf("instructions exceed %d characters", MaxInstructionsLen)
	}
	return nil
}

// Webhook carries an external notification into the gateway
type Webhook struct {
	Envelope
	Source  string         `json:"source"`
	Payload map[string]any `json:"payload,omitempty"`
}

// Kind returns the event type for Webhook
func (e *Webhook) Kind() Type { return TypeWebhook }

// Validate checks webhook fields
func (e *Webhook) Validate() error {
	if err := e.Envelope.Validate(); err != nil {
		return err
	}
	if e.Source == "" {
		return fmt.Errorf("webhook source cannot be empty")
	}
	return nil
}

// PayloadType returns payload["type"] as a string, or "" when absent
func (e *Webhook) PayloadType() string {
	if e.Payload == nil {
		return ""
	}
	if v, ok := e.Payload["type"].(string); ok {
		return v
	}
	return ""
}

// AgentMessage carries a message between agents through the gateway
type AgentMessage struct {
	Envelope
	FromAgent string         `json:"from_agent"`
	ToAgent   string         `json:"to_agent"`
	Context   map[string]any `json:"context,omitempty"`
}

// Kind returns the event type for AgentMessage
func (e *AgentMessage) Kind() Type { return TypeAgentMessage }

// Validate checks agent message fields
func (e *AgentMessage) Validate() error {
	if err := e.Envelope.Validate(); err != nil {
		return err
	}
	if e.FromAgent == "" || e.ToAgent == "" {
		return fmt.Errorf("agent message requires from and to agents")
	}
	return nil
}
