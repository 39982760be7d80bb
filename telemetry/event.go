package telemetry

import (
	"time"

	"github.com/google/uuid"

	"github.com/averonhq/agentupdate/manifest"
)

// EventType names one step of the update lifecycle.
type EventType string

const (
	CheckStarted      EventType = "check_started"
	CheckCompleted    EventType = "check_completed"
	UpdateAvailable   EventType = "update_available"
	DownloadStarted   EventType = "download_started"
	DownloadProgress  EventType = "download_progress"
	DownloadCompleted EventType = "download_completed"
	DownloadFailed    EventType = "download_failed"
	ApplyStarted      EventType = "apply_started"
	ApplyCompleted    EventType = "apply_completed"
	ApplyFailed       EventType = "apply_failed"
	Deferred          EventType = "deferred"
	DeferralExpired   EventType = "deferral_expired"
)

// IsFailure reports whether the event type records a failed step.
func (t EventType) IsFailure() bool {
	return t == DownloadFailed || t == ApplyFailed
}

// Event records one orchestration step. Events are never read back.
type Event struct {
	EventID        uuid.UUID            `json:"eventId"`
	Timestamp      time.Time            `json:"timestamp"`
	Type           EventType            `json:"eventType"`
	CurrentVersion string               `json:"currentVersion,omitempty"`
	TargetVersion  string               `json:"targetVersion,omitempty"`
	Channel        string               `json:"channel,omitempty"`
	UpdateType     *manifest.UpdateType `json:"updateType,omitempty"`
	Success        bool                 `json:"success"`
	FailureReason  string               `json:"failureReason,omitempty"`
	FailureDetails string               `json:"failureDetails,omitempty"`
	DownloadTime   time.Duration        `json:"-"`
	ApplyTime      time.Duration        `json:"-"`
	DeferralCount  *int                 `json:"deferralCount,omitempty"`
	MachineID      string               `json:"machineId,omitempty"`
}

// NewEvent stamps a fresh event of type t.
func NewEvent(t EventType) Event {
	return Event{
		EventID:   uuid.New(),
		Timestamp: time.Now().UTC(),
		Type:      t,
	}
}

// wireEvent is the JSON form sent to collectors, with durations in milliseconds.
type wireEvent struct {
	Event
	DownloadTimeMs int64 `json:"downloadTimeMs,omitempty"`
	ApplyTimeMs    int64 `json:"applyTimeMs,omitempty"`
}

func toWire(e Event) wireEvent {
	return wireEvent{
		Event:          e,
		DownloadTimeMs: e.DownloadTime.Milliseconds(),
		ApplyTimeMs:    e.ApplyTime.Milliseconds(),
	}
}

// Sink records telemetry events. Implementations must not block the caller for long and must
// never panic; dropping events is acceptable.
type Sink interface {
	Track(Event)
	Flush()
}

// Nop discards every event. It is the default sink.
type Nop struct{}

func (Nop) Track(Event) {}
func (Nop) Flush()      {}

type tee []Sink

// Tee fans events out to every sink.
func Tee(sinks ...Sink) Sink {
	var active tee
	for _, s := range sinks {
		if s == nil {
			continue
		}
		if _, ok := s.(Nop); ok {
			continue
		}
		active = append(active, s)
	}
	switch len(active) {
	case 0:
		return Nop{}
	case 1:
		return active[0]
	}
	return active
}

func (t tee) Track(e Event) {
	for _, s := range t {
		s.Track(e)
	}
}

func (t tee) Flush() {
	for _, s := range t {
		s.Flush()
	}
}
