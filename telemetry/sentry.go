package telemetry

import (
	"fmt"
	"time"

	"github.com/getsentry/sentry-go"
)

const sentryFlushTimeout = time.Second * 2

// SentrySink reports failed update steps to Sentry. Other events are ignored.
type SentrySink struct {
	hub *sentry.Hub
}

// NewSentrySink creates a sink with its own Sentry client, so it does not interfere with a
// host that configured the global hub.
func NewSentrySink(options sentry.ClientOptions) (*SentrySink, error) {
	client, err := sentry.NewClient(options)
	if err != nil {
		return nil, err
	}
	return &SentrySink{hub: sentry.NewHub(client, sentry.NewScope())}, nil
}

func (s *SentrySink) Track(e Event) {
	if !e.Type.IsFailure() && !(e.Type == CheckCompleted && !e.Success) {
		return
	}
	s.hub.WithScope(func(scope *sentry.Scope) {
		scope.SetLevel(sentry.LevelError)
		scope.SetTag("event_type", string(e.Type))
		scope.SetTag("current_version", e.CurrentVersion)
		if e.TargetVersion != "" {
			scope.SetTag("target_version", e.TargetVersion)
		}
		if e.Channel != "" {
			scope.SetTag("channel", e.Channel)
		}
		if e.MachineID != "" {
			scope.SetUser(sentry.User{ID: e.MachineID})
		}
		if e.FailureDetails != "" {
			scope.SetExtra("details", e.FailureDetails)
		}
		s.hub.CaptureMessage(fmt.Sprintf("%s: %s", e.Type, e.FailureReason))
	})
}

func (s *SentrySink) Flush() {
	s.hub.Flush(sentryFlushTimeout)
}
