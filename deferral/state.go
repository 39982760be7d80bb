package deferral

import "time"

// State is the deferral history of one candidate version.
type State struct {
	Version          string     `json:"version"`
	DeferralCount    int        `json:"deferralCount"`
	FirstPromptTime  time.Time  `json:"firstPromptTime"`
	LastDeferralTime *time.Time `json:"lastDeferralTime,omitempty"`
	DeferUntil       *time.Time `json:"deferUntil,omitempty"`
}

// Deferred reports whether the version is still inside its deferral window at now.
func (s *State) Deferred(now time.Time) bool {
	return s != nil && s.DeferUntil != nil && now.Before(*s.DeferUntil)
}

// ForcedDeadline is the point after which the version can no longer be deferred.
func (s *State) ForcedDeadline(forcedAfter time.Duration) time.Time {
	return s.FirstPromptTime.Add(forcedAfter)
}

// allows reports whether one more deferral fits in limits at now. A deadline that has
// been reached refuses, so with ForcedAfter zero nothing can be deferred.
func (s *State) allows(now time.Time, limits Limits) bool {
	if s.DeferralCount >= limits.MaxDeferrals {
		return false
	}
	return !limits.hasDeadline() || now.Before(s.ForcedDeadline(limits.ForcedAfter))
}

func (s *State) clone() *State {
	if s == nil {
		return nil
	}
	c := *s
	if s.LastDeferralTime != nil {
		t := *s.LastDeferralTime
		c.LastDeferralTime = &t
	}
	if s.DeferUntil != nil {
		t := *s.DeferUntil
		c.DeferUntil = &t
	}
	return &c
}

// NoForcedDeadline disables the time limit of Limits.
const NoForcedDeadline time.Duration = -1

// Limits is the deferral policy a manifest sets for a version.
type Limits struct {
	MaxDeferrals int
	// ForcedAfter is measured from the first prompt. Negative means no time limit.
	ForcedAfter time.Duration
}

func (l Limits) hasDeadline() bool {
	return l.ForcedAfter >= 0
}

// LimitsFromMinutes builds Limits from manifest-style values.
func LimitsFromMinutes(maxDeferrals, minutesUntilForced int) Limits {
	return Limits{
		MaxDeferrals: maxDeferrals,
		ForcedAfter:  time.Duration(minutesUntilForced) * time.Minute,
	}
}
