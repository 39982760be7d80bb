package manifest

import (
	"fmt"
	"strconv"
	"strings"
)

const (
	DefaultMaxDeferrals       = 3
	DefaultMinutesUntilForced = 10080 // 7 days
)

// UpdateType classifies how urgently an update must be applied.
type UpdateType int

const (
	// Silent updates are applied automatically on the next exit, without user interaction.
	Silent UpdateType = iota
	// Prompted updates may be installed now or deferred by the user.
	Prompted
	// Forced updates must be installed, but the user confirms when.
	Forced
	// SecurityHotfix updates must be installed immediately.
	SecurityHotfix
)

var updateTypeNames = map[UpdateType]string{
	Silent:         "silent",
	Prompted:       "prompted",
	Forced:         "forced",
	SecurityHotfix: "securityHotfix",
}

func (t UpdateType) String() string {
	if name, ok := updateTypeNames[t]; ok {
		return name
	}
	return fmt.Sprintf("UpdateType(%d)", int(t))
}

// IsCritical reports whether the update can never be postponed.
func (t UpdateType) IsCritical() bool {
	return t == Forced || t == SecurityHotfix
}

// Deferrable reports whether a user may defer this kind of update at all.
func (t UpdateType) Deferrable() bool {
	return t == Prompted
}

// ParseUpdateType accepts the numeric form and case-insensitive names, with or without
// separators ("SecurityHotfix", "security_hotfix", "security-hotfix").
func ParseUpdateType(s string) (UpdateType, error) {
	s = strings.TrimSpace(s)
	if n, err := strconv.Atoi(s); err == nil {
		t := UpdateType(n)
		if _, ok := updateTypeNames[t]; !ok {
			return 0, fmt.Errorf("unknown update type %d", n)
		}
		return t, nil
	}
	normalized := strings.ToLower(strings.NewReplacer("_", "", "-", "", " ", "").Replace(s))
	for t, name := range updateTypeNames {
		if strings.ToLower(name) == normalized {
			return t, nil
		}
	}
	return 0, fmt.Errorf("unknown update type %q", s)
}

func (t UpdateType) MarshalText() ([]byte, error) {
	if _, ok := updateTypeNames[t]; !ok {
		return nil, fmt.Errorf("unknown update type %d", int(t))
	}
	return []byte(t.String()), nil
}

func (t *UpdateType) UnmarshalText(text []byte) error {
	parsed, err := ParseUpdateType(string(text))
	if err != nil {
		return err
	}
	*t = parsed
	return nil
}

// UnmarshalJSON takes both `2` and `"forced"`.
func (t *UpdateType) UnmarshalJSON(data []byte) error {
	s := string(data)
	if unquoted, err := strconv.Unquote(s); err == nil {
		s = unquoted
	}
	return t.UnmarshalText([]byte(s))
}

// Manifest is the release policy published next to the artifacts of one version.
type Manifest struct {
	Version            string     `json:"version"`
	Channel            string     `json:"channel,omitempty"`
	Type               UpdateType `json:"updateType"`
	ReleaseNotes       string     `json:"releaseNotes,omitempty"`
	ReleaseNotesURL    string     `json:"releaseNotesUrl,omitempty"`
	MaxDeferrals       int        `json:"maxDeferrals"`
	MinutesUntilForced int        `json:"minutesUntilForced"`
	MinimumVersion     string     `json:"minimumVersion,omitempty"`
	DeprecatedVersions []string   `json:"deprecatedVersions,omitempty"`
}

// wireManifest is the decoding form. Older manifests name the type field "type".
type wireManifest struct {
	Version            string      `json:"version"`
	Channel            string      `json:"channel"`
	UpdateType         *UpdateType `json:"updateType"`
	LegacyType         *UpdateType `json:"type"`
	ReleaseNotes       string      `json:"releaseNotes"`
	ReleaseNotesURL    string      `json:"releaseNotesUrl"`
	MaxDeferrals       *int        `json:"maxDeferrals"`
	MinutesUntilForced *int        `json:"minutesUntilForced"`
	MinimumVersion     string      `json:"minimumVersion"`
	DeprecatedVersions []string    `json:"deprecatedVersions"`
}

// Parse decodes a manifest document, filling in the policy defaults for absent keys.
func Parse(data []byte) (*Manifest, error) {
	var w wireManifest
	if err := json.Unmarshal(data, &w); err != nil {
		return nil, err
	}

	m := &Manifest{
		Version:            w.Version,
		Channel:            w.Channel,
		Type:               Prompted,
		ReleaseNotes:       w.ReleaseNotes,
		ReleaseNotesURL:    w.ReleaseNotesURL,
		MaxDeferrals:       DefaultMaxDeferrals,
		MinutesUntilForced: DefaultMinutesUntilForced,
		MinimumVersion:     w.MinimumVersion,
		DeprecatedVersions: w.DeprecatedVersions,
	}
	switch {
	case w.UpdateType != nil:
		m.Type = *w.UpdateType
	case w.LegacyType != nil:
		m.Type = *w.LegacyType
	}
	if w.MaxDeferrals != nil {
		m.MaxDeferrals = *w.MaxDeferrals
	}
	if w.MinutesUntilForced != nil {
		m.MinutesUntilForced = *w.MinutesUntilForced
	}
	return m, nil
}
