package model

import (
	"fmt"
	"regexp"
	"time"
	"unicode/utf8"
)

// MessageType selects the aggregator channel and constrains the payload.
type MessageType string

const (
	MessageTypeSMS MessageType = "SMS"
	MessageTypeLMS MessageType = "LMS"
	MessageTypeMMS MessageType = "MMS"
)

const (
	MaxTextRunesSMS = 90
	MaxTextRunesLMS = 2000
	MaxTextRunesMMS = 2000
)

// MaxTextRunes returns the text cap the aggregator enforces for this type.
func (t MessageType) MaxTextRunes() int {
	if t == MessageTypeSMS {
		return MaxTextRunesSMS
	}
	return MaxTextRunesLMS
}

// AllowsMedia reports whether an image may ride along with this type.
func (t MessageType) AllowsMedia() bool {
	return t == MessageTypeMMS
}

func (t MessageType) Valid() bool {
	switch t {
	case MessageTypeSMS, MessageTypeLMS, MessageTypeMMS:
		return true
	}
	return false
}

type CampaignMessage struct {
	ID           int64          `json:"id"`
	Text         string         `json:"text"`
	Type         MessageType    `json:"type"`
	Media        MediaRef       `json:"media"`
	Recipients   []string       `json:"recipients"` // normalized, digits only, ordered
	Status       CampaignStatus `json:"status"`
	GroupIDs     GroupIDSet     `json:"group_ids"`
	SentCount    int            `json:"sent_count"`
	SuccessCount int            `json:"success_count"`
	FailCount    int            `json:"fail_count"`
	SentAt       *time.Time     `json:"sent_at,omitempty"`
	ScheduledAt  *time.Time     `json:"scheduled_at,omitempty"`
	CreatedAt    time.Time      `json:"created_at"`
	UpdatedAt    time.Time      `json:"updated_at"`
}

// ValidationError is a pre-dispatch rejection. The aggregator is never
// called for a message that fails validation.
type ValidationError struct {
	Reason string
}

func (e *ValidationError) Error() string {
	return "validation: " + e.Reason
}

func invalidf(format string, args ...interface{}) *ValidationError {
	return &ValidationError{Reason: fmt.Sprintf(format, args...)}
}

var digitsOnly = regexp.MustCompile(`^\d{10,11}$`)

// ValidateForDispatch checks everything that must hold before the first
// aggregator call. Violations are reported, never coerced.
func (m *CampaignMessage) ValidateForDispatch() error {
	if !m.Type.Valid() {
		return invalidf("unknown message type %q", string(m.Type))
	}
	if m.Text == "" {
		return invalidf("message text is empty")
	}
	if n := utf8.RuneCountInString(m.Text); n > m.Type.MaxTextRunes() {
		return invalidf("%s text is %d runes, cap is %d", m.Type, n, m.Type.MaxTextRunes())
	}
	if m.Media.Kind != MediaNone && !m.Type.AllowsMedia() {
		return invalidf("%s does not allow media", m.Type)
	}
	if m.Type == MessageTypeMMS && m.Media.Kind == MediaNone {
		return invalidf("MMS requires media")
	}
	if len(m.Recipients) == 0 {
		return invalidf("recipient list is empty")
	}
	for _, p := range m.Recipients {
		if !digitsOnly.MatchString(p) {
			return invalidf("recipient %q is not a normalized phone number", p)
		}
	}
	return nil
}

// CampaignCreateRequest is the authoring payload for a new draft.
type CampaignCreateRequest struct {
	Text        string      `json:"text"`
	Type        MessageType `json:"type"`
	MediaRef    string      `json:"media_ref,omitempty"` // object-storage URL or aggregator handle
	Recipients  []string    `json:"recipients"`
	ScheduledAt *time.Time  `json:"scheduled_at,omitempty"`
}

// CampaignFilter controls List queries.
type CampaignFilter struct {
	Statuses []CampaignStatus // IN (...)
	From     *time.Time
	To       *time.Time
	Limit    int
	Offset   int
	Desc     bool // order by created_at
}
