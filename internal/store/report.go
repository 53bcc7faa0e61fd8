package store

import (
	"fmt"
	"time"

	"vigil/internal/geo"
)

// Status is a report lifecycle state.
type Status string

const (
	StatusQueued     Status = "queued"
	StatusSubmitted  Status = "submitted"
	StatusReceived   Status = "received"
	StatusInProgress Status = "in_progress"
	StatusResolved   Status = "resolved"
)

// lifecycle is the strict forward order of states.
var lifecycle = []Status{StatusQueued, StatusSubmitted, StatusReceived, StatusInProgress, StatusResolved}

// Rank returns the position of s in the lifecycle order, or -1 if unknown.
func (s Status) Rank() int {
	for i, candidate := range lifecycle {
		if candidate == s {
			return i
		}
	}
	return -1
}

// Next returns the following state. ok is false for Resolved and unknown states.
func (s Status) Next() (Status, bool) {
	rank := s.Rank()
	if rank < 0 || rank == len(lifecycle)-1 {
		return "", false
	}
	return lifecycle[rank+1], true
}

// Terminal reports whether no further transition is accepted.
func (s Status) Terminal() bool { return s == StatusResolved }

func (s *Status) UnmarshalText(text []byte) error {
	candidate := Status(text)
	if candidate.Rank() < 0 {
		return fmt.Errorf("unknown status %q", string(text))
	}
	*s = candidate
	return nil
}

// MediaKind is the attachment type.
type MediaKind string

const (
	MediaImage MediaKind = "image"
	MediaVideo MediaKind = "video"
	MediaAudio MediaKind = "audio"
)

// Valid reports whether k is a supported attachment kind.
func (k MediaKind) Valid() bool {
	return k == MediaImage || k == MediaVideo || k == MediaAudio
}

// Media is an attachment. Ref is a content address in the media store.
// Locked media is withheld from any transmission until safe-upload clears.
type Media struct {
	Kind   MediaKind `json:"kind"`
	Name   string    `json:"name"`
	Ref    string    `json:"ref"`
	Locked bool      `json:"locked"`
}

// Contact is optional callback information, only present on non-anonymous reports.
type Contact struct {
	Phone         string `json:"phone,omitempty"`
	Email         string `json:"email,omitempty"`
	WantsCallback bool   `json:"wantsCallback"`
	PreferredTime string `json:"preferredTime,omitempty"`
}

// HistoryEntry records one lifecycle transition.
type HistoryEntry struct {
	State     Status    `json:"state"`
	Timestamp time.Time `json:"timestamp"`
}

// SafeUpload tracks the transmission lock of a capture.
// Required=false implies Ready=true. Ready never reverts once true.
type SafeUpload struct {
	Required      bool      `json:"required"`
	Ready         bool      `json:"ready"`
	CaptureOrigin geo.Point `json:"captureOrigin"`
	CreatedAt     time.Time `json:"createdAt"`
}

// Report is one observed incident.
type Report struct {
	ID             string         `json:"id"`
	CreatedAt      time.Time      `json:"createdAt"`
	Category       string         `json:"category"`
	Checklist      []string       `json:"checklist,omitempty"`
	Description    string         `json:"description"`
	ExactLocation  geo.Point      `json:"exactLocation"`
	BlurRadius     int            `json:"blurRadius"`
	PublicLocation geo.Point      `json:"publicLocation"`
	Media          []Media        `json:"media"`
	Anonymous      bool           `json:"anonymous"`
	Contact        *Contact       `json:"contact,omitempty"`
	RewardOptIn    bool           `json:"rewardOptIn"`
	Status         Status         `json:"status"`
	History        []HistoryEntry `json:"history"`
	SafeUpload     SafeUpload     `json:"safeUpload"`
}

// Clone returns a deep copy so callers can mutate without aliasing the stored value.
func (r Report) Clone() Report {
	out := r
	if r.Checklist != nil {
		out.Checklist = append([]string(nil), r.Checklist...)
	}
	if r.Media != nil {
		out.Media = append([]Media(nil), r.Media...)
	}
	if r.History != nil {
		out.History = append([]HistoryEntry(nil), r.History...)
	}
	if r.Contact != nil {
		contact := *r.Contact
		out.Contact = &contact
	}
	out.ExactLocation = clonePoint(r.ExactLocation)
	out.PublicLocation = clonePoint(r.PublicLocation)
	out.SafeUpload.CaptureOrigin = clonePoint(r.SafeUpload.CaptureOrigin)
	return out
}

// Transition sets the status and appends the matching history entry.
func (r *Report) Transition(to Status, at time.Time) {
	r.Status = to
	r.History = append(r.History, HistoryEntry{State: to, Timestamp: at})
}

func clonePoint(p geo.Point) geo.Point {
	if p.Accuracy != nil {
		acc := *p.Accuracy
		p.Accuracy = &acc
	}
	return p
}

// CloneReports deep-copies a collection.
func CloneReports(reports []Report) []Report {
	out := make([]Report, len(reports))
	for i, r := range reports {
		out[i] = r.Clone()
	}
	return out
}

// AuthorityContact holds the outbound numbers of the receiving authority.
type AuthorityContact struct {
	SMS  string `json:"sms"`
	USSD string `json:"ussd"`
}

// SafePolicy parameterizes safe-upload gating.
type SafePolicy struct {
	MinMeters      float64 `json:"minMeters"`
	MaxWaitMinutes int     `json:"maxWaitMinutes"`
}

// Settings is the process-wide user configuration.
type Settings struct {
	AuthorityContact AuthorityContact `json:"authorityContact"`
	SafePolicy       SafePolicy       `json:"safePolicy"`
}

// DefaultSettings returns the first-run settings.
func DefaultSettings() Settings {
	return Settings{
		SafePolicy: SafePolicy{MinMeters: 1000, MaxWaitMinutes: 30},
	}
}
