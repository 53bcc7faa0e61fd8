// Package outbound builds prefilled message text for handoff to an SMS or
// USSD surface. Nothing here sends.
package outbound

import (
	"errors"
	"fmt"
	"strings"
	"unicode/utf8"

	"vigil/internal/geo"
	"vigil/internal/store"
)

const (
	DefaultMaxDescription = 140
	roundedDecimals       = 3
	timeLayout            = "2006-01-02 15:04 MST"
)

// ErrNoRecipient is returned when the authority contact for the channel is unset.
var ErrNoRecipient = errors.New("no recipient configured")

type Channel string

const (
	ChannelSMS  Channel = "sms"
	ChannelUSSD Channel = "ussd"
)

// Options controls composition. Exact includes the true capture location;
// otherwise the public location rounded to three decimals is used.
type Options struct {
	Channel        Channel
	Exact          bool
	MaxDescription int
}

type Message struct {
	Channel   Channel `json:"channel"`
	Recipient string  `json:"recipient"`
	Body      string  `json:"body"`
}

// Compose builds the message for r addressed to the configured authority.
func Compose(r store.Report, contact store.AuthorityContact, opts Options) (Message, error) {
	channel := opts.Channel
	if channel == "" {
		channel = ChannelSMS
	}

	var recipient string
	switch channel {
	case ChannelSMS:
		recipient = contact.SMS
	case ChannelUSSD:
		recipient = contact.USSD
	default:
		return Message{}, fmt.Errorf("unknown channel %q", channel)
	}
	if strings.TrimSpace(recipient) == "" {
		return Message{}, ErrNoRecipient
	}

	maxDescription := opts.MaxDescription
	if maxDescription <= 0 {
		maxDescription = DefaultMaxDescription
	}

	var b strings.Builder
	fmt.Fprintf(&b, "Incident: %s\n", categoryLabel(r))
	fmt.Fprintf(&b, "Time: %s\n", r.CreatedAt.UTC().Format(timeLayout))
	b.WriteString("Location: " + locationLabel(r, opts.Exact) + "\n")
	b.WriteString("Details: " + Truncate(r.Description, maxDescription) + "\n")
	b.WriteString("Ref: " + r.ID)

	return Message{Channel: channel, Recipient: recipient, Body: b.String()}, nil
}

// Truncate shortens s to at most limit runes, marking the cut with "...".
func Truncate(s string, limit int) string {
	s = strings.TrimSpace(s)
	if utf8.RuneCountInString(s) <= limit {
		return s
	}
	if limit <= 3 {
		return string([]rune(s)[:limit])
	}
	return strings.TrimSpace(string([]rune(s)[:limit-3])) + "..."
}

func categoryLabel(r store.Report) string {
	if r.Category != "" {
		return r.Category
	}
	return strings.Join(r.Checklist, ", ")
}

func locationLabel(r store.Report, exact bool) string {
	if exact {
		p := r.ExactLocation
		return fmt.Sprintf("%.5f,%.5f", p.Latitude, p.Longitude)
	}
	p := geo.Round(r.PublicLocation, roundedDecimals)
	return fmt.Sprintf("%.3f,%.3f (approx. %dm)", p.Latitude, p.Longitude, r.BlurRadius)
}
