// Package events publishes lifecycle notifications. Payloads carry only the
// public projection of a report; exact location and contact never leave.
package events

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/nats-io/nats.go"

	"vigil/internal/geo"
	"vigil/internal/logger"
	"vigil/internal/store"
)

const subjectPrefix = "vigil.report."

type Kind string

const (
	KindCreated    Kind = "created"
	KindTransition Kind = "transition"
	KindDeleted    Kind = "deleted"
)

type Event struct {
	Kind           Kind         `json:"kind"`
	ReportID       string       `json:"report_id"`
	Status         store.Status `json:"status,omitempty"`
	Category       string       `json:"category,omitempty"`
	PublicLocation *geo.Point   `json:"public_location,omitempty"`
	BlurRadius     int          `json:"blur_radius,omitempty"`
	At             time.Time    `json:"at"`
}

// Subject returns the NATS subject of e, e.g. vigil.report.submitted or vigil.report.deleted.
func (e Event) Subject() string {
	if e.Kind == KindDeleted {
		return subjectPrefix + string(KindDeleted)
	}
	return subjectPrefix + string(e.Status)
}

// FromReport builds an event from the public fields of r.
func FromReport(kind Kind, r store.Report, at time.Time) Event {
	public := r.PublicLocation
	public.Accuracy = nil
	return Event{
		Kind:           kind,
		ReportID:       r.ID,
		Status:         r.Status,
		Category:       r.Category,
		PublicLocation: &public,
		BlurRadius:     r.BlurRadius,
		At:             at,
	}
}

// Deleted builds a deletion event.
func Deleted(id string, at time.Time) Event {
	return Event{Kind: KindDeleted, ReportID: id, At: at}
}

type Publisher interface {
	Publish(ctx context.Context, e Event) error
}

// Nop drops every event.
type Nop struct{}

func (Nop) Publish(context.Context, Event) error { return nil }

// NATSPublisher sends events as JSON on a NATS connection.
type NATSPublisher struct {
	nc     *nats.Conn
	logger *logger.Logger
}

// Connect dials url with reconnects enabled.
func Connect(url string, log *logger.Logger) (*NATSPublisher, error) {
	nc, err := nats.Connect(url,
		nats.Name("vigil"),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2*time.Second),
	)
	if err != nil {
		return nil, fmt.Errorf("connect to nats: %w", err)
	}
	return NewNATSPublisher(nc, log), nil
}

func NewNATSPublisher(nc *nats.Conn, log *logger.Logger) *NATSPublisher {
	if log == nil {
		log = logger.Nop()
	}
	return &NATSPublisher{nc: nc, logger: log.WithComponent("events")}
}

func (p *NATSPublisher) Publish(_ context.Context, e Event) error {
	data, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("failed to marshal event: %w", err)
	}
	if err := p.nc.Publish(e.Subject(), data); err != nil {
		return fmt.Errorf("failed to publish %s: %w", e.Subject(), err)
	}
	p.logger.Debug("event published",
		slog.String("subject", e.Subject()),
		slog.String("report_id", e.ReportID))
	return nil
}

// Close drains pending messages and closes the connection.
func (p *NATSPublisher) Close() error {
	if err := p.nc.Drain(); err != nil {
		return fmt.Errorf("failed to drain nats connection: %w", err)
	}
	return nil
}
