package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"vigil/internal/logger"
)

const (
	reportsKey  = "reports"
	settingsKey = "settings"
)

// Store persists the report collection and settings on a KV backend.
// Missing or unreadable data is replaced by defaults and never surfaced to callers.
type Store struct {
	kv     KV
	prefix string
	log    *logger.Logger
}

func New(kv KV, prefix string, log *logger.Logger) *Store {
	if log == nil {
		log = logger.Nop()
	}
	return &Store{kv: kv, prefix: prefix, log: log.WithComponent("store")}
}

// ReportsKey returns the namespaced key of the report collection.
func (s *Store) ReportsKey() string { return s.prefix + reportsKey }

// SettingsKey returns the namespaced key of the settings document.
func (s *Store) SettingsKey() string { return s.prefix + settingsKey }

// LoadReports returns the persisted collection. An error is returned only when
// the backend itself fails; corrupt data yields an empty collection.
func (s *Store) LoadReports(ctx context.Context) ([]Report, error) {
	raw, err := s.kv.Get(ctx, s.ReportsKey())
	if errors.Is(err, ErrNotFound) {
		return []Report{}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("load reports: %w", err)
	}

	var reports []Report
	if err := json.Unmarshal(raw, &reports); err != nil {
		s.log.Warn("discarding unreadable report collection", "key", s.ReportsKey(), "error", err)
		return []Report{}, nil
	}
	if reports == nil {
		reports = []Report{}
	}
	return reports, nil
}

// SaveReports replaces the persisted collection.
func (s *Store) SaveReports(ctx context.Context, reports []Report) error {
	if reports == nil {
		reports = []Report{}
	}
	raw, err := json.Marshal(reports)
	if err != nil {
		return fmt.Errorf("encode reports: %w", err)
	}
	if err := s.kv.Set(ctx, s.ReportsKey(), raw); err != nil {
		return fmt.Errorf("save reports: %w", err)
	}
	return nil
}

// LoadSettings returns the persisted settings or DefaultSettings.
func (s *Store) LoadSettings(ctx context.Context) (Settings, error) {
	raw, err := s.kv.Get(ctx, s.SettingsKey())
	if errors.Is(err, ErrNotFound) {
		return DefaultSettings(), nil
	}
	if err != nil {
		return Settings{}, fmt.Errorf("load settings: %w", err)
	}

	var settings Settings
	if err := json.Unmarshal(raw, &settings); err != nil {
		s.log.Warn("discarding unreadable settings", "key", s.SettingsKey(), "error", err)
		return DefaultSettings(), nil
	}
	if settings.SafePolicy.MinMeters < 0 || settings.SafePolicy.MaxWaitMinutes < 0 {
		s.log.Warn("discarding invalid safe policy", "key", s.SettingsKey())
		settings.SafePolicy = DefaultSettings().SafePolicy
	}
	return settings, nil
}

// SaveSettings replaces the persisted settings.
func (s *Store) SaveSettings(ctx context.Context, settings Settings) error {
	raw, err := json.Marshal(settings)
	if err != nil {
		return fmt.Errorf("encode settings: %w", err)
	}
	if err := s.kv.Set(ctx, s.SettingsKey(), raw); err != nil {
		return fmt.Errorf("save settings: %w", err)
	}
	return nil
}

// Ping checks the backend.
func (s *Store) Ping(ctx context.Context) error {
	return s.kv.Ping(ctx)
}

// Close releases the backend.
func (s *Store) Close() error {
	return s.kv.Close()
}

// MarshalReport encodes one report in its persisted form.
func MarshalReport(r Report) ([]byte, error) {
	return json.Marshal(r)
}

// UnmarshalReport decodes a report produced by MarshalReport.
func UnmarshalReport(raw []byte) (Report, error) {
	var r Report
	if err := json.Unmarshal(raw, &r); err != nil {
		return Report{}, fmt.Errorf("decode report: %w", err)
	}
	return r, nil
}
