package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"strings"
	"sync"
	"time"

	"vigil/internal/archive"
	"vigil/internal/events"
	"vigil/internal/geo"
	"vigil/internal/logger"
	"vigil/internal/media"
	"vigil/internal/metrics"
	"vigil/internal/outbound"
	"vigil/internal/safeupload"
	"vigil/internal/search"
	"vigil/internal/store"
	"vigil/internal/util"
)

// Connectivity reports whether the device can reach the network.
type Connectivity interface {
	Online() bool
}

type alwaysOnline struct{}

func (alwaysOnline) Online() bool { return true }

// Options wires the collaborators of a Service. Store and Sampler are required.
type Options struct {
	Store        *store.Store
	Sampler      *geo.Sampler
	Clock        func() time.Time
	Connectivity Connectivity
	Media        *media.Ingester
	Search       *search.Service
	Archive      *archive.Archive
	Events       events.Publisher
	Metrics      *metrics.Metrics
	Logger       *logger.Logger
	// Seed replaces the default settings when nothing else has been saved.
	Seed *store.Settings
}

// Service owns the report collection and settings. Every mutation takes the
// single writer lock, builds the next collection from a copy, persists it and
// only then swaps it in, so readers never see a state that was not stored.
type Service struct {
	mu       sync.Mutex
	reports  []store.Report
	settings store.Settings

	store        *store.Store
	sampler      *geo.Sampler
	now          func() time.Time
	connectivity Connectivity
	media        *media.Ingester
	search       *search.Service
	archive      *archive.Archive
	events       events.Publisher
	metrics      *metrics.Metrics
	log          *logger.Logger
	seed         *store.Settings
}

func New(opts Options) *Service {
	s := &Service{
		reports:      []store.Report{},
		settings:     store.DefaultSettings(),
		store:        opts.Store,
		sampler:      opts.Sampler,
		now:          opts.Clock,
		connectivity: opts.Connectivity,
		media:        opts.Media,
		search:       opts.Search,
		archive:      opts.Archive,
		events:       opts.Events,
		metrics:      opts.Metrics,
		log:          opts.Logger,
		seed:         opts.Seed,
	}
	if s.sampler == nil {
		s.sampler = geo.NewSampler(nil)
	}
	if s.now == nil {
		s.now = time.Now
	}
	if s.connectivity == nil {
		s.connectivity = alwaysOnline{}
	}
	if s.media == nil {
		s.media = media.NewIngester(media.NewSanitizer(1600), media.NewMemoryStore())
	}
	if s.search == nil {
		s.search = search.NewService(nil, opts.Logger)
	}
	if s.events == nil {
		s.events = events.Nop{}
	}
	if s.metrics == nil {
		s.metrics = metrics.New()
	}
	if s.log == nil {
		s.log = logger.Nop()
	}
	s.log = s.log.WithComponent("reports")
	return s
}

// Bootstrap loads the persisted state and rebuilds the search index.
func (s *Service) Bootstrap(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	reports, err := s.store.LoadReports(ctx)
	if err != nil {
		return fmt.Errorf("bootstrap reports: %w", err)
	}
	settings, err := s.store.LoadSettings(ctx)
	if err != nil {
		return fmt.Errorf("bootstrap settings: %w", err)
	}
	if s.seed != nil && settings == store.DefaultSettings() && *s.seed != settings {
		if err := validateSettings(*s.seed); err != nil {
			s.log.Warn("ignoring invalid seed settings", slog.String("error", err.Error()))
		} else if err := s.store.SaveSettings(ctx, *s.seed); err != nil {
			return fmt.Errorf("bootstrap seed settings: %w", err)
		} else {
			settings = *s.seed
		}
	}

	s.reports = reports
	s.settings = settings

	records := make([]search.Record, 0, len(reports))
	for _, r := range reports {
		records = append(records, search.RecordFromReport(r))
	}
	s.search.ReindexAll(records)
	s.metrics.ObserveReports(reports)

	s.log.Info("state loaded", slog.Int("reports", len(reports)))
	return nil
}

// CreateInput is a capture handed over by the form.
type CreateInput struct {
	Category    string         `json:"category"`
	Checklist   []string       `json:"checklist"`
	Description string         `json:"description"`
	Location    *geo.Point     `json:"location"`
	BlurRadius  int            `json:"blurRadius"`
	Media       []store.Media  `json:"media"`
	Anonymous   bool           `json:"anonymous"`
	Contact     *store.Contact `json:"contact"`
	RewardOptIn bool           `json:"rewardOptIn"`
	// DeferUpload asks for safe-upload gating of this capture.
	DeferUpload bool `json:"deferUpload"`
}

// Create validates a capture and commits it as a new report. The report starts
// Submitted only when the device is online and nothing is held back by
// safe-upload gating; otherwise it starts Queued.
func (s *Service) Create(ctx context.Context, input CreateInput) (store.Report, error) {
	var missing []string
	category := strings.TrimSpace(input.Category)
	checklist := compact(input.Checklist)
	if category == "" && len(checklist) == 0 {
		missing = append(missing, "category")
	}
	description := strings.TrimSpace(input.Description)
	if description == "" {
		missing = append(missing, "description")
	}
	if input.Location == nil {
		missing = append(missing, "location")
	}
	if len(missing) > 0 {
		return store.Report{}, validationError("Missing required fields: "+strings.Join(missing, ", "), missing...)
	}
	if err := geo.Validate(*input.Location); err != nil {
		return store.Report{}, ErrInvalidLocation
	}
	for _, m := range input.Media {
		if !m.Kind.Valid() || !media.ValidRef(m.Ref) {
			return store.Report{}, validationError("Media entries need a supported kind and a stored ref", "media")
		}
	}

	origin := clonePoint(*input.Location)
	radius := geo.ClampRadius(input.BlurRadius)
	public, err := s.sampler.SampleOffset(origin, radius)
	if err != nil {
		return store.Report{}, ErrInvalidLocation
	}

	now := s.now()
	gate := safeupload.NewState(input.DeferUpload, clonePoint(origin), now)

	status := store.StatusQueued
	if gate.Ready && s.connectivity.Online() {
		status = store.StatusSubmitted
	}

	report := store.Report{
		ID:             util.NewID("rpt"),
		CreatedAt:      now,
		Category:       category,
		Checklist:      checklist,
		Description:    description,
		ExactLocation:  origin,
		BlurRadius:     radius,
		PublicLocation: public,
		Media:          make([]store.Media, 0, len(input.Media)),
		Anonymous:      input.Anonymous,
		Status:         status,
		History:        []store.HistoryEntry{{State: status, Timestamp: now}},
		SafeUpload:     gate,
	}
	for _, m := range input.Media {
		m.Locked = !gate.Ready
		report.Media = append(report.Media, m)
	}
	if !input.Anonymous {
		if input.Contact != nil {
			contact := *input.Contact
			report.Contact = &contact
		}
		report.RewardOptIn = input.RewardOptIn
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	next := make([]store.Report, 0, len(s.reports)+1)
	next = append(next, report)
	next = append(next, s.reports...)
	if err := s.commit(ctx, next); err != nil {
		return store.Report{}, err
	}

	s.metrics.ReportCreated(status)
	s.fanOut(ctx, events.KindCreated, report, "created as "+string(status))
	s.log.WithReport(report.ID).Info("report created",
		slog.String("status", string(status)),
		slog.Bool("deferred", gate.Required),
		slog.Int("blur_radius", radius))
	return report.Clone(), nil
}

// Advance moves the report one step along the lifecycle. A capture held by
// safe upload cannot be advanced to Submitted; ForceResolve still closes it.
func (s *Service) Advance(ctx context.Context, id string) (store.Report, error) {
	return s.mutateReport(ctx, id, func(r *store.Report, now time.Time) (bool, error) {
		next, ok := r.Status.Next()
		if !ok {
			return false, ErrTerminalState
		}
		if next == store.StatusSubmitted && !r.SafeUpload.Ready {
			return false, ErrSafeUploadPending
		}
		r.Transition(next, now)
		return true, nil
	})
}

// ForceResolve closes the report regardless of its state. Calling it on a
// resolved report changes nothing and appends no history.
func (s *Service) ForceResolve(ctx context.Context, id string) (store.Report, error) {
	return s.mutateReport(ctx, id, func(r *store.Report, now time.Time) (bool, error) {
		if r.Status.Terminal() {
			return false, nil
		}
		r.Transition(store.StatusResolved, now)
		return true, nil
	})
}

// Delete removes the report, its archive, its index entry and any media no
// other report references. Removal is irreversible.
func (s *Service) Delete(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	idx := s.indexOf(id)
	if idx < 0 {
		return notFound("report", id)
	}
	removed := s.reports[idx]

	next := make([]store.Report, 0, len(s.reports)-1)
	next = append(next, s.reports[:idx]...)
	next = append(next, s.reports[idx+1:]...)
	if err := s.commit(ctx, next); err != nil {
		return err
	}

	s.search.Delete(search.RecordFromReport(removed))
	if s.archive != nil {
		if err := s.archive.Remove(id); err != nil {
			s.log.WithReport(id).Warn("archive removal failed", slog.String("error", err.Error()))
		}
	}
	for _, m := range removed.Media {
		if s.mediaReferenced(m.Ref) {
			continue
		}
		if err := s.media.Remove(ctx, m.Ref); err != nil {
			s.log.WithReport(id).Warn("media removal failed", slog.String("ref", m.Ref), slog.String("error", err.Error()))
		}
	}
	if removed.SafeUpload.Ready {
		s.publish(ctx, events.Deleted(id, s.now()))
	}
	s.log.WithReport(id).Info("report deleted")
	return nil
}

// UpdateSettings validates and persists new settings.
func (s *Service) UpdateSettings(ctx context.Context, settings store.Settings) (store.Settings, error) {
	if err := validateSettings(settings); err != nil {
		return store.Settings{}, err
	}
	settings.AuthorityContact.SMS = strings.TrimSpace(settings.AuthorityContact.SMS)
	settings.AuthorityContact.USSD = strings.TrimSpace(settings.AuthorityContact.USSD)

	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.store.SaveSettings(ctx, settings); err != nil {
		s.metrics.PersistFailure()
		return store.Settings{}, fmt.Errorf("persist settings: %w", err)
	}
	s.settings = settings
	s.log.Info("settings updated",
		slog.Float64("min_meters", settings.SafePolicy.MinMeters),
		slog.Int("max_wait_minutes", settings.SafePolicy.MaxWaitMinutes))
	return settings, nil
}

// Reports returns a snapshot of the collection, newest first.
func (s *Service) Reports() []store.Report {
	s.mu.Lock()
	defer s.mu.Unlock()
	return store.CloneReports(s.reports)
}

// Report returns a copy of one report.
func (s *Service) Report(id string) (store.Report, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	idx := s.indexOf(id)
	if idx < 0 {
		return store.Report{}, false
	}
	return s.reports[idx].Clone(), true
}

func (s *Service) Settings() store.Settings {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.settings
}

// Policy returns the current safe-upload policy.
func (s *Service) Policy() safeupload.Policy {
	return safeupload.PolicyFromSettings(s.Settings().SafePolicy)
}

// Now returns the service clock.
func (s *Service) Now() time.Time { return s.now() }

// Ping checks the persistence backend.
func (s *Service) Ping(ctx context.Context) error {
	return s.store.Ping(ctx)
}

// ReleaseReady re-evaluates safe-upload gating of every held report and
// latches the ones that may now be sent. It returns the released report IDs.
func (s *Service) ReleaseReady(ctx context.Context, current *geo.Point) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	policy := safeupload.PolicyFromSettings(s.settings.SafePolicy)
	next := store.CloneReports(s.reports)
	var released []string
	for i := range next {
		if safeupload.Evaluate(&next[i], current, now, policy) {
			released = append(released, next[i].ID)
		}
	}
	if len(released) == 0 {
		return nil, nil
	}
	if err := s.commit(ctx, next); err != nil {
		return nil, err
	}

	s.metrics.SafeUploadReleased(len(released))
	for _, id := range released {
		r := next[s.indexOf(id)]
		s.snapshot(r, "safe upload released")
		s.announce(ctx, r)
		s.log.WithReport(id).Info("safe upload released")
	}
	return released, nil
}

// SubmitQueued moves every Queued report whose capture is safe to send to
// Submitted, latching its safe-upload state. It returns the submitted IDs.
func (s *Service) SubmitQueued(ctx context.Context, current *geo.Point) ([]string, error) {
	return s.transitionWhere(ctx, store.StatusQueued, store.StatusSubmitted, func(r *store.Report, now time.Time, policy safeupload.Policy) bool {
		if !safeupload.IsReady(r.SafeUpload, current, now, policy) {
			return false
		}
		if !r.SafeUpload.Ready {
			s.metrics.SafeUploadReleased(1)
		}
		r.SafeUpload.Ready = true
		for i := range r.Media {
			r.Media[i].Locked = false
		}
		return true
	})
}

// AcknowledgeSubmitted moves every report still Submitted to Received.
func (s *Service) AcknowledgeSubmitted(ctx context.Context) ([]string, error) {
	return s.transitionWhere(ctx, store.StatusSubmitted, store.StatusReceived, func(*store.Report, time.Time, safeupload.Policy) bool {
		return true
	})
}

// UploadMedia sanitizes and stores an attachment, returning its media entry.
func (s *Service) UploadMedia(ctx context.Context, kind store.MediaKind, name string, raw []byte, contentType string) (store.Media, error) {
	if !kind.Valid() {
		return store.Media{}, validationError("Unsupported media kind", "kind")
	}
	if len(raw) == 0 {
		return store.Media{}, validationError("Media body is empty", "body")
	}
	m, err := s.media.Ingest(ctx, kind, strings.TrimSpace(name), raw, contentType)
	if errors.Is(err, media.ErrUnsupportedImage) {
		return store.Media{}, validationError("Image could not be decoded", "body")
	}
	if err != nil {
		return store.Media{}, fmt.Errorf("ingest media: %w", err)
	}
	return m, nil
}

// MediaContent returns the stored bytes of ref. Media still locked on a
// report are withheld until its safe-upload gate latches.
func (s *Service) MediaContent(ctx context.Context, ref string) ([]byte, error) {
	if !media.ValidRef(ref) {
		return nil, notFound("media", ref)
	}
	if s.mediaLocked(ref) {
		return nil, ErrSafeUploadPending
	}
	data, err := s.media.Fetch(ctx, ref)
	if errors.Is(err, media.ErrNotFound) {
		return nil, notFound("media", ref)
	}
	if err != nil {
		return nil, fmt.Errorf("fetch media: %w", err)
	}
	return data, nil
}

// ComposeMessage builds the outbound text for a report once it is safe to send.
func (s *Service) ComposeMessage(id string, opts outbound.Options) (outbound.Message, error) {
	report, ok := s.Report(id)
	if !ok {
		return outbound.Message{}, notFound("report", id)
	}
	if !report.SafeUpload.Ready {
		return outbound.Message{}, ErrSafeUploadPending
	}
	msg, err := outbound.Compose(report, s.Settings().AuthorityContact, opts)
	if err != nil {
		return outbound.Message{}, validationError(err.Error(), "authorityContact")
	}
	return msg, nil
}

// Search queries the public index.
func (s *Service) Search(q search.Query) search.Response {
	return s.search.Search(q)
}

// ArchiveHistory lists the archived snapshots of a report.
func (s *Service) ArchiveHistory(id string, limit int) ([]archive.Commit, error) {
	if s.archive == nil {
		return nil, domainError(ErrNotFound.Status, ErrNotFound.Code, "Archive is disabled", nil)
	}
	if _, ok := s.Report(id); !ok {
		return nil, notFound("report", id)
	}
	return s.archive.History(id, limit)
}

// ArchiveSnapshot returns the report as archived at commit hash.
func (s *Service) ArchiveSnapshot(id, hash string) (store.Report, error) {
	if s.archive == nil {
		return store.Report{}, domainError(ErrNotFound.Status, ErrNotFound.Code, "Archive is disabled", nil)
	}
	if _, ok := s.Report(id); !ok {
		return store.Report{}, notFound("report", id)
	}
	snapshot, err := s.archive.At(id, hash)
	if err != nil {
		s.log.WithReport(id).Debug("archive lookup failed", slog.String("hash", hash), slog.String("error", err.Error()))
		return store.Report{}, notFound("snapshot", hash)
	}
	return snapshot, nil
}

type mutation func(r *store.Report, now time.Time) (changed bool, err error)

func (s *Service) mutateReport(ctx context.Context, id string, fn mutation) (store.Report, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	idx := s.indexOf(id)
	if idx < 0 {
		return store.Report{}, notFound("report", id)
	}

	updated := s.reports[idx].Clone()
	changed, err := fn(&updated, s.now())
	if err != nil {
		return store.Report{}, err
	}
	if !changed {
		return updated, nil
	}

	next := make([]store.Report, len(s.reports))
	copy(next, s.reports)
	next[idx] = updated
	if err := s.commit(ctx, next); err != nil {
		return store.Report{}, err
	}

	s.metrics.Transition(updated.Status)
	s.fanOut(ctx, events.KindTransition, updated, "status "+string(updated.Status))
	s.log.WithReport(id).Info("report transitioned", slog.String("status", string(updated.Status)))
	return updated.Clone(), nil
}

func (s *Service) transitionWhere(ctx context.Context, from, to store.Status, accept func(*store.Report, time.Time, safeupload.Policy) bool) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	policy := safeupload.PolicyFromSettings(s.settings.SafePolicy)
	next := store.CloneReports(s.reports)
	var moved []int
	latched := make(map[int]bool)
	for i := range next {
		held := !next[i].SafeUpload.Ready
		if next[i].Status != from || !accept(&next[i], now, policy) {
			continue
		}
		next[i].Transition(to, now)
		moved = append(moved, i)
		if held && next[i].SafeUpload.Ready {
			latched[i] = true
		}
	}
	if len(moved) == 0 {
		return nil, nil
	}
	if err := s.commit(ctx, next); err != nil {
		return nil, err
	}

	ids := make([]string, 0, len(moved))
	for _, i := range moved {
		ids = append(ids, next[i].ID)
		s.metrics.Transition(to)
		if latched[i] {
			s.snapshot(next[i], "safe upload released, status "+string(to))
			s.announce(ctx, next[i])
			continue
		}
		s.fanOut(ctx, events.KindTransition, next[i], "status "+string(to))
	}
	s.log.Info("reports transitioned",
		slog.String("from", string(from)),
		slog.String("to", string(to)),
		slog.Int("count", len(ids)))
	return ids, nil
}

// commit persists next and swaps it in. Callers hold s.mu.
func (s *Service) commit(ctx context.Context, next []store.Report) error {
	if err := s.store.SaveReports(ctx, next); err != nil {
		s.metrics.PersistFailure()
		return fmt.Errorf("persist reports: %w", err)
	}
	s.reports = next
	s.metrics.ObserveReports(next)
	return nil
}

// fanOut notifies the index, archive and event bus. A report held by safe
// upload stays on the device: it reaches the local index and archive only.
// Failures are logged only.
func (s *Service) fanOut(ctx context.Context, kind events.Kind, r store.Report, message string) {
	s.search.Index(search.RecordFromReport(r))
	s.snapshot(r, message)
	if !r.SafeUpload.Ready {
		return
	}
	s.publish(ctx, events.FromReport(kind, r, s.now()))
}

// announce shares a report whose gate just latched. Until now it was kept off
// the event bus and Meilisearch, so it goes out as a creation.
func (s *Service) announce(ctx context.Context, r store.Report) {
	s.search.Index(search.RecordFromReport(r))
	s.publish(ctx, events.FromReport(events.KindCreated, r, s.now()))
}

func (s *Service) snapshot(r store.Report, message string) {
	if s.archive == nil {
		return
	}
	if _, err := s.archive.Snapshot(r, message, s.now()); err != nil {
		s.log.WithReport(r.ID).Warn("archive snapshot failed", slog.String("error", err.Error()))
	}
}

func (s *Service) publish(ctx context.Context, e events.Event) {
	if err := s.events.Publish(ctx, e); err != nil {
		s.log.WithReport(e.ReportID).Warn("event publish failed", slog.String("error", err.Error()))
	}
}

func (s *Service) indexOf(id string) int {
	for i := range s.reports {
		if s.reports[i].ID == id {
			return i
		}
	}
	return -1
}

func (s *Service) mediaLocked(ref string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, r := range s.reports {
		for _, m := range r.Media {
			if m.Ref == ref && m.Locked {
				return true
			}
		}
	}
	return false
}

func (s *Service) mediaReferenced(ref string) bool {
	for _, r := range s.reports {
		for _, m := range r.Media {
			if m.Ref == ref {
				return true
			}
		}
	}
	return false
}

func validateSettings(settings store.Settings) error {
	var fields []string
	minMeters := settings.SafePolicy.MinMeters
	if math.IsNaN(minMeters) || math.IsInf(minMeters, 0) || minMeters < 0 {
		fields = append(fields, "safePolicy.minMeters")
	}
	if settings.SafePolicy.MaxWaitMinutes < 0 {
		fields = append(fields, "safePolicy.maxWaitMinutes")
	}
	if len(fields) > 0 {
		return validationError("Safe policy values must be non-negative", fields...)
	}
	return nil
}

func compact(values []string) []string {
	var out []string
	for _, v := range values {
		if v = strings.TrimSpace(v); v != "" {
			out = append(out, v)
		}
	}
	return out
}

func clonePoint(p geo.Point) geo.Point {
	if p.Accuracy != nil {
		acc := *p.Accuracy
		p.Accuracy = &acc
	}
	return p
}
