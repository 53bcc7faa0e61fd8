package app

import (
	"context"
	"errors"
	"math/rand/v2"
	"strings"
	"sync"
	"testing"
	"time"

	"vigil/internal/archive"
	"vigil/internal/connectivity"
	"vigil/internal/events"
	"vigil/internal/geo"
	"vigil/internal/media"
	"vigil/internal/outbound"
	"vigil/internal/scheduler"
	"vigil/internal/search"
	"vigil/internal/store"
)

var testStart = time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)

// flakyKV wraps the memory backend and fails writes or pings on demand.
type flakyKV struct {
	*store.MemoryKV
	mu       sync.Mutex
	failSet  bool
	failPing bool
}

func (f *flakyKV) Set(ctx context.Context, key string, value []byte) error {
	f.mu.Lock()
	fail := f.failSet
	f.mu.Unlock()
	if fail {
		return errors.New("disk full")
	}
	return f.MemoryKV.Set(ctx, key, value)
}

func (f *flakyKV) Ping(ctx context.Context) error {
	if f.failPing {
		return errors.New("store unreachable")
	}
	return nil
}

func (f *flakyKV) setFailing(fail bool) {
	f.mu.Lock()
	f.failSet = fail
	f.mu.Unlock()
}

type recordingPublisher struct {
	mu     sync.Mutex
	events []events.Event
}

func (p *recordingPublisher) Publish(_ context.Context, e events.Event) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, e)
	return nil
}

func (p *recordingPublisher) kinds() []events.Kind {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]events.Kind, 0, len(p.events))
	for _, e := range p.events {
		out = append(out, e.Kind)
	}
	return out
}

type harness struct {
	service *Service
	kv      *flakyKV
	clock   *scheduler.Manual
	network *connectivity.Monitor
	media   *media.Ingester
	events  *recordingPublisher
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	h := &harness{
		kv:      &flakyKV{MemoryKV: store.NewMemoryKV()},
		clock:   scheduler.NewManual(testStart),
		network: connectivity.NewMonitor(true),
		media:   media.NewIngester(media.NewSanitizer(800), media.NewMemoryStore()),
		events:  &recordingPublisher{},
	}
	h.service = New(Options{
		Store:        store.New(h.kv, "test:", nil),
		Sampler:      geo.NewSampler(rand.NewPCG(7, 11)),
		Clock:        h.clock.Now,
		Connectivity: h.network,
		Media:        h.media,
		Events:       h.events,
	})
	return h
}

var accra = geo.Point{Latitude: 5.6037, Longitude: -0.1870}

func validInput() CreateInput {
	loc := accra
	return CreateInput{
		Category:    "flooding",
		Description: "Road under water near the market",
		Location:    &loc,
		BlurRadius:  500,
	}
}

func TestCreateRequiresFields(t *testing.T) {
	h := newHarness(t)

	_, err := h.service.Create(context.Background(), CreateInput{Description: "   "})
	if !errors.Is(err, ErrValidation) {
		t.Fatalf("expected ErrValidation, got %v", err)
	}
	var domainErr *DomainError
	if !errors.As(err, &domainErr) {
		t.Fatalf("expected DomainError, got %T", err)
	}
	fields := domainErr.Details.(map[string]any)["fields"].([]string)
	if strings.Join(fields, ",") != "category,description,location" {
		t.Fatalf("unexpected missing fields: %v", fields)
	}
	if len(h.service.Reports()) != 0 {
		t.Fatal("rejected capture must not create a report")
	}
}

func TestCreateAcceptsChecklistInsteadOfCategory(t *testing.T) {
	h := newHarness(t)
	input := validInput()
	input.Category = ""
	input.Checklist = []string{"  fire ", "", "injuries"}

	report, err := h.service.Create(context.Background(), input)
	if err != nil {
		t.Fatalf("Create() error = %v", err)
	}
	if strings.Join(report.Checklist, ",") != "fire,injuries" {
		t.Fatalf("unexpected checklist: %v", report.Checklist)
	}
}

func TestCreateRejectsInvalidLocation(t *testing.T) {
	h := newHarness(t)
	input := validInput()
	input.Location = &geo.Point{Latitude: 91, Longitude: 0}

	if _, err := h.service.Create(context.Background(), input); !errors.Is(err, ErrInvalidLocation) {
		t.Fatalf("expected ErrInvalidLocation, got %v", err)
	}
}

func TestCreateStatusFollowsConnectivity(t *testing.T) {
	cases := []struct {
		name     string
		online   bool
		deferred bool
		want     store.Status
	}{
		{name: "online", online: true, want: store.StatusSubmitted},
		{name: "offline", online: false, want: store.StatusQueued},
		{name: "online but deferred", online: true, deferred: true, want: store.StatusQueued},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			h := newHarness(t)
			h.network.Set(tc.online)
			input := validInput()
			input.DeferUpload = tc.deferred

			report, err := h.service.Create(context.Background(), input)
			if err != nil {
				t.Fatalf("Create() error = %v", err)
			}
			if report.Status != tc.want {
				t.Fatalf("status = %q, want %q", report.Status, tc.want)
			}
			if len(report.History) != 1 || report.History[0].State != tc.want || !report.History[0].Timestamp.Equal(testStart) {
				t.Fatalf("unexpected history: %+v", report.History)
			}
			if report.SafeUpload.Ready == tc.deferred {
				t.Fatalf("safe upload ready = %v with deferral %v", report.SafeUpload.Ready, tc.deferred)
			}
		})
	}
}

func TestCreateBlursPublicLocation(t *testing.T) {
	h := newHarness(t)
	input := validInput()
	input.BlurRadius = 5000

	report, err := h.service.Create(context.Background(), input)
	if err != nil {
		t.Fatalf("Create() error = %v", err)
	}
	if report.BlurRadius != geo.MaxBlurRadius {
		t.Fatalf("blur radius = %d, want clamped %d", report.BlurRadius, geo.MaxBlurRadius)
	}
	d := geo.DistanceMeters(report.ExactLocation, report.PublicLocation)
	if d < float64(report.BlurRadius)/2-1 || d > float64(report.BlurRadius)+1 {
		t.Fatalf("public point %.1fm from exact point, outside [%d, %d]", d, report.BlurRadius/2, report.BlurRadius)
	}
	if report.ExactLocation != accra {
		t.Fatalf("exact location altered: %+v", report.ExactLocation)
	}
}

func TestCreateAnonymousDropsContact(t *testing.T) {
	h := newHarness(t)
	input := validInput()
	input.Anonymous = true
	input.RewardOptIn = true
	input.Contact = &store.Contact{Phone: "+233200000000", WantsCallback: true}

	report, err := h.service.Create(context.Background(), input)
	if err != nil {
		t.Fatalf("Create() error = %v", err)
	}
	if report.Contact != nil || report.RewardOptIn {
		t.Fatalf("anonymous report kept identity: contact=%+v reward=%v", report.Contact, report.RewardOptIn)
	}
}

func TestAdvanceWalksLifecycle(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	report, err := h.service.Create(ctx, validInput())
	if err != nil {
		t.Fatalf("Create() error = %v", err)
	}

	want := []store.Status{store.StatusReceived, store.StatusInProgress, store.StatusResolved}
	for _, status := range want {
		h.clock.Advance(time.Minute)
		report, err = h.service.Advance(ctx, report.ID)
		if err != nil {
			t.Fatalf("Advance() error = %v", err)
		}
		if report.Status != status {
			t.Fatalf("status = %q, want %q", report.Status, status)
		}
	}

	if _, err := h.service.Advance(ctx, report.ID); !errors.Is(err, ErrTerminalState) {
		t.Fatalf("expected ErrTerminalState, got %v", err)
	}

	stored, _ := h.service.Report(report.ID)
	if len(stored.History) != 4 {
		t.Fatalf("history length = %d, want 4", len(stored.History))
	}
	for i := 1; i < len(stored.History); i++ {
		prev, cur := stored.History[i-1], stored.History[i]
		if cur.State.Rank() <= prev.State.Rank() || cur.Timestamp.Before(prev.Timestamp) {
			t.Fatalf("history not monotonic at %d: %+v", i, stored.History)
		}
	}
	if stored.History[len(stored.History)-1].State != stored.Status {
		t.Fatal("last history entry must match status")
	}
}

func TestForceResolveIsIdempotent(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	report, _ := h.service.Create(ctx, validInput())

	first, err := h.service.ForceResolve(ctx, report.ID)
	if err != nil {
		t.Fatalf("ForceResolve() error = %v", err)
	}
	if first.Status != store.StatusResolved || len(first.History) != 2 {
		t.Fatalf("unexpected report after resolve: %+v", first)
	}

	second, err := h.service.ForceResolve(ctx, report.ID)
	if err != nil {
		t.Fatalf("second ForceResolve() error = %v", err)
	}
	if len(second.History) != 2 {
		t.Fatalf("second resolve appended history: %+v", second.History)
	}
}

func TestUnknownReportIsNotFound(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	if _, err := h.service.Advance(ctx, "rpt_missing"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("Advance: expected ErrNotFound, got %v", err)
	}
	if err := h.service.Delete(ctx, "rpt_missing"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("Delete: expected ErrNotFound, got %v", err)
	}
}

func TestPersistFailureLeavesStateUnchanged(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	report, err := h.service.Create(ctx, validInput())
	if err != nil {
		t.Fatalf("Create() error = %v", err)
	}

	h.kv.setFailing(true)
	if _, err := h.service.Create(ctx, validInput()); err == nil {
		t.Fatal("expected create to fail")
	}
	if _, err := h.service.Advance(ctx, report.ID); err == nil {
		t.Fatal("expected advance to fail")
	}
	if err := h.service.Delete(ctx, report.ID); err == nil {
		t.Fatal("expected delete to fail")
	}

	reports := h.service.Reports()
	if len(reports) != 1 || reports[0].Status != store.StatusSubmitted || len(reports[0].History) != 1 {
		t.Fatalf("in-memory state changed after failed writes: %+v", reports)
	}
}

func TestReportsNewestFirstAndIsolated(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	first, _ := h.service.Create(ctx, validInput())
	h.clock.Advance(time.Second)
	second, _ := h.service.Create(ctx, validInput())

	reports := h.service.Reports()
	if len(reports) != 2 || reports[0].ID != second.ID || reports[1].ID != first.ID {
		t.Fatalf("unexpected order: %v", reports)
	}

	reports[0].History[0].State = store.StatusResolved
	again, _ := h.service.Report(second.ID)
	if again.History[0].State != store.StatusSubmitted {
		t.Fatal("caller mutation leaked into service state")
	}
}

func TestBootstrapRestoresPersistedState(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	created, _ := h.service.Create(ctx, validInput())
	if _, err := h.service.UpdateSettings(ctx, store.Settings{
		AuthorityContact: store.AuthorityContact{SMS: "+233200000000"},
		SafePolicy:       store.SafePolicy{MinMeters: 250, MaxWaitMinutes: 5},
	}); err != nil {
		t.Fatalf("UpdateSettings() error = %v", err)
	}

	restarted := New(Options{Store: store.New(h.kv, "test:", nil), Clock: h.clock.Now})
	if err := restarted.Bootstrap(ctx); err != nil {
		t.Fatalf("Bootstrap() error = %v", err)
	}
	reports := restarted.Reports()
	if len(reports) != 1 || reports[0].ID != created.ID {
		t.Fatalf("unexpected reports after restart: %+v", reports)
	}
	if got := restarted.Settings().SafePolicy.MinMeters; got != 250 {
		t.Fatalf("min meters = %v, want 250", got)
	}
	if resp := restarted.Search(search.Query{Text: "market"}); resp.Total != 1 {
		t.Fatalf("search index not rebuilt: %+v", resp)
	}
}

func TestBootstrapAppliesSeedOnce(t *testing.T) {
	kv := store.NewMemoryKV()
	seed := store.Settings{
		AuthorityContact: store.AuthorityContact{SMS: "112"},
		SafePolicy:       store.SafePolicy{MinMeters: 800, MaxWaitMinutes: 10},
	}
	ctx := context.Background()

	svc := New(Options{Store: store.New(kv, "", nil), Seed: &seed})
	if err := svc.Bootstrap(ctx); err != nil {
		t.Fatalf("Bootstrap() error = %v", err)
	}
	if svc.Settings() != seed {
		t.Fatalf("seed not applied: %+v", svc.Settings())
	}

	custom := store.Settings{SafePolicy: store.SafePolicy{MinMeters: 50, MaxWaitMinutes: 1}}
	if _, err := svc.UpdateSettings(ctx, custom); err != nil {
		t.Fatalf("UpdateSettings() error = %v", err)
	}
	again := New(Options{Store: store.New(kv, "", nil), Seed: &seed})
	if err := again.Bootstrap(ctx); err != nil {
		t.Fatalf("Bootstrap() error = %v", err)
	}
	if again.Settings() != custom {
		t.Fatalf("seed overwrote saved settings: %+v", again.Settings())
	}
}

func TestUpdateSettingsRejectsNegativePolicy(t *testing.T) {
	h := newHarness(t)
	_, err := h.service.UpdateSettings(context.Background(), store.Settings{
		SafePolicy: store.SafePolicy{MinMeters: -1, MaxWaitMinutes: -5},
	})
	if !errors.Is(err, ErrValidation) {
		t.Fatalf("expected ErrValidation, got %v", err)
	}
	if h.service.Settings() != store.DefaultSettings() {
		t.Fatal("rejected settings were applied")
	}
}

func TestSubmitQueuedRespectsSafeUpload(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.network.Set(false)

	plain, _ := h.service.Create(ctx, validInput())
	deferredInput := validInput()
	deferredInput.DeferUpload = true
	deferredInput.Media = []store.Media{{Kind: store.MediaAudio, Name: "clip", Ref: media.ContentRef([]byte("audio"))}}
	deferred, _ := h.service.Create(ctx, deferredInput)
	if !deferred.Media[0].Locked {
		t.Fatal("deferred media must start locked")
	}

	near := geo.Destination(accra, 90, 100)
	submitted, err := h.service.SubmitQueued(ctx, &near)
	if err != nil {
		t.Fatalf("SubmitQueued() error = %v", err)
	}
	if len(submitted) != 1 || submitted[0] != plain.ID {
		t.Fatalf("submitted = %v, want only %s", submitted, plain.ID)
	}

	h.clock.Advance(31 * time.Minute)
	submitted, err = h.service.SubmitQueued(ctx, nil)
	if err != nil {
		t.Fatalf("SubmitQueued() error = %v", err)
	}
	if len(submitted) != 1 || submitted[0] != deferred.ID {
		t.Fatalf("submitted = %v, want %s after max wait", submitted, deferred.ID)
	}
	got, _ := h.service.Report(deferred.ID)
	if got.Status != store.StatusSubmitted || !got.SafeUpload.Ready || got.Media[0].Locked {
		t.Fatalf("deferred report not released: %+v", got)
	}

	acked, err := h.service.AcknowledgeSubmitted(ctx)
	if err != nil {
		t.Fatalf("AcknowledgeSubmitted() error = %v", err)
	}
	if len(acked) != 2 {
		t.Fatalf("acknowledged %d reports, want 2", len(acked))
	}
	for _, r := range h.service.Reports() {
		if r.Status != store.StatusReceived {
			t.Fatalf("report %s status = %q, want received", r.ID, r.Status)
		}
	}
}

func TestReleaseReadyLatchesByDistance(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	input := validInput()
	input.DeferUpload = true
	report, _ := h.service.Create(ctx, input)

	near := geo.Destination(accra, 0, 300)
	released, err := h.service.ReleaseReady(ctx, &near)
	if err != nil || len(released) != 0 {
		t.Fatalf("ReleaseReady(near) = %v, %v; want nothing", released, err)
	}

	far := geo.Destination(accra, 0, 1500)
	released, err = h.service.ReleaseReady(ctx, &far)
	if err != nil {
		t.Fatalf("ReleaseReady() error = %v", err)
	}
	if len(released) != 1 || released[0] != report.ID {
		t.Fatalf("released = %v", released)
	}

	got, _ := h.service.Report(report.ID)
	if !got.SafeUpload.Ready || got.Status != store.StatusQueued {
		t.Fatalf("unexpected report after release: %+v", got)
	}

	released, _ = h.service.ReleaseReady(ctx, &near)
	if len(released) != 0 {
		t.Fatal("ready flag must stay latched without re-release")
	}
}

func (p *recordingPublisher) snapshot() []events.Event {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]events.Event(nil), p.events...)
}

func TestHeldCaptureIsNotPublishedUntilRelease(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	input := validInput()
	input.DeferUpload = true
	report, err := h.service.Create(ctx, input)
	if err != nil {
		t.Fatalf("Create() error = %v", err)
	}
	if got := h.events.snapshot(); len(got) != 0 {
		t.Fatalf("held capture published %d events: %+v", len(got), got)
	}
	if resp := h.service.Search(search.Query{Text: "market"}); resp.Total != 1 {
		t.Fatalf("held capture should stay searchable locally, got %+v", resp)
	}

	near := geo.Destination(accra, 0, 300)
	if _, err := h.service.ReleaseReady(ctx, &near); err != nil {
		t.Fatalf("ReleaseReady(near) error = %v", err)
	}
	if got := h.events.snapshot(); len(got) != 0 {
		t.Fatalf("unreleased capture published %d events", len(got))
	}

	far := geo.Destination(accra, 0, 1500)
	if _, err := h.service.ReleaseReady(ctx, &far); err != nil {
		t.Fatalf("ReleaseReady(far) error = %v", err)
	}
	got := h.events.snapshot()
	if len(got) != 1 {
		t.Fatalf("expected one event after release, got %+v", got)
	}
	if got[0].Kind != events.KindCreated || got[0].ReportID != report.ID || got[0].Status != store.StatusQueued {
		t.Fatalf("unexpected release event %+v", got[0])
	}
}

func TestSubmitQueuedAnnouncesLatchedCapture(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.network.Set(false)
	input := validInput()
	input.DeferUpload = true
	report, _ := h.service.Create(ctx, input)

	h.clock.Advance(31 * time.Minute)
	if _, err := h.service.SubmitQueued(ctx, nil); err != nil {
		t.Fatalf("SubmitQueued() error = %v", err)
	}
	got := h.events.snapshot()
	if len(got) != 1 || got[0].Kind != events.KindCreated || got[0].Status != store.StatusSubmitted {
		t.Fatalf("expected a single creation event as submitted, got %+v", got)
	}

	if _, err := h.service.AcknowledgeSubmitted(ctx); err != nil {
		t.Fatalf("AcknowledgeSubmitted() error = %v", err)
	}
	got = h.events.snapshot()
	if len(got) != 2 || got[1].Kind != events.KindTransition || got[1].ReportID != report.ID {
		t.Fatalf("expected a transition event after release, got %+v", got)
	}
}

func TestAdvanceRefusesHeldCapture(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	input := validInput()
	input.DeferUpload = true
	report, _ := h.service.Create(ctx, input)

	if _, err := h.service.Advance(ctx, report.ID); !errors.Is(err, ErrSafeUploadPending) {
		t.Fatalf("expected ErrSafeUploadPending, got %v", err)
	}
	got, _ := h.service.Report(report.ID)
	if got.Status != store.StatusQueued || len(got.History) != 1 {
		t.Fatalf("held report changed: %+v", got)
	}

	resolved, err := h.service.ForceResolve(ctx, report.ID)
	if err != nil {
		t.Fatalf("ForceResolve() error = %v", err)
	}
	if resolved.Status != store.StatusResolved || resolved.SafeUpload.Ready {
		t.Fatalf("unexpected resolved report: %+v", resolved)
	}
	if evs := h.events.snapshot(); len(evs) != 0 {
		t.Fatalf("held report published %d events", len(evs))
	}
}

func TestAdvanceReleasedCaptureSubmits(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	input := validInput()
	input.DeferUpload = true
	report, _ := h.service.Create(ctx, input)

	far := geo.Destination(accra, 90, 2000)
	if _, err := h.service.ReleaseReady(ctx, &far); err != nil {
		t.Fatalf("ReleaseReady() error = %v", err)
	}
	advanced, err := h.service.Advance(ctx, report.ID)
	if err != nil {
		t.Fatalf("Advance() error = %v", err)
	}
	if advanced.Status != store.StatusSubmitted {
		t.Fatalf("status = %q, want submitted", advanced.Status)
	}
}

func TestComposeMessageWaitsForSafeUpload(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	if _, err := h.service.UpdateSettings(ctx, store.Settings{
		AuthorityContact: store.AuthorityContact{SMS: "+233200000000"},
		SafePolicy:       store.DefaultSettings().SafePolicy,
	}); err != nil {
		t.Fatalf("UpdateSettings() error = %v", err)
	}
	input := validInput()
	input.DeferUpload = true
	report, _ := h.service.Create(ctx, input)

	if _, err := h.service.ComposeMessage(report.ID, outbound.Options{}); !errors.Is(err, ErrSafeUploadPending) {
		t.Fatalf("expected ErrSafeUploadPending, got %v", err)
	}

	far := geo.Destination(accra, 180, 2000)
	if _, err := h.service.ReleaseReady(ctx, &far); err != nil {
		t.Fatalf("ReleaseReady() error = %v", err)
	}
	msg, err := h.service.ComposeMessage(report.ID, outbound.Options{Channel: outbound.ChannelSMS})
	if err != nil {
		t.Fatalf("ComposeMessage() error = %v", err)
	}
	if msg.Recipient != "+233200000000" || !strings.Contains(msg.Body, "Ref: "+report.ID) {
		t.Fatalf("unexpected message: %+v", msg)
	}
}

func TestDeletePurgesEverything(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	dir := t.TempDir()
	h.service.archive = archive.New(dir)

	clip, err := h.service.UploadMedia(ctx, store.MediaAudio, "clip", []byte("audio bytes"), "audio/mpeg")
	if err != nil {
		t.Fatalf("UploadMedia() error = %v", err)
	}
	input := validInput()
	input.Media = []store.Media{clip}
	report, err := h.service.Create(ctx, input)
	if err != nil {
		t.Fatalf("Create() error = %v", err)
	}
	if _, err := h.service.Advance(ctx, report.ID); err != nil {
		t.Fatalf("Advance() error = %v", err)
	}

	commits, err := h.service.ArchiveHistory(report.ID, 0)
	if err != nil || len(commits) != 2 {
		t.Fatalf("ArchiveHistory() = %d commits, %v; want 2", len(commits), err)
	}

	if err := h.service.Delete(ctx, report.ID); err != nil {
		t.Fatalf("Delete() error = %v", err)
	}
	if _, ok := h.service.Report(report.ID); ok {
		t.Fatal("report still present after delete")
	}
	if _, err := h.media.Fetch(ctx, clip.Ref); !errors.Is(err, media.ErrNotFound) {
		t.Fatalf("media still stored after delete: %v", err)
	}
	if resp := h.service.Search(search.Query{Text: "market"}); resp.Total != 0 {
		t.Fatalf("search still returns deleted report: %+v", resp)
	}
	if _, err := archive.New(dir).History(report.ID, 0); !errors.Is(err, archive.ErrNoArchive) {
		t.Fatalf("archive still present: %v", err)
	}

	kinds := h.events.kinds()
	want := []events.Kind{events.KindCreated, events.KindTransition, events.KindDeleted}
	if len(kinds) != len(want) {
		t.Fatalf("events = %v, want %v", kinds, want)
	}
	for i := range want {
		if kinds[i] != want[i] {
			t.Fatalf("events = %v, want %v", kinds, want)
		}
	}
}

func TestMediaContentWithheldWhileLocked(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	clip, err := h.service.UploadMedia(ctx, store.MediaAudio, "clip", []byte("held audio"), "audio/mpeg")
	if err != nil {
		t.Fatalf("UploadMedia() error = %v", err)
	}
	input := validInput()
	input.DeferUpload = true
	input.Media = []store.Media{clip}
	if _, err := h.service.Create(ctx, input); err != nil {
		t.Fatalf("Create() error = %v", err)
	}

	if _, err := h.service.MediaContent(ctx, clip.Ref); !errors.Is(err, ErrSafeUploadPending) {
		t.Fatalf("expected ErrSafeUploadPending, got %v", err)
	}

	far := geo.Destination(accra, 270, 2000)
	if _, err := h.service.ReleaseReady(ctx, &far); err != nil {
		t.Fatalf("ReleaseReady() error = %v", err)
	}
	data, err := h.service.MediaContent(ctx, clip.Ref)
	if err != nil || string(data) != "held audio" {
		t.Fatalf("MediaContent() = %q, %v", data, err)
	}

	if _, err := h.service.MediaContent(ctx, "not-a-ref"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound for bad ref, got %v", err)
	}
	if _, err := h.service.MediaContent(ctx, media.ContentRef([]byte("never stored"))); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound for missing media, got %v", err)
	}
}

func TestArchiveSnapshotReturnsEarlierState(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.service.archive = archive.New(t.TempDir())

	report, _ := h.service.Create(ctx, validInput())
	if _, err := h.service.Advance(ctx, report.ID); err != nil {
		t.Fatalf("Advance() error = %v", err)
	}
	commits, err := h.service.ArchiveHistory(report.ID, 0)
	if err != nil || len(commits) != 2 {
		t.Fatalf("ArchiveHistory() = %d commits, %v", len(commits), err)
	}

	first, err := h.service.ArchiveSnapshot(report.ID, commits[len(commits)-1].Hash)
	if err != nil {
		t.Fatalf("ArchiveSnapshot() error = %v", err)
	}
	if first.Status != store.StatusSubmitted || len(first.History) != 1 {
		t.Fatalf("unexpected first snapshot: %+v", first)
	}
	if _, err := h.service.ArchiveSnapshot(report.ID, "deadbeef"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound for unknown hash, got %v", err)
	}
}

func TestDeleteKeepsSharedMedia(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	clip, _ := h.service.UploadMedia(ctx, store.MediaAudio, "clip", []byte("shared"), "audio/mpeg")
	input := validInput()
	input.Media = []store.Media{clip}
	first, _ := h.service.Create(ctx, input)
	if _, err := h.service.Create(ctx, input); err != nil {
		t.Fatalf("Create() error = %v", err)
	}

	if err := h.service.Delete(ctx, first.ID); err != nil {
		t.Fatalf("Delete() error = %v", err)
	}
	if _, err := h.media.Fetch(ctx, clip.Ref); err != nil {
		t.Fatalf("shared media removed: %v", err)
	}
}

func TestPublicViewHidesPrivateFields(t *testing.T) {
	r := store.Report{
		ID:             "rpt_1",
		ExactLocation:  accra,
		PublicLocation: geo.Point{Latitude: 5.61, Longitude: -0.18},
		Contact:        &store.Contact{Phone: "+233200000000"},
		Media: []store.Media{
			{Kind: store.MediaImage, Ref: "blake2b-aa", Locked: true},
			{Kind: store.MediaAudio, Ref: "blake2b-bb"},
		},
	}
	view := PublicView(r)
	if view.Location.Latitude != 5.61 || view.Location.Accuracy != nil {
		t.Fatalf("unexpected public location: %+v", view.Location)
	}
	if len(view.Media) != 1 || view.Media[0].Ref != "blake2b-bb" {
		t.Fatalf("locked media leaked: %+v", view.Media)
	}
}
