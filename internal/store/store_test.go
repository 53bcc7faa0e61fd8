package store

import (
	"context"
	"errors"
	"reflect"
	"testing"
	"time"

	"vigil/internal/geo"
)

func sampleReport(id string) Report {
	created := time.Date(2024, 3, 1, 10, 0, 0, 0, time.UTC)
	acc := 12.5
	origin := geo.Point{Latitude: 5.6, Longitude: -0.2, Accuracy: &acc}
	return Report{
		ID:             id,
		CreatedAt:      created,
		Category:       "road_hazard",
		Checklist:      []string{"blocked lane"},
		Description:    "pothole near junction",
		ExactLocation:  origin,
		BlurRadius:     250,
		PublicLocation: geo.Point{Latitude: 5.6012, Longitude: -0.2009},
		Media: []Media{
			{Kind: MediaImage, Name: "photo.jpg", Ref: "blake2b-abc", Locked: true},
		},
		Contact:     &Contact{Phone: "+233200000000", WantsCallback: true, PreferredTime: "evening"},
		RewardOptIn: true,
		Status:      StatusQueued,
		History:     []HistoryEntry{{State: StatusQueued, Timestamp: created}},
		SafeUpload: SafeUpload{
			Required:      true,
			CaptureOrigin: origin,
			CreatedAt:     created,
		},
	}
}

func TestReportRoundTrip(t *testing.T) {
	original := sampleReport("rep_1")

	raw, err := MarshalReport(original)
	if err != nil {
		t.Fatalf("MarshalReport failed: %v", err)
	}
	decoded, err := UnmarshalReport(raw)
	if err != nil {
		t.Fatalf("UnmarshalReport failed: %v", err)
	}
	if !reflect.DeepEqual(original, decoded) {
		t.Fatalf("round trip mismatch:\n got %+v\nwant %+v", decoded, original)
	}
}

func TestUnmarshalReportRejectsUnknownStatus(t *testing.T) {
	if _, err := UnmarshalReport([]byte(`{"id":"x","status":"archived"}`)); err == nil {
		t.Fatal("expected error for unknown status")
	}
}

func TestLoadReportsMissingKey(t *testing.T) {
	st := New(NewMemoryKV(), "vigil:", nil)
	reports, err := st.LoadReports(context.Background())
	if err != nil {
		t.Fatalf("LoadReports failed: %v", err)
	}
	if reports == nil || len(reports) != 0 {
		t.Fatalf("expected empty collection, got %#v", reports)
	}
}

func TestLoadReportsCorrupt(t *testing.T) {
	cases := map[string]string{
		"garbage":        `{not json`,
		"wrong shape":    `{"id":"r1"}`,
		"unknown status": `[{"id":"r1","status":"lost"}]`,
	}
	for name, raw := range cases {
		t.Run(name, func(t *testing.T) {
			kv := NewMemoryKV()
			ctx := context.Background()
			_ = kv.Set(ctx, "vigil:reports", []byte(raw))

			reports, err := New(kv, "vigil:", nil).LoadReports(ctx)
			if err != nil {
				t.Fatalf("corrupt data must not surface an error: %v", err)
			}
			if len(reports) != 0 {
				t.Fatalf("expected empty collection, got %d", len(reports))
			}
		})
	}
}

func TestLoadReportsNullValue(t *testing.T) {
	kv := NewMemoryKV()
	ctx := context.Background()
	_ = kv.Set(ctx, "vigil:reports", []byte(`null`))

	reports, err := New(kv, "vigil:", nil).LoadReports(ctx)
	if err != nil || reports == nil || len(reports) != 0 {
		t.Fatalf("expected empty non-nil collection, got %#v err=%v", reports, err)
	}
}

type failingKV struct{ MemoryKV }

func (*failingKV) Get(context.Context, string) ([]byte, error) { return nil, errors.New("unreachable") }

func TestLoadReportsBackendError(t *testing.T) {
	st := New(&failingKV{}, "vigil:", nil)
	if _, err := st.LoadReports(context.Background()); err == nil {
		t.Fatal("expected backend error")
	}
	if _, err := st.LoadSettings(context.Background()); err == nil {
		t.Fatal("expected backend error")
	}
}

func TestSettingsDefaultsAndCorruption(t *testing.T) {
	ctx := context.Background()
	kv := NewMemoryKV()
	st := New(kv, "vigil:", nil)

	settings, err := st.LoadSettings(ctx)
	if err != nil {
		t.Fatalf("LoadSettings failed: %v", err)
	}
	if settings != DefaultSettings() {
		t.Fatalf("expected defaults, got %+v", settings)
	}

	_ = kv.Set(ctx, "vigil:settings", []byte(`]]`))
	settings, _ = st.LoadSettings(ctx)
	if settings != DefaultSettings() {
		t.Fatalf("expected defaults after corruption, got %+v", settings)
	}

	_ = kv.Set(ctx, "vigil:settings", []byte(`{"authorityContact":{"sms":"311"},"safePolicy":{"minMeters":-5,"maxWaitMinutes":3}}`))
	settings, _ = st.LoadSettings(ctx)
	if settings.AuthorityContact.SMS != "311" {
		t.Errorf("expected contact to survive, got %+v", settings.AuthorityContact)
	}
	if settings.SafePolicy != DefaultSettings().SafePolicy {
		t.Errorf("expected default policy, got %+v", settings.SafePolicy)
	}
}

func TestSettingsRoundTrip(t *testing.T) {
	ctx := context.Background()
	st := New(NewMemoryKV(), "vigil:", nil)
	want := Settings{
		AuthorityContact: AuthorityContact{SMS: "+233501234567", USSD: "*920*44#"},
		SafePolicy:       SafePolicy{MinMeters: 500, MaxWaitMinutes: 10},
	}
	if err := st.SaveSettings(ctx, want); err != nil {
		t.Fatalf("SaveSettings failed: %v", err)
	}
	got, err := st.LoadSettings(ctx)
	if err != nil {
		t.Fatalf("LoadSettings failed: %v", err)
	}
	if got != want {
		t.Fatalf("got %+v, want %+v", got, want)
	}
}

func TestStatusNext(t *testing.T) {
	tests := []struct {
		from Status
		want Status
		ok   bool
	}{
		{StatusQueued, StatusSubmitted, true},
		{StatusSubmitted, StatusReceived, true},
		{StatusReceived, StatusInProgress, true},
		{StatusInProgress, StatusResolved, true},
		{StatusResolved, "", false},
		{Status("bogus"), "", false},
	}
	for _, tt := range tests {
		got, ok := tt.from.Next()
		if got != tt.want || ok != tt.ok {
			t.Errorf("%s.Next() = %q,%v want %q,%v", tt.from, got, ok, tt.want, tt.ok)
		}
	}
	if !StatusResolved.Terminal() || StatusInProgress.Terminal() {
		t.Error("only resolved is terminal")
	}
}

func TestCloneDoesNotAlias(t *testing.T) {
	original := sampleReport("r1")
	clone := original.Clone()

	clone.Media[0].Locked = false
	clone.History = append(clone.History, HistoryEntry{State: StatusSubmitted})
	clone.Contact.Phone = "changed"
	*clone.ExactLocation.Accuracy = 99

	if !original.Media[0].Locked {
		t.Error("media aliased")
	}
	if len(original.History) != 1 {
		t.Error("history aliased")
	}
	if original.Contact.Phone == "changed" {
		t.Error("contact aliased")
	}
	if *original.ExactLocation.Accuracy != 12.5 {
		t.Error("accuracy aliased")
	}
}
