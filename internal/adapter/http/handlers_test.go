package adapthttp_test

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"golang.org/x/crypto/bcrypt"

	adapthttp "weighsplit/internal/adapter/http"
	"weighsplit/internal/adapter/webhook"
	"weighsplit/internal/app"
	"weighsplit/internal/domain"
)

// ---------------------------------------------------------------------------
// Mocks (function-fields pattern)
// ---------------------------------------------------------------------------

type mockCatalog struct {
	listFn func(ctx context.Context, instance string) ([]domain.Entity, error)
	getFn  func(ctx context.Context, id string) (*domain.Entity, error)
}

func (m *mockCatalog) ListEntities(ctx context.Context, instance string) ([]domain.Entity, error) {
	if m.listFn != nil {
		return m.listFn(ctx, instance)
	}
	return []domain.Entity{sampleEntity()}, nil
}

func (m *mockCatalog) GetEntity(ctx context.Context, id string) (*domain.Entity, error) {
	if m.getFn != nil {
		return m.getFn(ctx, id)
	}
	if id != sampleEntity().EntityID {
		return nil, nil
	}
	e := sampleEntity()
	return &e, nil
}

type staticInstances []domain.Instance

func (s staticInstances) Instances() []domain.Instance { return s }

func sampleEntity() domain.Entity {
	v := 81.0
	return domain.Entity{
		EntityID: "sensor.mpws_bathroom_person_1_weight",
		UniqueID: "mpws_bathroom_person_1_weight",
		Instance: "Bathroom",
		Name:     "Person 1",
		State:    &v,
		Unit:     "kg",
		Attributes: map[string]any{
			"history": []domain.HistoryEntry{
				{Value: 80, Timestamp: time.Date(2026, 2, 8, 7, 0, 0, 0, time.UTC)},
				{Value: 81, Timestamp: time.Date(2026, 2, 9, 7, 0, 0, 0, time.UTC)},
			},
		},
	}
}

// ---------------------------------------------------------------------------
// Test-server helper
// ---------------------------------------------------------------------------

func newTestServer(t *testing.T, cat *mockCatalog, ingest *webhook.Source) *httptest.Server {
	t.Helper()
	if cat == nil {
		cat = &mockCatalog{}
	}
	srv := adapthttp.New(app.NewSubjectService(cat), staticInstances{
		{Name: "Bathroom", Source: "sensor.scale", Threshold: 10},
	}, adapthttp.Options{
		Ingest:  ingest,
		Metrics: http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) { _, _ = w.Write([]byte("# metrics\n")) }),
	}).WithoutAuth()
	return httptest.NewServer(srv.Handler())
}

func decodeBody(t *testing.T, resp *http.Response) map[string]any {
	t.Helper()
	var m map[string]any
	if err := json.NewDecoder(resp.Body).Decode(&m); err != nil {
		t.Fatalf("failed to decode response body: %v", err)
	}
	return m
}

func postJSON(t *testing.T, url string, payload any) *http.Response {
	t.Helper()
	b, _ := json.Marshal(payload)
	resp, err := http.Post(url, "application/json", bytes.NewReader(b))
	if err != nil {
		t.Fatalf("request failed: %v", err)
	}
	return resp
}

// ---------------------------------------------------------------------------
// Tests
// ---------------------------------------------------------------------------

func TestHealthEndpoint(t *testing.T) {
	ts := newTestServer(t, nil, nil)
	defer ts.Close()

	resp, err := http.Get(ts.URL + "/api/health")
	if err != nil {
		t.Fatalf("request failed: %v", err)
	}
	defer resp.Body.Close() //nolint:errcheck

	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}
	if resp.Header.Get("Cache-Control") != "no-store" {
		t.Error("expected no-store cache header")
	}

	body := decodeBody(t, resp)
	if body["ok"] != true {
		t.Fatalf("expected ok=true, got %v", body["ok"])
	}
}

func TestInstancesEndpoint(t *testing.T) {
	ts := newTestServer(t, nil, nil)
	defer ts.Close()

	resp, err := http.Get(ts.URL + "/api/instances")
	if err != nil {
		t.Fatalf("request failed: %v", err)
	}
	defer resp.Body.Close() //nolint:errcheck

	body := decodeBody(t, resp)
	items, ok := body["items"].([]any)
	if !ok || len(items) != 1 {
		t.Fatalf("expected 1 instance, got %v", body["items"])
	}
	first := items[0].(map[string]any)
	if first["weightDifferenceThreshold"] != 10.0 {
		t.Errorf("unexpected instance: %v", first)
	}
}

func TestEntitiesList(t *testing.T) {
	var gotInstance string
	ts := newTestServer(t, &mockCatalog{
		listFn: func(_ context.Context, instance string) ([]domain.Entity, error) {
			gotInstance = instance
			return []domain.Entity{sampleEntity()}, nil
		},
	}, nil)
	defer ts.Close()

	resp, err := http.Get(ts.URL + "/api/entities?instance=Bathroom")
	if err != nil {
		t.Fatalf("request failed: %v", err)
	}
	defer resp.Body.Close() //nolint:errcheck

	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}
	if gotInstance != "Bathroom" {
		t.Errorf("expected instance filter Bathroom, got %q", gotInstance)
	}
	body := decodeBody(t, resp)
	if items, ok := body["items"].([]any); !ok || len(items) != 1 {
		t.Fatalf("unexpected items: %v", body["items"])
	}
}

func TestEntityGet(t *testing.T) {
	ts := newTestServer(t, nil, nil)
	defer ts.Close()

	tests := []struct {
		path       string
		wantStatus int
	}{
		{"/api/entities/sensor.mpws_bathroom_person_1_weight", http.StatusOK},
		{"/api/entities/sensor.nope", http.StatusNotFound},
	}
	for _, tc := range tests {
		t.Run(tc.path, func(t *testing.T) {
			resp, err := http.Get(ts.URL + tc.path)
			if err != nil {
				t.Fatalf("request failed: %v", err)
			}
			defer resp.Body.Close() //nolint:errcheck
			if resp.StatusCode != tc.wantStatus {
				t.Fatalf("expected %d, got %d", tc.wantStatus, resp.StatusCode)
			}
		})
	}
}

func TestEntityRecent(t *testing.T) {
	ts := newTestServer(t, nil, nil)
	defer ts.Close()

	resp, err := http.Get(ts.URL + "/api/entities/sensor.mpws_bathroom_person_1_weight/recent?limit=1")
	if err != nil {
		t.Fatalf("request failed: %v", err)
	}
	defer resp.Body.Close() //nolint:errcheck

	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}
	body := decodeBody(t, resp)
	items, ok := body["items"].([]any)
	if !ok || len(items) != 1 {
		t.Fatalf("expected 1 item, got %v", body["items"])
	}
	if v := items[0].(map[string]any)["value"]; v != 81.0 {
		t.Errorf("expected newest value 81, got %v", v)
	}

	// Values are always reported in kilograms.
	lb, err := http.Get(ts.URL + "/api/entities/sensor.mpws_bathroom_person_1_weight/recent?limit=1&unit=lb")
	if err != nil {
		t.Fatalf("request failed: %v", err)
	}
	defer lb.Body.Close() //nolint:errcheck
	lbItems, _ := decodeBody(t, lb)["items"].([]any)
	if len(lbItems) != 1 || lbItems[0].(map[string]any)["value"] != 81.0 {
		t.Fatalf("expected the stored kg value, got %v", lbItems)
	}
}

func TestEntityMethodNotAllowed(t *testing.T) {
	ts := newTestServer(t, nil, nil)
	defer ts.Close()

	resp := postJSON(t, ts.URL+"/api/entities", map[string]any{})
	defer resp.Body.Close() //nolint:errcheck
	if resp.StatusCode != http.StatusMethodNotAllowed {
		t.Fatalf("expected 405, got %d", resp.StatusCode)
	}
}

func TestSourceEvent(t *testing.T) {
	src := webhook.New()
	var got []domain.StateChange
	_, _ = src.Subscribe(context.Background(), "sensor.scale", func(_ context.Context, ev domain.StateChange) {
		got = append(got, ev)
	})

	ts := newTestServer(t, nil, src)
	defer ts.Close()

	tests := []struct {
		name       string
		payload    map[string]any
		wantStatus int
	}{
		{"valid", map[string]any{"new_state": "80.4"}, http.StatusAccepted},
		{"with old state", map[string]any{"old_state": "80.4", "new_state": "81"}, http.StatusAccepted},
		{"malformed value still accepted", map[string]any{"new_state": "abc"}, http.StatusAccepted},
		{"missing state", map[string]any{"old_state": "1"}, http.StatusBadRequest},
		{"unknown field", map[string]any{"new_state": "1", "unit": "kg"}, http.StatusBadRequest},
		{"other entity", map[string]any{"entity_id": "sensor.other", "new_state": "1"}, http.StatusBadRequest},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			resp := postJSON(t, ts.URL+"/api/sources/sensor.scale/events", tc.payload)
			defer resp.Body.Close() //nolint:errcheck
			if resp.StatusCode != tc.wantStatus {
				t.Fatalf("expected %d, got %d", tc.wantStatus, resp.StatusCode)
			}
		})
	}

	if len(got) != 3 {
		t.Fatalf("expected 3 delivered events, got %d", len(got))
	}
	if got[0].NewState != "80.4" || got[1].OldState != "80.4" {
		t.Errorf("unexpected events: %+v", got)
	}
}

func TestSourceEventDisabledWithoutIngest(t *testing.T) {
	ts := newTestServer(t, nil, nil)
	defer ts.Close()

	resp := postJSON(t, ts.URL+"/api/sources/sensor.scale/events", map[string]any{"new_state": "1"})
	defer resp.Body.Close() //nolint:errcheck
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", resp.StatusCode)
	}
}

func TestSourceEventRateLimited(t *testing.T) {
	srv := adapthttp.New(app.NewSubjectService(&mockCatalog{}), staticInstances{}, adapthttp.Options{
		Ingest:      webhook.New(),
		IngestRate:  0.001,
		IngestBurst: 1,
	}).WithoutAuth()
	ts := httptest.NewServer(srv.Handler())
	defer ts.Close()

	first := postJSON(t, ts.URL+"/api/sources/s/events", map[string]any{"new_state": "1"})
	_ = first.Body.Close()
	second := postJSON(t, ts.URL+"/api/sources/s/events", map[string]any{"new_state": "2"})
	defer second.Body.Close() //nolint:errcheck

	if first.StatusCode != http.StatusAccepted || second.StatusCode != http.StatusTooManyRequests {
		t.Fatalf("expected 202 then 429, got %d then %d", first.StatusCode, second.StatusCode)
	}
}

func TestMetricsEndpoint(t *testing.T) {
	ts := newTestServer(t, nil, nil)
	defer ts.Close()

	resp, err := http.Get(ts.URL + "/metrics")
	if err != nil {
		t.Fatalf("request failed: %v", err)
	}
	defer resp.Body.Close() //nolint:errcheck
	buf := new(strings.Builder)
	_, _ = buf.ReadFrom(resp.Body)
	if resp.StatusCode != http.StatusOK || !strings.Contains(buf.String(), "# metrics") {
		t.Fatalf("unexpected metrics response %d %q", resp.StatusCode, buf.String())
	}
}

func TestBearerAuth(t *testing.T) {
	hash, err := bcrypt.GenerateFromPassword([]byte("s3cret"), bcrypt.MinCost)
	if err != nil {
		t.Fatal(err)
	}
	srv := adapthttp.New(app.NewSubjectService(&mockCatalog{}), staticInstances{}, adapthttp.Options{
		TokenHash: string(hash),
	})
	ts := httptest.NewServer(srv.Handler())
	defer ts.Close()

	tests := []struct {
		name       string
		path       string
		header     string
		wantStatus int
	}{
		{"health is public", "/api/health", "", http.StatusOK},
		{"missing token", "/api/entities", "", http.StatusUnauthorized},
		{"wrong token", "/api/entities", "Bearer nope", http.StatusUnauthorized},
		{"valid token", "/api/entities", "Bearer s3cret", http.StatusOK},
		{"query token", "/api/entities?access_token=s3cret", "", http.StatusOK},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			req, _ := http.NewRequest(http.MethodGet, ts.URL+tc.path, nil)
			if tc.header != "" {
				req.Header.Set("Authorization", tc.header)
			}
			resp, err := http.DefaultClient.Do(req)
			if err != nil {
				t.Fatalf("request failed: %v", err)
			}
			defer resp.Body.Close() //nolint:errcheck
			if resp.StatusCode != tc.wantStatus {
				t.Fatalf("expected %d, got %d", tc.wantStatus, resp.StatusCode)
			}
		})
	}
}
