package health

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"
)

func decode(t *testing.T, rec *httptest.ResponseRecorder) result {
	t.Helper()
	var body result
	if err := json.NewDecoder(rec.Body).Decode(&body); err != nil {
		t.Fatalf("decode JSON: %v", err)
	}
	return body
}

type fakeGroup struct{ healthy bool }

func (g fakeGroup) Healthy() bool { return g.healthy }

func TestHealthz_ReportsInfo(t *testing.T) {
	t.Parallel()
	h := New(nil, WithInfo(func() map[string]string {
		return map[string]string{"state": "armed"}
	}))

	rec := httptest.NewRecorder()
	h.Healthz(rec, httptest.NewRequest("GET", "/healthz", nil))

	if rec.Code != http.StatusOK {
		t.Errorf("status = %d, want %d", rec.Code, http.StatusOK)
	}
	if ct := rec.Header().Get("Content-Type"); ct != "application/json; charset=utf-8" {
		t.Errorf("Content-Type = %q", ct)
	}
	body := decode(t, rec)
	if body.Status != "ok" || body.Info["state"] != "armed" {
		t.Errorf("body = %+v", body)
	}
}

func TestReadyz_AllCheckersPass(t *testing.T) {
	t.Parallel()
	h := New([]Checker{
		{Name: "journal", Check: func(context.Context) error { return nil }},
		GroupChecker("stt", fakeGroup{healthy: true}),
	})

	rec := httptest.NewRecorder()
	h.Readyz(rec, httptest.NewRequest("GET", "/readyz", nil))

	if rec.Code != http.StatusOK {
		t.Errorf("status = %d, want %d", rec.Code, http.StatusOK)
	}
	body := decode(t, rec)
	if body.Status != "ok" || body.Checks["journal"] != "ok" || body.Checks["stt"] != "ok" {
		t.Errorf("body = %+v", body)
	}
}

func TestReadyz_CheckerFails(t *testing.T) {
	t.Parallel()
	h := New([]Checker{
		{Name: "journal", Check: func(context.Context) error { return errors.New("connection refused") }},
		GroupChecker("tts", fakeGroup{healthy: false}),
		GroupChecker("stt", fakeGroup{healthy: true}),
	})

	rec := httptest.NewRecorder()
	h.Readyz(rec, httptest.NewRequest("GET", "/readyz", nil))

	if rec.Code != http.StatusServiceUnavailable {
		t.Errorf("status = %d, want %d", rec.Code, http.StatusServiceUnavailable)
	}
	body := decode(t, rec)
	if body.Status != "fail" {
		t.Errorf("status = %q, want fail", body.Status)
	}
	if body.Checks["journal"] != "fail: connection refused" {
		t.Errorf("journal check = %q", body.Checks["journal"])
	}
	if body.Checks["tts"] != "fail: "+ErrNoHealthyProvider.Error() {
		t.Errorf("tts check = %q", body.Checks["tts"])
	}
	if body.Checks["stt"] != "ok" {
		t.Errorf("stt check = %q", body.Checks["stt"])
	}
}

func TestReadyz_ChecksRunConcurrently(t *testing.T) {
	t.Parallel()
	slow := func(context.Context) error {
		time.Sleep(200 * time.Millisecond)
		return nil
	}
	h := New([]Checker{{Name: "a", Check: slow}, {Name: "b", Check: slow}, {Name: "c", Check: slow}})

	start := time.Now()
	rec := httptest.NewRecorder()
	h.Readyz(rec, httptest.NewRequest("GET", "/readyz", nil))
	if elapsed := time.Since(start); elapsed > 500*time.Millisecond {
		t.Errorf("readyz took %s, checks were not concurrent", elapsed)
	}
	if rec.Code != http.StatusOK {
		t.Errorf("status = %d", rec.Code)
	}
}

func TestReadyz_NoCheckers(t *testing.T) {
	t.Parallel()
	rec := httptest.NewRecorder()
	New(nil).Readyz(rec, httptest.NewRequest("GET", "/readyz", nil))
	if rec.Code != http.StatusOK {
		t.Errorf("status = %d, want %d", rec.Code, http.StatusOK)
	}
}

func TestRegister_RoutesWork(t *testing.T) {
	t.Parallel()
	h := New([]Checker{{Name: "test", Check: func(context.Context) error { return nil }}})

	mux := http.NewServeMux()
	h.Register(mux)

	tests := []struct {
		method     string
		path       string
		wantStatus int
	}{
		{"GET", "/healthz", http.StatusOK},
		{"GET", "/readyz", http.StatusOK},
		{"POST", "/readyz", http.StatusMethodNotAllowed},
	}
	for _, tc := range tests {
		t.Run(tc.method+" "+tc.path, func(t *testing.T) {
			rec := httptest.NewRecorder()
			mux.ServeHTTP(rec, httptest.NewRequest(tc.method, tc.path, nil))
			if rec.Code != tc.wantStatus {
				t.Errorf("status = %d, want %d", rec.Code, tc.wantStatus)
			}
		})
	}
}

func TestReadyz_RespectsContextCancellation(t *testing.T) {
	t.Parallel()
	h := New([]Checker{{Name: "slow", Check: func(ctx context.Context) error {
		<-ctx.Done()
		return ctx.Err()
	}}})

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	rec := httptest.NewRecorder()
	h.Readyz(rec, httptest.NewRequest("GET", "/readyz", nil).WithContext(ctx))

	if rec.Code != http.StatusServiceUnavailable {
		t.Errorf("status = %d, want %d", rec.Code, http.StatusServiceUnavailable)
	}
}
