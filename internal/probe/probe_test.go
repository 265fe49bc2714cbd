package probe

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"
)

func TestHead_Reachable(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodHead {
			t.Errorf("method = %s, want HEAD", r.Method)
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	res := Head(context.Background(), srv.URL)
	if !res.Reachable {
		t.Fatalf("reachable = false, error = %q", res.Error)
	}
	if res.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200", res.StatusCode)
	}
	if res.LatencyMs < 0 {
		t.Fatalf("latency = %d, want >= 0", res.LatencyMs)
	}
}

func TestHead_AnyStatusCountsAsReachable(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	res := Head(context.Background(), srv.URL)
	if !res.Reachable {
		t.Fatal("503 response should still count as reachable")
	}
	if res.StatusCode != http.StatusServiceUnavailable {
		t.Fatalf("status = %d, want 503", res.StatusCode)
	}
}

func TestHead_ConnectionRefused(t *testing.T) {
	// Grab a port that nothing listens on.
	srv := httptest.NewServer(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {}))
	url := srv.URL
	srv.Close()

	res := Head(context.Background(), url)
	if res.Reachable {
		t.Fatal("expected unreachable")
	}
	if res.Error == "" {
		t.Fatal("expected error detail")
	}
}

func TestHeadTimeout_SlowServer(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-r.Context().Done():
		case <-time.After(2 * time.Second):
		}
	}))
	defer srv.Close()

	res := HeadTimeout(context.Background(), srv.URL, 50*time.Millisecond)
	if res.Reachable {
		t.Fatal("expected timeout to report unreachable")
	}
}
