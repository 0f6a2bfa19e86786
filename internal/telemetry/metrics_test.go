package telemetry

import (
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
)

func TestHandlerExposesDispatchMetrics(t *testing.T) {
	SubmissionAttempts.WithLabelValues("ok").Inc()
	WorkersGauge.WithLabelValues("alice").Set(2)

	srv := httptest.NewServer(Handler())
	defer srv.Close()
	// a second call must not register twice
	_ = Handler()

	resp, err := http.Get(srv.URL)
	if err != nil {
		t.Fatalf("get metrics: %v", err)
	}
	defer resp.Body.Close()
	body, _ := io.ReadAll(resp.Body)

	for _, want := range []string{
		`dispatch_submission_attempts_total{outcome="ok"}`,
		`dispatch_identity_workers{identity="alice"} 2`,
		"dispatch_throttle_wait_seconds_bucket",
	} {
		if !strings.Contains(string(body), want) {
			t.Fatalf("metrics output missing %s", want)
		}
	}
}
