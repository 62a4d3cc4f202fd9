package telemetry

import (
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"
)

func TestMetrics_NilSafe(t *testing.T) {
	var m *Metrics
	m.ObserveJobRun("j", "ran", time.Second, true)
	m.ObserveNotification("inbox", nil)
	m.ObserveTurn("main", "ok")
	m.SessionBusy(1)
	m.SetJobsLoaded(3)
	if m.Registry() != nil {
		t.Fatal("nil metrics should have nil registry")
	}
}

func TestMetrics_HandlerExposesCounters(t *testing.T) {
	m := NewMetrics()
	m.ObserveJobRun("morning-check", "ran", 2*time.Second, true)
	m.ObserveJobRun("morning-check", "skipped-busy", 0, false)
	m.ObserveNotification("telegram", errors.New("boom"))
	m.SetJobsLoaded(2)

	srv := httptest.NewServer(m.Handler())
	defer srv.Close()

	resp, err := http.Get(srv.URL)
	if err != nil {
		t.Fatalf("get metrics: %v", err)
	}
	defer resp.Body.Close()
	body, _ := io.ReadAll(resp.Body)
	text := string(body)

	for _, want := range []string{
		`cordell_job_runs_total{job="morning-check",status="ran"} 1`,
		`cordell_job_runs_total{job="morning-check",status="skipped-busy"} 1`,
		`cordell_notifications_total{result="error",sink="telegram"} 1`,
		`cordell_jobs_loaded 2`,
		`cordell_job_run_duration_seconds_count{job="morning-check"} 1`,
	} {
		if !strings.Contains(text, want) {
			t.Errorf("metrics output missing %q", want)
		}
	}
}
