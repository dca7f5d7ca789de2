package main

import (
	"bytes"
	"encoding/json"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/xpadev-net/ice-launcher/internal/icecast"
	"github.com/xpadev-net/ice-launcher/internal/status"
)

func serveSnapshot(t *testing.T, s *status.Snapshot) (host, port string) {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(s)
	}))
	t.Cleanup(srv.Close)

	host, port, err := net.SplitHostPort(strings.TrimPrefix(srv.URL, "http://"))
	if err != nil {
		t.Fatal(err)
	}
	return host, port
}

func TestRunHealthy(t *testing.T) {
	host, port := serveSnapshot(t, &status.Snapshot{
		Clients: map[string][]string{"radio1": {}},
		Icecast: &icecast.ServerStatus{Sources: map[string]map[string]string{}},
	})

	var stdout, stderr bytes.Buffer
	code := run([]string{"--host", host, "--port", port, "-v"}, &stdout, &stderr)

	if code != 0 {
		t.Fatalf("exit code = %d, stderr = %s", code, stderr.String())
	}
	if !strings.Contains(stdout.String(), "ice-launcher health checks OK.") {
		t.Errorf("stdout = %q", stdout.String())
	}
	if !strings.Contains(stdout.String(), "Found 0 mount(s)") {
		t.Errorf("verbose output missing: %q", stdout.String())
	}
}

func TestRunFailing(t *testing.T) {
	host, port := serveSnapshot(t, &status.Snapshot{
		Clients: map[string][]string{"radio1": {"c1"}},
		Icecast: &icecast.ServerStatus{Sources: map[string]map[string]string{}},
	})

	var stdout, stderr bytes.Buffer
	code := run([]string{"--host", host, "--port", port}, &stdout, &stderr)

	if code != 1 {
		t.Errorf("exit code = %d, want 1", code)
	}
	if !strings.Contains(stderr.String(), "failed with 1 error(s)") {
		t.Errorf("stderr = %q", stderr.String())
	}
}

func TestRunUnreachable(t *testing.T) {
	var stdout, stderr bytes.Buffer
	code := run([]string{"--host", "127.0.0.1", "--port", "1", "--timeout", "1s"}, &stdout, &stderr)
	if code != 1 {
		t.Errorf("exit code = %d, want 1", code)
	}
	if !strings.Contains(stderr.String(), "Error getting ice-launcher status") {
		t.Errorf("stderr = %q", stderr.String())
	}
}

func TestRunVersion(t *testing.T) {
	var stdout, stderr bytes.Buffer
	if code := run([]string{"-V"}, &stdout, &stderr); code != 0 {
		t.Errorf("exit code = %d", code)
	}
	if !strings.HasPrefix(stdout.String(), "icehealth ") {
		t.Errorf("stdout = %q", stdout.String())
	}
}
