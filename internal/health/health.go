package health

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sort"
	"strconv"
	"strings"

	"github.com/xpadev-net/ice-launcher/internal/status"
)

// Report is the outcome of checking one status snapshot.
type Report struct {
	Sources   int
	Listeners int
	Clients   int
	Processes int
	Updaters  int

	Errors   int
	Warnings int
	Messages []string
}

// OK reports whether no check failed.
func (r *Report) OK() bool {
	return r.Errors == 0
}

// Check compares launcher state with what icecast reports.
func Check(s *status.Snapshot) *Report {
	r := &Report{}

	var sources map[string]map[string]string
	if s.Icecast == nil {
		r.Errors++
		msg := "icecast section missing in status data"
		if s.IcecastError != "" {
			msg += ": " + s.IcecastError
		}
		r.Messages = append(r.Messages, msg)
	} else {
		sources = s.Icecast.Sources
		r.Listeners = s.Icecast.Listeners
	}

	r.Sources = len(sources)
	for _, clients := range s.Clients {
		r.Clients += len(clients)
	}
	r.Processes = len(s.Processes)
	r.Updaters = len(s.Metadata)

	if r.Sources != r.Clients {
		r.Errors++
	}
	if r.Sources != r.Processes {
		r.Errors++
	}
	if r.Sources > 0 && r.Listeners == 0 {
		r.Errors++
	}
	if r.Processes > r.Updaters {
		r.Warnings++
	}

	r.Messages = append(r.Messages,
		fmt.Sprintf("Found %d mount(s) on icecast server.", r.Sources),
		fmt.Sprintf("Found %d listener(s) connected to icecast server.", r.Listeners),
		fmt.Sprintf("Found %d total client(s) connected to ice-launcher.", r.Clients),
		fmt.Sprintf("Found %d mount process(es) running on ice-launcher.", r.Processes),
		fmt.Sprintf("Found %d metadata updater(s) running on ice-launcher.", r.Updaters),
	)

	mounts := make([]string, 0, len(sources))
	for mount := range sources {
		mounts = append(mounts, mount)
	}
	sort.Strings(mounts)
	for _, mount := range mounts {
		n, _ := strconv.Atoi(sources[mount]["listeners"])
		if n == 0 {
			r.Errors++
			r.Messages = append(r.Messages, fmt.Sprintf("Mount '%s' has no more listeners connected.", mount))
		}
	}

	return r
}

// Summary returns the one-line result.
func (r *Report) Summary() string {
	if r.OK() {
		return "ice-launcher health checks OK."
	}
	return fmt.Sprintf("ice-launcher health checks failed with %d error(s).", r.Errors)
}

// Fetch reads the launcher status from baseURL.
func Fetch(ctx context.Context, client *http.Client, baseURL string) (*status.Snapshot, error) {
	req, err := http.NewRequestWithContext(ctx, "GET", strings.TrimRight(baseURL, "/")+"/api/status.json", nil)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	resp, err := client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("send request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("unexpected status %d", resp.StatusCode)
	}
	var s status.Snapshot
	if err := json.NewDecoder(resp.Body).Decode(&s); err != nil {
		return nil, fmt.Errorf("decode status: %w", err)
	}
	return &s, nil
}
