package status

import (
	"context"
	"regexp"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"github.com/xpadev-net/ice-launcher/internal/icecast"
	"github.com/xpadev-net/ice-launcher/internal/launcher"
	"github.com/xpadev-net/ice-launcher/internal/log"
	"github.com/xpadev-net/ice-launcher/internal/metadata"
)

// authPattern matches user:password@ in URLs.
var authPattern = regexp.MustCompile(`[-\w\s]+?:[^@:]+?@`)

const authMask = "*****:****@"

// Mask replaces embedded credentials in s.
func Mask(s string) string {
	return authPattern.ReplaceAllString(s, authMask)
}

// MountLister provides per-mount views.
type MountLister interface {
	Mounts() []launcher.MountView
}

// UpdaterLister provides metadata updater states.
type UpdaterLister interface {
	Statuses() []metadata.Status
}

// Upstream fetches the media server's own statistics.
type Upstream interface {
	Stats(ctx context.Context) (*icecast.ServerStatus, error)
}

// Process describes a running source process.
type Process struct {
	ID      string    `json:"id"`
	PID     int       `json:"pid"`
	Command string    `json:"command"`
	Started time.Time `json:"started"`
}

// Snapshot is the launcher state reported on /api/status.json.
type Snapshot struct {
	Clients      map[string][]string        `json:"clients"`
	Processes    map[string]Process         `json:"processes"`
	Metadata     map[string]metadata.Status `json:"metadata"`
	Icecast      *icecast.ServerStatus      `json:"icecast,omitempty"`
	IcecastError string                     `json:"icecast_error,omitempty"`
	GeneratedAt  time.Time                  `json:"generated_at"`
}

// Aggregator assembles snapshots. It never takes controller locks.
type Aggregator struct {
	mounts   MountLister
	updaters UpdaterLister
	upstream Upstream
	timeout  time.Duration

	group singleflight.Group
}

// NewAggregator creates an aggregator. upstream may be nil.
func NewAggregator(mounts MountLister, updaters UpdaterLister, upstream Upstream, timeout time.Duration) *Aggregator {
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &Aggregator{
		mounts:   mounts,
		updaters: updaters,
		upstream: upstream,
		timeout:  timeout,
	}
}

// Snapshot collects the current state. An upstream failure is reported in
// IcecastError rather than failing the snapshot.
func (a *Aggregator) Snapshot(ctx context.Context) *Snapshot {
	s := &Snapshot{
		Clients:     make(map[string][]string),
		Processes:   make(map[string]Process),
		Metadata:    make(map[string]metadata.Status),
		GeneratedAt: time.Now().UTC(),
	}

	for _, v := range a.mounts.Mounts() {
		s.Clients[v.Mount] = v.Clients
		if v.Process != nil {
			s.Processes[v.Mount] = Process{
				ID:      v.Process.ID,
				PID:     v.Process.PID,
				Command: Mask(joinArgs(v.Process.Command)),
				Started: v.Process.Started,
			}
		}
	}
	for _, st := range a.updaters.Statuses() {
		st.Stream = Mask(st.Stream)
		s.Metadata[st.Mount] = st
	}

	if a.upstream != nil {
		stats, err := a.fetchUpstream(ctx)
		if err != nil {
			log.Warn("failed to fetch icecast status", zap.Error(err))
			s.IcecastError = Mask(err.Error())
		} else {
			s.Icecast = stats
		}
	}
	return s
}

// fetchUpstream coalesces concurrent status requests into one upstream call.
func (a *Aggregator) fetchUpstream(ctx context.Context) (*icecast.ServerStatus, error) {
	ch := a.group.DoChan("icecast", func() (interface{}, error) {
		fetchCtx, cancel := context.WithTimeout(context.Background(), a.timeout)
		defer cancel()
		return a.upstream.Stats(fetchCtx)
	})

	select {
	case res := <-ch:
		if res.Err != nil {
			return nil, res.Err
		}
		return res.Val.(*icecast.ServerStatus), nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func joinArgs(args []string) string {
	quoted := make([]string, len(args))
	for i, arg := range args {
		if arg == "" || strings.ContainsAny(arg, " \t\n'\"\\$&;|<>*?()") {
			quoted[i] = strconv.Quote(arg)
		} else {
			quoted[i] = arg
		}
	}
	return strings.Join(quoted, " ")
}
