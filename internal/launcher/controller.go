package launcher

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/puzpuzpuz/xsync/v3"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"golang.org/x/sync/errgroup"

	"github.com/xpadev-net/ice-launcher/internal/config"
	"github.com/xpadev-net/ice-launcher/internal/log"
	"github.com/xpadev-net/ice-launcher/internal/metrics"
	"github.com/xpadev-net/ice-launcher/internal/source"
)

// ErrUnknownMount is returned for mounts that match no configuration.
var ErrUnknownMount = errors.New("unknown mount")

// Callback actions sent by icecast.
const (
	ActionListenerAdd    = "listener_add"
	ActionListenerRemove = "listener_remove"
)

// Mount names icecast probes routinely; they are logged at debug level.
var knownUnknowns = map[string]bool{
	"server_version.xsl": true,
	"status.xsl":         true,
	"style.css":          true,
}

// Decision tells icecast whether to let a listener connect.
type Decision int

const (
	Accept Decision = iota
	Reject
)

func (d Decision) String() string {
	if d == Reject {
		return "reject"
	}
	return "accept"
}

// Event is one icecast authentication callback.
type Event struct {
	Action string
	Mount  string
	Client string
}

// ProcessHandle is a started source process.
type ProcessHandle interface {
	ID() string
	PID() int
	Args() []string
	StartedAt() time.Time
	// Exited must not block.
	Exited() bool
}

// SourceRunner starts and stops source processes.
type SourceRunner interface {
	Start(mount string, mc *config.MountConfig) (ProcessHandle, error)
	Stop(h ProcessHandle, mount string) error
}

// MetadataUpdaters attaches and detaches metadata updaters.
type MetadataUpdaters interface {
	Add(mount string, mc *config.MountConfig) bool
	Remove(mount string, wait bool)
}

type supervisorRunner struct {
	s *source.Supervisor
}

// NewSupervisorRunner adapts a source.Supervisor to SourceRunner.
func NewSupervisorRunner(s *source.Supervisor) SourceRunner {
	return supervisorRunner{s: s}
}

func (r supervisorRunner) Start(mount string, mc *config.MountConfig) (ProcessHandle, error) {
	p, err := r.s.Start(mount, mc)
	if err != nil {
		return nil, err
	}
	return p, nil
}

func (r supervisorRunner) Stop(h ProcessHandle, mount string) error {
	p, ok := h.(*source.Process)
	if !ok {
		return fmt.Errorf("unexpected process handle %T", h)
	}
	return r.s.Stop(p, mount)
}

// ProcessView describes a source process for reporting.
type ProcessView struct {
	ID      string    `json:"id"`
	PID     int       `json:"pid"`
	Command []string  `json:"command"`
	Started time.Time `json:"started"`
}

// MountView is an immutable snapshot of one mount.
type MountView struct {
	Mount   string       `json:"mount"`
	Dynamic bool         `json:"dynamic"`
	Clients []string     `json:"clients"`
	Process *ProcessView `json:"process,omitempty"`
}

type mountState struct {
	name string
	cfg  *config.MountConfig

	// mu guards clients, seq and proc.
	mu sync.Mutex
	// clients maps a client id to the add sequence that last inserted it.
	clients map[string]uint64
	seq     uint64
	proc    ProcessHandle

	view atomic.Pointer[MountView]
}

func newMountState(name string, mc *config.MountConfig) *mountState {
	st := &mountState{name: name, cfg: mc, clients: make(map[string]uint64)}
	st.publish()
	return st
}

// publish stores a fresh view; callers hold mu (or own st exclusively).
func (st *mountState) publish() {
	v := &MountView{
		Mount:   st.name,
		Dynamic: st.cfg.Dynamic,
		Clients: make([]string, 0, len(st.clients)),
	}
	for c := range st.clients {
		v.Clients = append(v.Clients, c)
	}
	sort.Strings(v.Clients)
	if st.proc != nil {
		v.Process = &ProcessView{
			ID:      st.proc.ID(),
			PID:     st.proc.PID(),
			Command: append([]string(nil), st.proc.Args()...),
			Started: st.proc.StartedAt(),
		}
	}
	st.view.Store(v)
	metrics.Listeners.WithLabelValues(st.name).Set(float64(len(st.clients)))
}

// Controller owns per-mount client sets and source processes.
type Controller struct {
	cfg      *config.LauncherConfig
	runner   SourceRunner
	updaters MetadataUpdaters

	mounts *xsync.MapOf[string, *mountState]
	// createMu guards insertion of dynamic mounts only.
	createMu sync.Mutex
	delayed  *delayedTasks
}

// NewController creates a controller with every static mount registered.
func NewController(cfg *config.LauncherConfig, runner SourceRunner, updaters MetadataUpdaters) *Controller {
	c := &Controller{
		cfg:      cfg,
		runner:   runner,
		updaters: updaters,
		mounts:   xsync.NewMapOf[string, *mountState](),
		delayed:  newDelayedTasks(),
	}
	for name, mc := range cfg.Mounts {
		c.mounts.Store(name, newMountState(name, mc))
	}
	return c
}

func (c *Controller) resolve(mount string) (*mountState, error) {
	if st, ok := c.mounts.Load(mount); ok {
		return st, nil
	}
	mc := c.cfg.FindMountConfig(mount)
	if mc == nil {
		return nil, ErrUnknownMount
	}

	c.createMu.Lock()
	defer c.createMu.Unlock()
	if st, ok := c.mounts.Load(mount); ok {
		return st, nil
	}
	st := newMountState(mount, mc)
	c.mounts.Store(mount, st)
	log.Info("dynamic mount registered", zap.String("mount", mount))
	return st, nil
}

// OnListenerAdd records client on mount, starting or restarting the source
// process when needed. A start failure leaves the client set unchanged.
func (c *Controller) OnListenerAdd(mount, client string) error {
	st, err := c.resolve(mount)
	if err != nil {
		return err
	}

	st.mu.Lock()
	defer st.mu.Unlock()
	defer st.publish()

	if len(st.clients) == 0 {
		if err := c.startSource(st, metrics.ReasonFirstListener); err != nil {
			return err
		}
		c.updaters.Add(mount, st.cfg)
	} else if st.proc == nil || st.proc.Exited() {
		log.Warn("source process died, restarting", zap.String("mount", mount))
		if err := c.startSource(st, metrics.ReasonCrashed); err != nil {
			return err
		}
	}

	st.seq++
	st.clients[client] = st.seq
	log.Debug("active clients",
		zap.String("mount", mount),
		zap.Int("count", len(st.clients)),
	)
	return nil
}

// OnListenerRemove drops client from mount, after the configured delay if
// one is set. The source process is stopped once no clients remain.
func (c *Controller) OnListenerRemove(mount, client string) error {
	st, err := c.resolve(mount)
	if err != nil {
		return err
	}

	delay := c.cfg.SourceRemoveDelay
	if delay <= 0 {
		c.removeClient(st, client, 0)
		return nil
	}

	st.mu.Lock()
	seq, ok := st.clients[client]
	st.mu.Unlock()
	if !ok {
		log.Debug("client not found", zap.String("mount", mount), zap.String("client", client))
		return nil
	}

	log.Debug("delaying client removal",
		zap.String("mount", mount),
		zap.String("client", client),
		zap.Duration("delay", delay),
	)
	c.delayed.Schedule(mount+"\x00"+client, delay, func() {
		c.removeClient(st, client, seq)
	})
	return nil
}

// removeClient deletes client if it is present and, when seq is non-zero,
// still carries the add sequence seen when the removal was requested.
func (c *Controller) removeClient(st *mountState, client string, seq uint64) {
	st.mu.Lock()
	defer st.mu.Unlock()

	cur, ok := st.clients[client]
	if !ok || (seq != 0 && cur != seq) {
		log.Debug("client not found or re-added, nothing to remove",
			zap.String("mount", st.name),
			zap.String("client", client),
		)
		return
	}
	delete(st.clients, client)

	if len(st.clients) == 0 {
		log.Info("no more clients left", zap.String("mount", st.name))
		c.stopSource(st)
		if c.cfg.MetadataStopOnIdle {
			c.updaters.Remove(st.name, false)
		}
	}
	st.publish()
}

func (c *Controller) startSource(st *mountState, reason string) error {
	log.Info("starting source", zap.String("mount", st.name), zap.String("reason", reason))
	p, err := c.runner.Start(st.name, st.cfg)
	if err != nil {
		metrics.SourceStartFailures.WithLabelValues(st.name).Inc()
		var pe *source.ProcessError
		if !errors.As(err, &pe) {
			err = &source.ProcessError{Mount: st.name, Err: err}
		}
		return err
	}
	if st.proc == nil {
		metrics.SourcesRunning.Inc()
	}
	st.proc = p
	metrics.SourceStarts.WithLabelValues(st.name, reason).Inc()
	return nil
}

func (c *Controller) stopSource(st *mountState) {
	if st.proc == nil {
		return
	}
	log.Info("stopping source", zap.String("mount", st.name))
	if err := c.runner.Stop(st.proc, st.name); err != nil {
		log.Error("failed to stop source process", zap.String("mount", st.name), zap.Error(err))
	}
	st.proc = nil
	metrics.SourcesRunning.Dec()
}

// HandleEvent applies an icecast callback and returns the answer for it.
func (c *Controller) HandleEvent(ev Event) (d Decision) {
	mount := strings.TrimLeft(ev.Mount, "/")
	lvl := zapcore.InfoLevel
	if knownUnknowns[mount] {
		lvl = zapcore.DebugLevel
	}
	defer func() {
		metrics.CallbackDecisions.WithLabelValues(ev.Action, d.String()).Inc()
	}()

	switch ev.Action {
	case ActionListenerAdd:
		log.Log(lvl, "listener_add", zap.String("mount", mount), zap.String("client", ev.Client))
		err := c.OnListenerAdd(mount, ev.Client)
		switch {
		case err == nil:
			return Accept
		case errors.Is(err, ErrUnknownMount):
			log.Log(lvl, "unknown mount for listener_add, ignoring", zap.String("mount", mount))
			if c.cfg.RejectUnknownMounts {
				return Reject
			}
			return Accept
		default:
			log.Error("rejecting listener", zap.String("mount", mount), zap.Error(err))
			return Reject
		}
	case ActionListenerRemove:
		log.Log(lvl, "listener_remove", zap.String("mount", mount), zap.String("client", ev.Client))
		if err := c.OnListenerRemove(mount, ev.Client); err != nil {
			log.Log(lvl, "unknown mount for listener_remove, ignoring", zap.String("mount", mount))
		}
		return Accept
	default:
		log.Info("unknown action", zap.String("action", ev.Action), zap.String("mount", mount))
		return Accept
	}
}

// Mounts returns the current view of every registered mount, sorted by
// name. It takes no mount locks.
func (c *Controller) Mounts() []MountView {
	var out []MountView
	c.mounts.Range(func(_ string, st *mountState) bool {
		out = append(out, *st.view.Load())
		return true
	})
	sort.Slice(out, func(i, j int) bool { return out[i].Mount < out[j].Mount })
	return out
}

// Shutdown cancels pending delayed removals and stops every source process.
func (c *Controller) Shutdown(ctx context.Context) error {
	c.delayed.Stop()

	var g errgroup.Group
	c.mounts.Range(func(_ string, st *mountState) bool {
		g.Go(func() error {
			st.mu.Lock()
			defer st.mu.Unlock()
			clear(st.clients)
			c.stopSource(st)
			st.publish()
			return nil
		})
		return true
	})

	done := make(chan struct{})
	go func() {
		_ = g.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("stop sources: %w", ctx.Err())
	}
}
