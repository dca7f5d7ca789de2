package metadata

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/xpadev-net/ice-launcher/internal/icy"
	"github.com/xpadev-net/ice-launcher/internal/log"
	"github.com/xpadev-net/ice-launcher/internal/metrics"
)

// State represents the updater's lifecycle state.
type State string

const (
	StateRunning  State = "running"
	StateStopping State = "stopping"
	StateStopped  State = "stopped"
)

// TitleKey is the metadata key republished to icecast.
const TitleKey = "StreamTitle"

// Decoder reads the current metadata of a stream.
type Decoder interface {
	Decode(ctx context.Context, streamURL string, skip *icy.SkipRule) (icy.Metadata, error)
}

// Publisher pushes a title to the media server.
type Publisher interface {
	PushMetadata(ctx context.Context, mount, title string) error
}

// Options configures updater behavior.
type Options struct {
	Interval  time.Duration
	MaxErrors int
}

// Status is a point-in-time view of an updater.
type Status struct {
	Mount      string  `json:"mount"`
	Stream     string  `json:"stream"`
	Title      *string `json:"title"`
	ErrorCount int     `json:"error_count"`
	State      State   `json:"state"`
}

// Updater polls one mount's source stream and republishes title changes.
type Updater struct {
	mount     string
	stream    string
	skip      *icy.SkipRule
	decoder   Decoder
	publisher Publisher
	interval  time.Duration
	maxErrors int

	// onFatal is called once the error budget is exhausted.
	onFatal func(*Updater)

	ctx      context.Context
	cancel   context.CancelFunc
	stopOnce sync.Once
	done     chan struct{}

	mu         sync.Mutex
	state      State
	lastTitle  *string
	errorCount int
}

func newUpdater(mount, stream string, skip *icy.SkipRule, decoder Decoder, publisher Publisher, opts Options, onFatal func(*Updater)) *Updater {
	ctx, cancel := context.WithCancel(context.Background())
	return &Updater{
		mount:     mount,
		stream:    stream,
		skip:      skip,
		decoder:   decoder,
		publisher: publisher,
		interval:  opts.Interval,
		maxErrors: opts.MaxErrors,
		onFatal:   onFatal,
		ctx:       ctx,
		cancel:    cancel,
		done:      make(chan struct{}),
		state:     StateRunning,
	}
}

// Mount returns the mount this updater serves.
func (u *Updater) Mount() string { return u.mount }

// Stop signals the updater to exit. It never blocks and may be called
// repeatedly.
func (u *Updater) Stop() {
	u.stopOnce.Do(func() {
		u.mu.Lock()
		if u.state == StateRunning {
			u.state = StateStopping
		}
		u.mu.Unlock()
		u.cancel()
	})
}

// Wait blocks until the updater loop has exited.
func (u *Updater) Wait() {
	<-u.done
}

// Done is closed when the updater loop has exited.
func (u *Updater) Done() <-chan struct{} { return u.done }

// Status returns a snapshot of the updater.
func (u *Updater) Status() Status {
	u.mu.Lock()
	defer u.mu.Unlock()
	s := Status{
		Mount:      u.mount,
		Stream:     u.stream,
		ErrorCount: u.errorCount,
		State:      u.state,
	}
	if u.lastTitle != nil {
		title := *u.lastTitle
		s.Title = &title
	}
	return s
}

func (u *Updater) start() {
	metrics.MetadataUpdaters.Inc()
	go u.run()
}

func (u *Updater) run() {
	defer func() {
		u.mu.Lock()
		u.state = StateStopped
		u.mu.Unlock()
		metrics.MetadataUpdaters.Dec()
		close(u.done)
		log.Debug("metadata updater exited", zap.String("mount", u.mount))
	}()

	for {
		if u.cycle() {
			log.Error("metadata updater giving up",
				zap.String("mount", u.mount),
				zap.Int("errors", u.errors()),
			)
			if u.onFatal != nil {
				u.onFatal(u)
			}
			u.Stop()
			return
		}

		timer := time.NewTimer(u.interval)
		select {
		case <-u.ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
		}
	}
}

// cycle runs one decode-and-push round and reports whether the error budget
// is exhausted.
func (u *Updater) cycle() bool {
	if u.ctx.Err() != nil {
		return false
	}

	meta, err := u.decoder.Decode(u.ctx, u.stream, u.skip)
	if err != nil {
		if u.ctx.Err() != nil {
			return false
		}
		return u.fail("failed to read stream metadata", err)
	}
	if meta == nil {
		log.Debug("no metadata returned", zap.String("mount", u.mount))
		u.succeed(nil)
		return false
	}
	title, ok := meta[TitleKey]
	if !ok {
		log.Warn("no usable metadata",
			zap.String("mount", u.mount),
			zap.Any("metadata", map[string]string(meta)),
		)
		u.succeed(nil)
		return false
	}

	u.mu.Lock()
	unchanged := u.lastTitle != nil && *u.lastTitle == title
	u.mu.Unlock()
	if unchanged {
		log.Debug("metadata unchanged", zap.String("mount", u.mount), zap.String("title", title))
		u.succeed(nil)
		return false
	}

	if err := u.publisher.PushMetadata(u.ctx, u.mount, title); err != nil {
		if u.ctx.Err() != nil {
			return false
		}
		return u.fail("failed to update metadata", err)
	}
	metrics.MetadataPushes.WithLabelValues(u.mount).Inc()
	log.Info("metadata updated", zap.String("mount", u.mount), zap.String("title", title))
	u.succeed(&title)
	return false
}

func (u *Updater) succeed(title *string) {
	u.mu.Lock()
	defer u.mu.Unlock()
	u.errorCount = 0
	if title != nil {
		u.lastTitle = title
	}
}

func (u *Updater) fail(msg string, err error) bool {
	metrics.MetadataErrors.WithLabelValues(u.mount).Inc()

	u.mu.Lock()
	u.errorCount++
	count := u.errorCount
	u.mu.Unlock()

	log.Warn(msg,
		zap.String("mount", u.mount),
		zap.Int("errors", count),
		zap.Error(err),
	)
	return count >= u.maxErrors
}

func (u *Updater) errors() int {
	u.mu.Lock()
	defer u.mu.Unlock()
	return u.errorCount
}
