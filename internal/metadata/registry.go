package metadata

import (
	"sort"
	"sync"

	"github.com/puzpuzpuz/xsync/v3"
	"go.uber.org/zap"

	"github.com/xpadev-net/ice-launcher/internal/config"
	"github.com/xpadev-net/ice-launcher/internal/icy"
	"github.com/xpadev-net/ice-launcher/internal/log"
)

// Registry owns at most one Updater per mount.
type Registry struct {
	decoder   Decoder
	publisher Publisher
	opts      Options

	// mu serializes Add and Remove; readers use the map directly.
	mu       sync.Mutex
	closed   bool
	updaters *xsync.MapOf[string, *Updater]
}

// NewRegistry creates an empty registry.
func NewRegistry(decoder Decoder, publisher Publisher, opts Options) *Registry {
	if opts.MaxErrors <= 0 {
		opts.MaxErrors = 16
	}
	return &Registry{
		decoder:   decoder,
		publisher: publisher,
		opts:      opts,
		updaters:  xsync.NewMapOf[string, *Updater](),
	}
}

// Add starts an updater for mount unless metadata is disabled for it or one
// is already running. It reports whether a new updater was started.
func (r *Registry) Add(mount string, mc *config.MountConfig) bool {
	if mc == nil || !mc.Meta {
		log.Debug("metadata updating not requested", zap.String("mount", mount))
		return false
	}

	var skip *icy.SkipRule
	if mc.SkipMeta != nil {
		rule, err := icy.NewSkipRule(mc.SkipMeta.Key, mc.SkipMeta.Pattern)
		if err != nil {
			log.Error("invalid skip rule", zap.String("mount", mount), zap.Error(err))
			return false
		}
		skip = rule
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if r.closed {
		return false
	}
	if _, ok := r.updaters.Load(mount); ok {
		log.Debug("metadata updater already running", zap.String("mount", mount))
		return false
	}

	u := newUpdater(mount, mc.Input, skip, r.decoder, r.publisher, r.opts, r.removeSelf)
	r.updaters.Store(mount, u)
	u.start()

	log.Info("metadata updater started", zap.String("mount", mount), zap.String("stream", mc.Input))
	return true
}

// Remove stops the updater for mount, if any. With wait set it blocks until
// the updater has exited. It must not be called with wait from the updater
// itself.
func (r *Registry) Remove(mount string, wait bool) {
	r.mu.Lock()
	u, ok := r.updaters.LoadAndDelete(mount)
	r.mu.Unlock()

	if !ok {
		log.Debug("no metadata updater running", zap.String("mount", mount))
		return
	}

	u.Stop()
	if wait {
		u.Wait()
	}
	log.Info("metadata updater stopped", zap.String("mount", mount))
}

// removeSelf drops u from the registry if it is still the registered updater
// for its mount. It never waits.
func (r *Registry) removeSelf(u *Updater) {
	r.mu.Lock()
	removed := false
	if cur, ok := r.updaters.Load(u.mount); ok && cur == u {
		r.updaters.Delete(u.mount)
		removed = true
	}
	r.mu.Unlock()

	u.Stop()
	if removed {
		log.Info("metadata updater removed itself", zap.String("mount", u.mount))
	}
}

// RemoveAll stops every updater and waits for all of them. Later calls to Add
// are ignored.
func (r *Registry) RemoveAll() {
	r.mu.Lock()
	r.closed = true
	var all []*Updater
	r.updaters.Range(func(_ string, u *Updater) bool {
		all = append(all, u)
		return true
	})
	for _, u := range all {
		r.updaters.Delete(u.mount)
	}
	r.mu.Unlock()

	log.Debug("removing all metadata updaters", zap.Int("count", len(all)))
	for _, u := range all {
		u.Stop()
	}
	for _, u := range all {
		u.Wait()
	}
}

// Get returns the updater registered for mount.
func (r *Registry) Get(mount string) (*Updater, bool) {
	return r.updaters.Load(mount)
}

// Len returns the number of registered updaters.
func (r *Registry) Len() int {
	return r.updaters.Size()
}

// Statuses returns a snapshot of every registered updater, sorted by mount.
func (r *Registry) Statuses() []Status {
	var out []Status
	r.updaters.Range(func(_ string, u *Updater) bool {
		out = append(out, u.Status())
		return true
	})
	sort.Slice(out, func(i, j int) bool { return out[i].Mount < out[j].Mount })
	return out
}
