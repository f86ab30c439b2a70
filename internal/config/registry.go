package config

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/patrickmn/go-cache"
	"gopkg.in/yaml.v3"

	"github.com/mcpfleet/fleet/internal/log"
)

// resolveTTL bounds how long a resolved spawn tuple may be served without
// consulting the live server list again.
const resolveTTL = time.Minute

// defaultDebounce coalesces bursts of file events into one reload.
const defaultDebounce = 500 * time.Millisecond

// ErrUnknownServer is returned when a spawn command names a server id
// that has no registry entry.
var ErrUnknownServer = fmt.Errorf("no config found for server")

// ServerRegistry resolves server ids to spawn tuples. It serves lookups
// from a TTL cache and, when watching, reloads the servers section of the
// config file whenever it changes on disk.
type ServerRegistry struct {
	configPath string
	debounce   time.Duration

	mu      sync.RWMutex
	servers []ServerEntry

	lookups *cache.Cache

	fsWatcher *fsnotify.Watcher
	onReload  chan struct{}
	done      chan struct{}
	stopOnce  sync.Once
}

// NewServerRegistry creates a registry seeded with the given entries.
// configPath may be empty; Watch then has nothing to observe.
func NewServerRegistry(configPath string, initial []ServerEntry) *ServerRegistry {
	return &ServerRegistry{
		configPath: configPath,
		debounce:   defaultDebounce,
		servers:    initial,
		lookups:    cache.New(resolveTTL, 2*resolveTTL),
		onReload:   make(chan struct{}, 1),
		done:       make(chan struct{}),
	}
}

// Resolve returns the spawn tuple for a server id. Hits are served from
// the TTL cache; misses consult the current list.
func (r *ServerRegistry) Resolve(id string) (ServerEntry, error) {
	if hit, ok := r.lookups.Get(id); ok {
		return hit.(ServerEntry), nil
	}

	r.mu.RLock()
	entry, ok := FindServer(r.servers, id)
	r.mu.RUnlock()
	if !ok {
		return ServerEntry{}, fmt.Errorf("%w %s", ErrUnknownServer, id)
	}

	r.lookups.SetDefault(id, entry)
	return entry, nil
}

// Servers returns a snapshot of the current entries.
func (r *ServerRegistry) Servers() []ServerEntry {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]ServerEntry, len(r.servers))
	copy(out, r.servers)
	return out
}

// Reload re-reads the servers section from the config file and flushes
// the lookup cache. Invalid entries keep the previous list.
func (r *ServerRegistry) Reload() error {
	if r.configPath == "" {
		return nil
	}

	data, err := os.ReadFile(r.configPath)
	if err != nil {
		return fmt.Errorf("reading config: %w", err)
	}

	var partial struct {
		Servers []ServerEntry `yaml:"servers"`
	}
	if err := yaml.Unmarshal(data, &partial); err != nil {
		return fmt.Errorf("parsing config: %w", err)
	}
	if err := ValidateServers(partial.Servers); err != nil {
		return fmt.Errorf("invalid servers section: %w", err)
	}

	r.mu.Lock()
	r.servers = partial.Servers
	r.mu.Unlock()
	r.lookups.Flush()

	log.Info(log.CatConfig, "server registry reloaded",
		"path", r.configPath, "servers", len(partial.Servers))

	select {
	case r.onReload <- struct{}{}:
	default:
	}
	return nil
}

// Reloads returns a channel that receives a signal after each successful
// reload. Signals are coalesced.
func (r *ServerRegistry) Reloads() <-chan struct{} {
	return r.onReload
}

// Watch begins observing the config file for changes. Each write burst is
// debounced into a single Reload.
func (r *ServerRegistry) Watch() error {
	if r.configPath == "" {
		return fmt.Errorf("no config path to watch")
	}

	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("creating fsnotify watcher: %w", err)
	}

	// Watch the directory; editors replace files rather than write in place.
	dir := filepath.Dir(r.configPath)
	if err := fsw.Add(dir); err != nil {
		_ = fsw.Close()
		return fmt.Errorf("watching directory %s: %w", dir, err)
	}

	r.fsWatcher = fsw
	log.SafeGo("config.registry.watch", r.loop)
	return nil
}

// Stop terminates the watcher and releases resources.
func (r *ServerRegistry) Stop() {
	r.stopOnce.Do(func() {
		close(r.done)
		if r.fsWatcher != nil {
			_ = r.fsWatcher.Close()
		}
	})
}

// loop processes file system events with debouncing.
func (r *ServerRegistry) loop() {
	var (
		timer   *time.Timer
		pending bool
	)

	for {
		select {
		case event, ok := <-r.fsWatcher.Events:
			if !ok {
				return
			}
			if !r.isRelevantEvent(event) {
				continue
			}

			if timer == nil {
				timer = time.NewTimer(r.debounce)
				pending = true
			} else {
				if !timer.Stop() {
					// Drain the timer channel if it already fired
					select {
					case <-timer.C:
					default:
					}
				}
				timer.Reset(r.debounce)
				pending = true
			}

		case <-func() <-chan time.Time {
			if timer != nil {
				return timer.C
			}
			return nil
		}():
			if pending {
				pending = false
				if err := r.Reload(); err != nil {
					log.ErrorErr(log.CatConfig, "config reload failed", err,
						"path", r.configPath)
				}
			}

		case err, ok := <-r.fsWatcher.Errors:
			if !ok {
				return
			}
			log.Warn(log.CatConfig, "watcher error", "error", err)

		case <-r.done:
			if timer != nil {
				timer.Stop()
			}
			return
		}
	}
}

// isRelevantEvent checks whether the event touches the config file.
func (r *ServerRegistry) isRelevantEvent(event fsnotify.Event) bool {
	if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
		return false
	}
	return filepath.Base(event.Name) == filepath.Base(r.configPath)
}
