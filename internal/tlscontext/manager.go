package tlscontext

import (
	"context"
	"errors"
	"log/slog"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/fsnotify/fsnotify"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/polisai/trustplane/pkg/config"
)

// Manager owns the live contexts for one configuration unit. Applying a new
// configuration builds entirely new contexts and swaps them wholesale; a
// failed build keeps the last-known-good contexts serving. Connections that
// already bound a context keep it until they close, so there are no
// torn-read races during rotation.
type Manager struct {
	deps Dependencies

	mu  sync.Mutex // serializes Apply
	cfg *config.Config

	server atomic.Pointer[Context]
	client atomic.Pointer[Context]

	watcher *fsnotify.Watcher
	watched map[string]struct{}
	done    chan struct{}
	logger  *slog.Logger
}

// debounce window for bursts of file events during atomic cert renewals
// (write + rename pairs from tools like certbot).
const watchDebounce = 250 * time.Millisecond

// NewManager builds the initial contexts from cfg. Construction errors are
// fatal here since there is no previous version to fall back to.
func NewManager(cfg *config.Config, deps Dependencies) (*Manager, error) {
	deps = deps.normalize()
	m := &Manager{
		deps:   deps,
		done:   make(chan struct{}),
		logger: deps.Logger.With("component", "tls_context_manager"),
	}
	if err := m.Apply(cfg); err != nil {
		return nil, err
	}
	return m, nil
}

// ServerContext returns the live listener-side context, or nil if none is
// configured.
func (m *Manager) ServerContext() *Context { return m.server.Load() }

// ClientContext returns the live cluster-side context, or nil if none is
// configured.
func (m *Manager) ClientContext() *Context { return m.client.Load() }

// Apply validates cfg, builds new contexts, and swaps them in. On any error
// the previous contexts remain live and the error is returned to the
// configuration-management layer.
func (m *Manager) Apply(cfg *config.Config) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	_, span := otel.Tracer(instrumentationName).Start(context.Background(), "tls_context_apply")
	defer span.End()
	reject := func(err error) error {
		span.RecordError(err)
		span.SetStatus(codes.Error, "configuration rejected")
		return err
	}

	if err := cfg.Validate(); err != nil {
		return reject(err)
	}

	deps := m.deps
	if deps.Flags == nil {
		deps.Flags = NewPercentFlags(cfg.Runtime.Flags)
	}

	var server, client *Context
	var err error

	if cfg.Listener != nil {
		server, err = NewServerContext(cfg.Listener, deps)
		if err != nil {
			return reject(err)
		}
	}
	if cfg.Cluster != nil {
		client, err = NewClientContext(cfg.Cluster, deps)
		if err != nil {
			return reject(err)
		}
	}

	m.cfg = cfg
	old := m.server.Swap(server)
	m.client.Swap(client)

	if server != nil {
		span.SetAttributes(attribute.String("server_context_id", server.ID().String()))
	}
	if client != nil {
		span.SetAttributes(attribute.String("client_context_id", client.ID().String()))
	}

	if old != nil && server != nil {
		m.logger.Info("TLS contexts replaced",
			"old_context_id", old.ID().String(),
			"new_context_id", server.ID().String())
	}
	return nil
}

// WatchFiles starts watching the configured certificate, key, and CA paths
// and rebuilds the contexts when any of them changes. A rebuild failure is
// logged and the last-known-good contexts keep serving.
func (m *Manager) WatchFiles() error {
	m.mu.Lock()
	paths := watchPaths(m.cfg)
	m.mu.Unlock()

	if len(paths) == 0 {
		return errors.New("no certificate files to watch")
	}
	if m.watcher != nil {
		return errors.New("file watching already started")
	}

	// Watch parent directories, not the files themselves: an atomic
	// renewal (write to a temp name, then rename over the target) replaces
	// the inode and would silently drop a file-level watch after the first
	// renewal.
	m.watched = make(map[string]struct{}, len(paths))
	dirs := make(map[string]struct{}, len(paths))
	for _, path := range paths {
		path = filepath.Clean(path)
		m.watched[path] = struct{}{}
		dirs[filepath.Dir(path)] = struct{}{}
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	for dir := range dirs {
		if err := watcher.Add(dir); err != nil {
			watcher.Close()
			return err
		}
	}
	m.watcher = watcher

	go m.watchLoop()
	return nil
}

func (m *Manager) watchLoop() {
	var timer *time.Timer
	var timerC <-chan time.Time

	for {
		select {
		case event, ok := <-m.watcher.Events:
			if !ok {
				return
			}
			if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Remove|fsnotify.Rename) == 0 {
				continue
			}
			// Directory watches surface every file in the directory;
			// only configured certificate paths are of interest.
			if _, ok := m.watched[filepath.Clean(event.Name)]; !ok {
				continue
			}
			m.logger.Debug("certificate file changed", "file", event.Name, "op", event.Op.String())
			if timer == nil {
				timer = time.NewTimer(watchDebounce)
				timerC = timer.C
			} else {
				timer.Reset(watchDebounce)
			}

		case <-timerC:
			timer = nil
			timerC = nil
			m.mu.Lock()
			cfg := m.cfg
			m.mu.Unlock()
			if err := m.Apply(cfg); err != nil {
				m.logger.Error("TLS context rebuild failed, keeping last-known-good", "error", err)
			} else {
				m.logger.Info("TLS contexts rebuilt after certificate change")
			}

		case err, ok := <-m.watcher.Errors:
			if !ok {
				return
			}
			m.logger.Error("certificate watch error", "error", err)

		case <-m.done:
			return
		}
	}
}

// Close stops file watching. Contexts already handed to connections remain
// valid.
func (m *Manager) Close() error {
	select {
	case <-m.done:
	default:
		close(m.done)
	}
	if m.watcher != nil {
		return m.watcher.Close()
	}
	return nil
}

func watchPaths(cfg *config.Config) []string {
	var paths []string
	add := func(p string) {
		if p != "" {
			paths = append(paths, p)
		}
	}
	if cfg.Listener != nil {
		add(cfg.Listener.CACertFile)
		add(cfg.Listener.CertChainFile)
		add(cfg.Listener.PrivateKeyFile)
	}
	if cfg.Cluster != nil {
		add(cfg.Cluster.CACertFile)
		add(cfg.Cluster.CertChainFile)
		add(cfg.Cluster.PrivateKeyFile)
	}
	return paths
}
