package paneld

import (
	"context"
	"errors"
	"sync"

	"pkt.systems/paneld/core"
	"pkt.systems/paneld/httpapi"
	"pkt.systems/paneld/internal/appconfig"
	"pkt.systems/paneld/internal/auth"
	"pkt.systems/paneld/internal/lockbus"
	"pkt.systems/paneld/internal/store"
	"pkt.systems/paneld/schema"
	"pkt.systems/pslog"
)

// Server composes the HTTP API and the external change watcher.
type Server interface {
	Start(ctx context.Context) error
	Wait() error
	Stop(ctx context.Context) error
}

// ServerConfig configures the compositor.
type ServerConfig struct {
	Service    schema.ServiceConfig
	HTTP       httpapi.Config
	Auth       AuthConfig
	HubHistory int
}

// AuthConfig defines authentication storage settings.
type AuthConfig struct {
	UserFile  string
	SeedUsers []SeedUser
}

// SeedUser seeds an initial user record.
type SeedUser struct {
	Username     string
	PasswordHash string
	TOTPSecret   string
}

// ServerDeps captures dependencies required to build the server.
type ServerDeps struct {
	ServiceDeps core.ServiceDeps
	// Watcher feeds external document changes into the service. Usually the
	// primary docstore.
	Watcher store.Watcher
}

// ServerOption toggles compositor components.
type ServerOption func(*serverOptions)

type serverOptions struct {
	enableHTTP  bool
	enableWatch bool
}

// WithHTTP enables the HTTP API server.
func WithHTTP() ServerOption {
	return func(o *serverOptions) { o.enableHTTP = true }
}

// WithWatch enables the external change watcher (requires a Watcher dep).
func WithWatch() ServerOption {
	return func(o *serverOptions) { o.enableWatch = true }
}

// New constructs a composable paneld server.
func New(cfg ServerConfig, deps ServerDeps, opts ...ServerOption) (Server, error) {
	options := serverOptions{}
	for _, opt := range opts {
		opt(&options)
	}
	if !options.enableHTTP && !options.enableWatch {
		return nil, errors.New("no services enabled")
	}
	if options.enableWatch && deps.Watcher == nil {
		return nil, errors.New("watcher dependency is required")
	}

	normalized, err := schema.NormalizeServiceConfig(cfg.Service)
	if err != nil {
		return nil, err
	}
	cfg.Service = normalized

	serviceDeps := deps.ServiceDeps
	if serviceDeps.Locks == nil {
		serviceDeps.Locks = lockbus.New(serviceDeps.Logger)
	}

	var hub *httpapi.Hub
	if options.enableHTTP {
		hub = httpapi.NewHub(cfg.HubHistory)
		if serviceDeps.Sink == nil {
			serviceDeps.Sink = hub
		} else if serviceDeps.Sink != core.EventSink(hub) {
			serviceDeps.Sink = eventFanout{sinks: []core.EventSink{serviceDeps.Sink, hub}}
		}
	}

	service, err := core.NewService(cfg.Service, serviceDeps)
	if err != nil {
		return nil, err
	}

	var httpSrv *httpapi.Server
	if options.enableHTTP {
		seeds := toSeedUsers(cfg.Auth.SeedUsers)
		authStore, err := auth.NewStoreWithLogger(cfg.Auth.UserFile, seeds, serviceDeps.Logger)
		if err != nil {
			return nil, err
		}
		httpSrv = httpapi.NewServer(cfg.HTTP, service, authStore, hub, serviceDeps.Locks)
	}

	var notifier core.ExternalChangeNotifier
	if options.enableWatch {
		assertion, ok := service.(core.ExternalChangeNotifier)
		if !ok {
			return nil, errors.New("service does not accept external change notifications")
		}
		notifier = assertion
	}

	return &compositeServer{
		cfg:      cfg,
		options:  options,
		httpSrv:  httpSrv,
		watcher:  deps.Watcher,
		notifier: notifier,
	}, nil
}

type compositeServer struct {
	cfg      ServerConfig
	options  serverOptions
	httpSrv  *httpapi.Server
	watcher  store.Watcher
	notifier core.ExternalChangeNotifier
	logger   pslog.Logger

	mu      sync.Mutex
	ctx     context.Context
	cancel  context.CancelFunc
	errCh   chan error
	started bool
}

func (s *compositeServer) Start(ctx context.Context) error {
	if ctx == nil {
		ctx = context.Background()
	}
	s.mu.Lock()
	if s.started {
		s.mu.Unlock()
		pslog.Ctx(ctx).Warn("server start rejected", "reason", "already started")
		return errors.New("server already started")
	}
	s.ctx, s.cancel = context.WithCancel(ctx)
	s.errCh = make(chan error, 2)
	s.started = true
	s.logger = pslog.Ctx(s.ctx)
	s.mu.Unlock()

	log := s.logger
	log.Info(
		"server start",
		"http", s.options.enableHTTP,
		"watch", s.options.enableWatch,
		"http_addr", s.cfg.HTTP.Addr,
		"http_base_path", s.cfg.HTTP.BasePath,
	)
	if s.options.enableHTTP && s.httpSrv != nil {
		s.httpSrv.SetBaseContext(s.ctx)
		go func() {
			if err := httpapi.ListenAndServe(s.ctx, s.cfg.HTTP.Addr, s.httpSrv.Handler()); err != nil {
				log.Error("http server failed", "err", err)
				s.errCh <- err
			}
		}()
	}
	if s.options.enableWatch && s.watcher != nil {
		changes, err := s.watcher.Watch(s.ctx)
		if err != nil {
			log.Error("config watch failed", "err", err)
			s.cancel()
			return err
		}
		go func() {
			for change := range changes {
				s.notifier.NoteExternalChange(change.UserID, change.DeviceType)
			}
		}()
	}
	return nil
}

func (s *compositeServer) Wait() error {
	s.mu.Lock()
	ctx := s.ctx
	errCh := s.errCh
	started := s.started
	s.mu.Unlock()
	if !started {
		return errors.New("server not started")
	}

	select {
	case <-ctx.Done():
		return nil
	case err := <-errCh:
		if err != nil {
			pslog.Ctx(ctx).Error("server stopped", "err", err)
			_ = s.Stop(context.Background())
			return err
		}
		return nil
	}
}

func (s *compositeServer) Stop(ctx context.Context) error {
	s.mu.Lock()
	cancel := s.cancel
	started := s.started
	log := s.logger
	s.mu.Unlock()
	if !started {
		return nil
	}
	if log == nil {
		log = pslog.Ctx(context.Background())
	}
	log.Info("server stop requested")
	if cancel != nil {
		cancel()
	}
	if ctx == nil {
		log.Info("server stop completed")
		return nil
	}
	select {
	case <-ctx.Done():
		log.Warn("server stop timed out", "err", ctx.Err())
		return ctx.Err()
	case <-s.ctx.Done():
		log.Info("server stopped")
		return nil
	}
}

func toSeedUsers(users []SeedUser) []appconfig.SeedUser {
	if len(users) == 0 {
		return nil
	}
	out := make([]appconfig.SeedUser, 0, len(users))
	for _, user := range users {
		out = append(out, appconfig.SeedUser{
			Username:     user.Username,
			PasswordHash: user.PasswordHash,
			TOTPSecret:   user.TOTPSecret,
		})
	}
	return out
}
