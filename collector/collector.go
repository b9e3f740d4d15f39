// Package collector wires the Launchpad and LeanKit collectors to the
// document store and runs their passes.
//
// A pass is one complete walk of an upstream source. It runs inside a
// notify.Pass so the dashboard receives at most one ping per pass, and it
// leaves a record in the "collector_passes" collection.
package collector

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/hazyhaar/teamstatus/collector/internal/leankit"
	"github.com/hazyhaar/teamstatus/collector/internal/lpsync"
	"github.com/hazyhaar/teamstatus/collector/internal/oauth1"
	"github.com/hazyhaar/teamstatus/collector/internal/people"
	"github.com/hazyhaar/teamstatus/collector/internal/scheduler"
	"github.com/hazyhaar/teamstatus/collector/internal/webcache"
	"github.com/hazyhaar/teamstatus/dbopen"
	"github.com/hazyhaar/teamstatus/docstore"
	"github.com/hazyhaar/teamstatus/idgen"
	"github.com/hazyhaar/teamstatus/notify"
	"github.com/hazyhaar/teamstatus/watch"
)

// ErrNoBoard is returned by CollectCards when no LeanKit board is configured.
var ErrNoBoard = errors.New("collector: no leankit board configured")

// components are rebuilt whenever the config changes.
type components struct {
	cfg      Config
	cache    *webcache.Cache
	session  *oauth1.Session
	lp       *lpsync.Client
	notifier *notify.Broadcaster
	people   *people.Collector
	cards    *leankit.Collector
}

// Service owns the store and the collectors.
type Service struct {
	db     *sql.DB
	ownsDB bool
	store  *docstore.Store
	logger *slog.Logger

	mu   sync.RWMutex
	comp *components

	configPath string
	watcher    *watch.Watcher

	newID idgen.Generator
	now   func() time.Time
}

// Option configures a Service.
type Option func(*Service)

// WithDB uses db instead of opening cfg.DBPath. The caller keeps ownership.
func WithDB(db *sql.DB) Option {
	return func(s *Service) { s.db = db }
}

// WithClock overrides the pass clock.
func WithClock(now func() time.Time) Option {
	return func(s *Service) { s.now = now }
}

// New opens the store and builds the collectors for cfg.
func New(cfg Config, logger *slog.Logger, opts ...Option) (*Service, error) {
	cfg.defaults()
	if logger == nil {
		logger = slog.Default()
	}
	s := &Service{
		logger: logger,
		newID:  idgen.Prefixed("pass_", idgen.Default),
		now:    time.Now,
	}
	for _, o := range opts {
		o(s)
	}
	if s.db == nil {
		db, err := dbopen.Open(cfg.DBPath, dbopen.WithMkdirAll())
		if err != nil {
			return nil, fmt.Errorf("collector: open store: %w", err)
		}
		s.db, s.ownsDB = db, true
	}
	st, err := docstore.New(s.db, logger)
	if err != nil {
		s.Close()
		return nil, err
	}
	s.store = st
	s.comp = s.build(cfg)
	return s, nil
}

func (s *Service) build(cfg Config) *components {
	c := &components{cfg: cfg}
	c.cache = webcache.New(s.store, webcache.Config{Replay: cfg.Replay}, s.logger)
	c.session = oauth1.New(s.store, oauth1.Config{
		ConsumerKey: cfg.Launchpad.ConsumerKey,
		WebRoot:     cfg.Launchpad.WebRoot,
	}, s.logger)
	c.lp = lpsync.New(s.store, c.cache, c.session, s.logger)
	c.notifier = notify.New(notify.Config{PingURL: cfg.PingURL}, s.logger)
	c.people = people.New(s.store, c.lp, cfg.Launchpad.APIRoot, s.logger)
	if cfg.LeanKit.Board != "" {
		c.cards = leankit.New(s.store, c.cache, leankit.Config{
			Board:    cfg.LeanKit.Board,
			User:     cfg.LeanKit.User,
			Password: cfg.LeanKit.Password,
			Name:     cfg.LeanKit.Name,
			BaseURL:  cfg.LeanKit.BaseURL,
		}, s.logger)
	}
	return c
}

func (s *Service) snapshot() *components {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.comp
}

// Config returns the active configuration.
func (s *Service) Config() Config { return s.snapshot().cfg }

// Store exposes the document store.
func (s *Service) Store() *docstore.Store { return s.store }

// Apply swaps in a new configuration. The store path cannot change while
// running.
func (s *Service) Apply(cfg Config) {
	cfg.defaults()
	s.mu.Lock()
	defer s.mu.Unlock()
	if cfg.DBPath != s.comp.cfg.DBPath {
		s.logger.Warn("collector: db_path change needs a restart", "db_path", s.comp.cfg.DBPath)
		cfg.DBPath = s.comp.cfg.DBPath
	}
	s.comp = s.build(cfg)
	s.logger.Info("collector: config applied", "project", cfg.Launchpad.Project, "replay", cfg.Replay)
}

// WatchConfig reloads path at the next pass boundary after it changes.
// The watcher stops with ctx.
func (s *Service) WatchConfig(ctx context.Context, path string) error {
	w, err := watch.New(path, watch.Options{Logger: s.logger})
	if err != nil {
		return err
	}
	s.configPath, s.watcher = path, w
	go func() {
		w.Run(ctx)
		w.Close()
	}()
	return nil
}

// reload applies the config file if it changed since the last pass.
func (s *Service) reload(ctx context.Context) {
	if s.watcher == nil || !s.watcher.Pending() {
		return
	}
	cfg, err := LoadConfigFile(s.configPath)
	if err != nil {
		s.logger.ErrorContext(ctx, "collector: reload failed, keeping previous config", "error", err)
		return
	}
	s.Apply(*cfg)
}

// Login runs the OAuth handshake as far as it can go.
func (s *Service) Login(ctx context.Context) error {
	return s.snapshot().session.Login(ctx)
}

// Run collects rosters once, then bugs and cards on their intervals, and
// serves the status API when status_listen is set. It returns when ctx is
// cancelled or when Launchpad authorization is required.
func (s *Service) Run(ctx context.Context) error {
	cfg := s.Config()
	if cfg.StatusListen != "" {
		srv := &http.Server{Addr: cfg.StatusListen, Handler: s.Handler(), ReadHeaderTimeout: 10 * time.Second}
		go func() {
			s.logger.Info("collector: status api listening", "addr", cfg.StatusListen)
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				s.logger.Error("collector: status api", "error", err)
			}
		}()
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
			defer cancel()
			srv.Shutdown(shutdownCtx)
		}()
	}

	sched := scheduler.New(scheduler.Config{
		RetryDelay: cfg.Schedule.RetryDelay,
		Fatal:      IsAuthorizationRequired,
		Boundary:   s.reload,
	}, s.logger)

	jobs := []scheduler.Job{
		{Name: "people", Run: s.CollectPeople},
		{Name: "bugs", Interval: cfg.Schedule.BugsInterval, Run: s.CollectBugs},
	}
	if cfg.LeanKit.Board != "" {
		jobs = append(jobs, scheduler.Job{Name: "cards", Interval: cfg.Schedule.CardsInterval, Run: s.CollectCards})
	}
	return sched.Run(ctx, jobs)
}

// IsAuthorizationRequired reports whether err asks for a person to approve
// the Launchpad token.
func IsAuthorizationRequired(err error) bool {
	var ae *oauth1.AuthorizationRequiredError
	return errors.As(err, &ae)
}

// AuthorizationURL returns the approval page carried by err, if any.
func AuthorizationURL(err error) (string, bool) {
	var ae *oauth1.AuthorizationRequiredError
	if errors.As(err, &ae) {
		return ae.URL, true
	}
	return "", false
}

// Close releases the store if the Service opened it.
func (s *Service) Close() error {
	if s.ownsDB && s.db != nil {
		return s.db.Close()
	}
	return nil
}
