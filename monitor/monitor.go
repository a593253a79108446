package monitor

import (
	"context"
	"log/slog"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/ssh"
	"github.com/charmbracelet/wish"
	"github.com/charmbracelet/wish/activeterm"
	"github.com/charmbracelet/wish/bubbletea"
	"github.com/charmbracelet/wish/logging"
	"github.com/pkg/errors"
	gossh "golang.org/x/crypto/ssh"

	"github.com/OrrinLabs/tally/config"
	"github.com/OrrinLabs/tally/counter"
	"github.com/OrrinLabs/tally/events"
)

const shutdownTimeout = 5 * time.Second

type Config struct {
	Logger     *slog.Logger
	Monitor    config.Monitor
	Management *counter.Management
	Events     *events.Hub
}

// Monitor serves the operator dashboard over SSH. Each accepted session
// gets its own bubbletea program wired to the live counter state.
type Monitor struct {
	appCtx     context.Context
	logger     *slog.Logger
	cfg        config.Monitor
	management *counter.Management
	hub        *events.Hub
	authorized []ssh.PublicKey
}

func New(appCtx context.Context, config Config) (*Monitor, error) {
	if config.Management == nil {
		return nil, errors.New("monitor requires the management interface")
	}
	if config.Events == nil {
		return nil, errors.New("monitor requires the event hub")
	}
	if config.Logger == nil {
		config.Logger = slog.Default()
	}

	authorized := make([]ssh.PublicKey, 0, len(config.Monitor.AuthorizedKeys))
	for _, raw := range config.Monitor.AuthorizedKeys {
		key, _, _, _, err := gossh.ParseAuthorizedKey([]byte(raw))
		if err != nil {
			return nil, errors.Wrapf(err, "unparseable authorized key %q", raw)
		}
		authorized = append(authorized, key)
	}

	return &Monitor{
		appCtx:     appCtx,
		logger:     config.Logger.WithGroup("monitor"),
		cfg:        config.Monitor,
		management: config.Management,
		hub:        config.Events,
		authorized: authorized,
	}, nil
}

func (m *Monitor) authenticateKey(key ssh.PublicKey) bool {
	for _, candidate := range m.authorized {
		if ssh.KeysEqual(key, candidate) {
			return true
		}
	}
	return false
}

// Run serves until the application context is cancelled. It returns
// nil on a clean shutdown.
func (m *Monitor) Run() error {
	srv, err := wish.NewServer(
		wish.WithAddress(m.cfg.Listen),
		wish.WithHostKeyPath(m.cfg.HostKeyPath),
		wish.WithPublicKeyAuth(func(ctx ssh.Context, key ssh.PublicKey) bool {
			ok := m.authenticateKey(key)
			if !ok {
				m.logger.Warn("rejected dashboard key", "remote_addr", ctx.RemoteAddr())
			}
			return ok
		}),

		ssh.AllocatePty(),

		wish.WithMiddleware(
			bubbletea.Middleware(func(sess ssh.Session) (tea.Model, []tea.ProgramOption) {
				m.logger.Info("new dashboard session", "remote_addr", sess.RemoteAddr(), "user", sess.User())
				return m.newSession(sess)
			}),
			activeterm.Middleware(),
			logging.Middleware(),
		),
	)
	if err != nil {
		return errors.Wrap(err, "could not build dashboard server")
	}

	shutdownDone := make(chan struct{})
	go func() {
		defer close(shutdownDone)
		<-m.appCtx.Done()
		m.logger.Info("shutting down dashboard")
		ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := srv.Shutdown(ctx); err != nil && !errors.Is(err, ssh.ErrServerClosed) {
			m.logger.Error("dashboard shutdown failed", "error", err)
		}
	}()

	m.logger.Info("dashboard listening", "address", m.cfg.Listen)
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, ssh.ErrServerClosed) {
		return err
	}

	<-shutdownDone
	return nil
}

func (m *Monitor) newSession(sess ssh.Session) (tea.Model, []tea.ProgramOption) {
	feed, unsubscribe := m.hub.Subscribe(events.Firehose)

	// The model has no teardown hook, so tie the subscription to the
	// session's lifetime.
	go func() {
		<-sess.Context().Done()
		unsubscribe()
	}()

	model := newDashboard(dashboardConfig{
		logger:     m.logger.WithGroup("session"),
		management: m.management,
		feed:       feed,
	})

	return model, []tea.ProgramOption{
		tea.WithAltScreen(),
	}
}
