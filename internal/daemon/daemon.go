package daemon

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/harun/dosug/internal/config"
	"github.com/harun/dosug/internal/logger"
	"github.com/harun/dosug/internal/observability"
	"github.com/harun/dosug/internal/telegram"
	"github.com/harun/dosug/internal/tracing"
	"github.com/harun/dosug/pkg/agent"
	"github.com/harun/dosug/pkg/commandqueue"
	"github.com/harun/dosug/pkg/events"
	"github.com/harun/dosug/pkg/storage"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"
)

// Admin notifications sent when the bot starts and stops.
const (
	startedText = "Бот запущен"
	stoppedText = "Бот остановлен"
)

const shutdownTimeout = 5 * time.Second

// Status describes a running daemon.
type Status struct {
	Running   bool
	StartTime time.Time
	Uptime    time.Duration
}

// Option customizes New.
type Option func(*options)

type options struct {
	httpClient  *http.Client
	chatClient  agent.ChatClient
	sessionOpts []agent.SessionOption
}

// WithHTTPClient sets the HTTP client of the Telegram bot.
func WithHTTPClient(client *http.Client) Option {
	return func(o *options) { o.httpClient = client }
}

// WithChatClient replaces the model client built from the configuration.
func WithChatClient(client agent.ChatClient) Option {
	return func(o *options) { o.chatClient = client }
}

// WithSessionOptions adds agent session options, applied after the
// configured ones.
func WithSessionOptions(opts ...agent.SessionOption) Option {
	return func(o *options) { o.sessionOpts = append(o.sessionOpts, opts...) }
}

// Daemon represents the dosug bot service
type Daemon struct {
	config *config.Config
	logger *logger.Logger
	log    zerolog.Logger

	store     *storage.Store
	retention *storage.Retention
	session   *agent.Session
	events    *events.Service
	queue     *commandqueue.CommandQueue
	bot       *telegram.Bot
	router    *Router
	ops       *observability.Server
	lifecycle *LifecycleManager

	tracingEnabled bool
	released       bool

	mu        sync.RWMutex
	running   bool
	startTime time.Time
	cancel    context.CancelFunc
	done      chan struct{}
	runErr    error
}

// New validates cfg and builds every module. Nothing runs until Start.
func New(cfg *config.Config, log *logger.Logger, opts ...Option) (*Daemon, error) {
	var o options
	for _, opt := range opts {
		opt(&o)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if err := cfg.ValidateBot(); err != nil {
		return nil, err
	}

	observability.EnsureRegistered()

	d := &Daemon{
		config: cfg,
		logger: log,
		log:    log.Component("daemon"),
	}

	if cfg.Tracing.Enabled {
		if err := tracing.InitOpenTelemetry(cfg.Tracing.ServiceName, cfg.Tracing.SampleRatio); err != nil {
			d.log.Warn().Err(err).Msg("Failed to initialize tracing, continuing without it")
		} else {
			d.tracingEnabled = true
		}
	}

	if err := d.initialize(o); err != nil {
		d.release()
		return nil, err
	}

	return d, nil
}

func (d *Daemon) initialize(o options) error {
	cfg := d.config
	ctx := context.Background()

	store, err := storage.Open(ctx, storage.Config{
		Path:   cfg.Storage.Path,
		Logger: d.logger.Component("storage"),
	})
	if err != nil {
		return fmt.Errorf("failed to open storage: %w", err)
	}
	d.store = store

	if cfg.Storage.RetentionDays > 0 {
		d.retention, err = storage.NewRetention(store, cfg.Storage.RetentionDays, cfg.Storage.RetentionSchedule, d.logger.Component("storage"))
		if err != nil {
			return err
		}
	}

	agentLog := d.logger.Component("agent")
	if o.chatClient != nil {
		sessionOpts := append(SessionOptions(cfg, agentLog), agent.WithToolsets(SearchToolset(cfg, agentLog)))
		d.session, err = agent.NewSession(o.chatClient, append(sessionOpts, o.sessionOpts...)...)
	} else {
		d.session, err = NewSearchSession(cfg, agentLog, agent.Overrides{}, o.sessionOpts...)
	}
	if err != nil {
		return fmt.Errorf("failed to create search agent: %w", err)
	}

	d.events, err = events.NewService(store, d.session, events.Config{
		HistoryLimit:   cfg.Agents.HistoryLimit,
		ReplyWithAgent: cfg.Agents.ReplyWithAgent,
		Logger:         d.logger.GetZerolog(),
	})
	if err != nil {
		return err
	}

	d.queue = commandqueue.New(commandqueue.Config{
		MaxPending: cfg.Bot.QueueSize,
		Logger:     d.logger.GetZerolog(),
	})

	d.bot, err = telegram.New(telegram.Config{
		Token:       cfg.Secrets.BotToken,
		APIEndpoint: cfg.Bot.APIEndpoint,
		PollTimeout: cfg.Bot.PollTimeout,
		SendRate:    cfg.Bot.SendRate,
		SendBurst:   cfg.Bot.SendBurst,
		HTTPClient:  o.httpClient,
	}, d.logger.GetZerolog())
	if err != nil {
		return err
	}

	var streaming *telegram.Streaming
	if cfg.Agents.ReplyWithAgent {
		streaming = telegram.NewStreaming(d.bot, cfg.Bot.StreamInterval, d.logger.GetZerolog())
	}

	d.router = NewRouter(RouterConfig{
		Events:    d.events,
		Bot:       d.bot,
		Queue:     d.queue,
		Streaming: streaming,
		Logger:    d.logger.GetZerolog(),
	})

	if cfg.Metrics.Enabled {
		d.ops = observability.NewServer(cfg.Metrics.Addr, d.logger.GetZerolog())
		d.ops.AddCheck("storage", store.Ping)
		d.ops.AddCheck("telegram", func(context.Context) error {
			if !d.bot.IsRunning() {
				return errors.New("not polling")
			}
			return nil
		})
		d.ops.AddDetail("queue", func() any { return d.queue.Stats() })
	}

	d.lifecycle = NewLifecycleManager(cfg.PIDFile(), d.logger.GetZerolog())
	return nil
}

// Start writes the PID file and starts polling, the ops server and the
// retention schedule.
func (d *Daemon) Start() error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.running {
		return errors.New("daemon is already running")
	}
	if d.done != nil || d.released {
		return errors.New("daemon cannot be restarted")
	}

	log := d.log.With().Str("trace_id", tracing.NewTraceID()).Logger()
	log.Info().Msg("Starting dosug daemon")

	if err := d.lifecycle.Start(); err != nil {
		d.release()
		return fmt.Errorf("failed to start lifecycle manager: %w", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		return d.bot.Run(gctx, d.router.Dispatch)
	})
	if d.ops != nil {
		g.Go(func() error {
			return d.ops.Run(gctx)
		})
	}
	if d.retention != nil {
		d.retention.Start()
	}

	d.cancel = cancel
	d.done = make(chan struct{})
	d.running = true
	d.startTime = time.Now()

	go func() {
		err := g.Wait()
		d.mu.Lock()
		d.runErr = err
		d.mu.Unlock()
		if err != nil {
			d.log.Error().Err(err).Msg("Daemon stopped with error")
		}
		close(d.done)
	}()

	if err := d.bot.SetCommands(ctx, d.router.BotCommands()...); err != nil {
		log.Warn().Err(err).Msg("Failed to set bot commands")
	}
	d.notifyAdmins(ctx, startedText)

	log.Info().Msg("Daemon started")
	return nil
}

// Stop notifies the admins, stops polling and releases every resource.
// It returns the error that ended the run, if any.
func (d *Daemon) Stop() error {
	d.mu.Lock()
	if !d.running {
		d.mu.Unlock()
		return errors.New("daemon is not running")
	}
	d.running = false
	cancel, done := d.cancel, d.done
	d.mu.Unlock()

	log := d.log.With().Str("trace_id", tracing.NewTraceID()).Logger()
	log.Info().Msg("Stopping dosug daemon")

	notifyCtx, notifyCancel := context.WithTimeout(context.Background(), shutdownTimeout)
	d.notifyAdmins(notifyCtx, stoppedText)
	notifyCancel()

	cancel()
	select {
	case <-done:
	case <-time.After(shutdownTimeout):
		log.Warn().Msg("Timeout waiting for the bot to stop")
	}

	if err := d.lifecycle.Stop(); err != nil {
		log.Error().Err(err).Msg("Failed to stop lifecycle manager")
	}

	d.release()

	d.mu.RLock()
	runErr := d.runErr
	d.mu.RUnlock()

	log.Info().Msg("Daemon stopped")
	return runErr
}

// release closes every module that was built, in reverse dependency order.
// Only the first call has an effect.
func (d *Daemon) release() {
	if d.released {
		return
	}
	d.released = true

	if d.retention != nil {
		d.retention.Stop()
	}
	if d.queue != nil {
		if err := d.queue.Close(); err != nil {
			d.log.Error().Err(err).Msg("Failed to close command queue")
		}
	}
	if d.session != nil {
		if err := d.session.Close(); err != nil {
			d.log.Error().Err(err).Msg("Failed to close search agent")
		}
	}
	if d.store != nil {
		if err := d.store.Close(); err != nil {
			d.log.Error().Err(err).Msg("Failed to close storage")
		}
	}
	if d.tracingEnabled {
		ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		if err := tracing.ShutdownOpenTelemetry(ctx); err != nil {
			d.log.Error().Err(err).Msg("Failed to shutdown tracing")
		}
		cancel()
		d.tracingEnabled = false
	}
}

func (d *Daemon) notifyAdmins(ctx context.Context, text string) {
	ids := d.config.Secrets.AdminIDs
	if !d.config.Bot.NotifyAdmins || len(ids) == 0 {
		return
	}
	if err := d.bot.Notify(ctx, ids, text); err != nil {
		d.log.Warn().Err(err).Str("text", text).Msg("Failed to notify admins")
	}
}

// Status returns the daemon status
func (d *Daemon) Status() Status {
	d.mu.RLock()
	defer d.mu.RUnlock()

	status := Status{Running: d.running}
	if d.running {
		status.StartTime = d.startTime
		status.Uptime = time.Since(d.startTime)
	}
	return status
}

// Done is closed when polling and the ops server have stopped.
func (d *Daemon) Done() <-chan struct{} {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.done
}

// Wait blocks until SIGINT, SIGTERM or the end of the run, then stops
// the daemon.
func (d *Daemon) Wait() error {
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigChan)

	select {
	case sig := <-sigChan:
		d.log.Info().Str("signal", sig.String()).Msg("Received signal")
	case <-d.Done():
	}

	return d.Stop()
}

// Router returns the update router.
func (d *Daemon) Router() *Router {
	return d.router
}

// Session returns the search agent session.
func (d *Daemon) Session() *agent.Session {
	return d.session
}

// Store returns the database.
func (d *Daemon) Store() *storage.Store {
	return d.store
}

// Queue returns the chat lane queue.
func (d *Daemon) Queue() *commandqueue.CommandQueue {
	return d.queue
}

// OpsHandler returns the ops HTTP handler, or nil when metrics are disabled.
func (d *Daemon) OpsHandler() http.Handler {
	if d.ops == nil {
		return nil
	}
	return d.ops.Handler()
}
