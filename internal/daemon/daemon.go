// Package daemon wires the reactor, process supervisor, action queue,
// HTTP server, hook chains, watchdog and telemetry into one running
// instance, replacing the source's global singletons with an explicit
// context value threaded through construction (§9 design note): tests
// can build as many independent Daemons as they like.
package daemon

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"os"
	"os/signal"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/tjfontaine/gitlab-hookshot/internal/config"
	"github.com/tjfontaine/gitlab-hookshot/internal/hook"
	"github.com/tjfontaine/gitlab-hookshot/internal/hook/debug"
	"github.com/tjfontaine/gitlab-hookshot/internal/hook/pipeline"
	"github.com/tjfontaine/gitlab-hookshot/internal/httpd"
	"github.com/tjfontaine/gitlab-hookshot/internal/process"
	"github.com/tjfontaine/gitlab-hookshot/internal/queue"
	"github.com/tjfontaine/gitlab-hookshot/internal/reactor"
	"github.com/tjfontaine/gitlab-hookshot/internal/status"
	"github.com/tjfontaine/gitlab-hookshot/internal/telemetry"
	"github.com/tjfontaine/gitlab-hookshot/internal/watchdog"
)

// mailboxDepth is the reactor task channel's buffer: enough headroom
// that a burst of concurrent HTTP connections calling reactor.Call
// never blocks behind a slow action.
const mailboxDepth = 512

// Daemon is one running instance of the core: reactor, supervisor,
// queue, httpd server and hook chains bound together. There is exactly
// one action queue per Daemon (§5 shared-resource policy).
type Daemon struct {
	logger *slog.Logger

	Reactor    *reactor.Reactor
	Supervisor *process.Supervisor
	Queue      *queue.Queue
	Server     *httpd.Server
	notifier   *watchdog.Notifier

	shutdownTracer func(context.Context) error
	stopWatchdog   func()
}

// New constructs a Daemon from the TOML config at path. It does not
// start listening; call Run for that.
func New(path string, logger *slog.Logger) (*Daemon, error) {
	cfg, err := config.Load(path)
	if err != nil {
		return nil, err
	}
	return NewFromConfig(cfg, logger)
}

// NewFromConfig constructs a Daemon from an already-loaded config,
// useful for tests that build configuration in-process.
func NewFromConfig(cfg *config.Config, logger *slog.Logger) (*Daemon, error) {
	if err := checkRunAsCredentials(cfg); err != nil {
		return nil, err
	}

	r := reactor.New(mailboxDepth)
	supervisor := process.New(r)
	q := queue.New(r, supervisor, logger)

	shutdownTracer, err := telemetry.Init("gitlab-hookshot", logger)
	if err != nil {
		return nil, fmt.Errorf("init telemetry: %w", err)
	}

	if dump, err := cfg.Dump(); err == nil {
		logger.Debug("effective configuration", slog.String("yaml", dump))
	}

	server := httpd.New(httpd.Config{
		IP:                  cfg.HTTPD.IP,
		Port:                uint16(cfg.HTTPD.Port),
		CertificateFile:     cfg.HTTPD.Certificate,
		PrivateKeyFile:      cfg.HTTPD.PrivateKey,
		MaxConnections:      cfg.HTTPD.MaxConnections,
		MaxConnectionsPerIP: cfg.HTTPD.MaxConnectionsPerIP,
		ContentSizeLimit:    cfg.HTTPD.ContentSizeLimit,
	}, logger)

	enqueue := func(a *queue.Action) {
		r.Call(func() { q.Append(a) })
	}
	countRequest := func() {
		r.Call(func() { q.Counters.RequestsReceived++ })
	}
	countWellFormed := func() {
		r.Call(func() { q.Counters.RequestsWellFormed++ })
	}

	chains, err := buildChains(cfg.Hooks, enqueue, countRequest, countWellFormed, logger)
	if err != nil {
		return nil, err
	}
	for path, chain := range chains {
		if err := server.AddHandler(path, chain.HTTPHandler()); err != nil {
			return nil, &config.ConfigError{Msg: fmt.Sprintf("register hook path %q", path), Err: err}
		}
	}

	if err := server.AddHandler("/status", status.Handler(r, q)); err != nil {
		return nil, &config.ConfigError{Msg: "register status handler", Err: err}
	}

	d := &Daemon{
		logger:         logger,
		Reactor:        r,
		Supervisor:     supervisor,
		Queue:          q,
		Server:         server,
		notifier:       watchdog.New(),
		shutdownTracer: shutdownTracer,
	}
	return d, nil
}

// checkRunAsCredentials enforces the §3 invariant that a hook with a
// command must carry a uid/gid whenever the daemon itself runs as
// root: without it, the command would run with the daemon's own root
// privileges instead of dropping them, which config.Load cannot catch
// on its own since it never inspects the running process's euid.
func checkRunAsCredentials(cfg *config.Config) error {
	if syscall.Geteuid() != 0 {
		return nil
	}
	for _, h := range cfg.Hooks {
		if h.Command != "" && !h.HasCredential {
			return &config.ConfigError{Msg: fmt.Sprintf(
				"hook %q: running as root requires run_as for hooks with a command", h.Name)}
		}
	}
	return nil
}

// buildChains groups resolved hook configs by URI path, in config
// order, and constructs one hook.Handler per entry (§3 Hook, §4.5
// Chain).
func buildChains(hooks []config.Hook, enqueue hook.Enqueue, countRequest, countWellFormed func(), logger *slog.Logger) (map[string]*hook.Chain, error) {
	order := make([]string, 0)
	byPath := make(map[string][]hook.Handler)

	for _, hc := range hooks {
		h, err := buildHandler(hc, enqueue)
		if err != nil {
			return nil, fmt.Errorf("hook %q: %w", hc.Name, err)
		}
		if _, seen := byPath[hc.URIPath]; !seen {
			order = append(order, hc.URIPath)
		}
		byPath[hc.URIPath] = append(byPath[hc.URIPath], h)
	}

	chains := make(map[string]*hook.Chain, len(order))
	for _, path := range order {
		chains[path] = hook.NewChain(path, byPath[path], logger, countRequest, countWellFormed)
	}
	return chains, nil
}

func buildHandler(hc config.Hook, enqueue hook.Enqueue) (hook.Handler, error) {
	program, args := "", []string(nil)
	if hc.Command != "" {
		program, args = hook.SplitCommand(hc.Command)
	}

	base := hook.Base{
		URIPath:       hc.URIPath,
		Name:          hc.Name,
		Token:         hc.Token,
		PeerAddress:   hc.PeerAddress,
		Program:       program,
		Args:          args,
		Environment:   hook.Overlay(hc.Environment),
		Timeout:       hc.Timeout,
		HasCredential: hc.HasCredential,
		UID:           hc.UID,
		GID:           hc.GID,
	}

	switch hc.Type {
	case "pipeline":
		status := make(map[string]struct{}, len(hc.Status))
		for _, s := range hc.Status {
			status[s] = struct{}{}
		}
		jobNames := make(map[string]struct{}, len(hc.JobName))
		for _, j := range hc.JobName {
			jobNames[j] = struct{}{}
		}
		return &pipeline.Hook{Cfg: base, Status: status, JobNames: jobNames, Enqueue: enqueue}, nil
	case "debug":
		return &debug.Hook{Cfg: base, Enqueue: enqueue}, nil
	default:
		return nil, fmt.Errorf("unknown hook type %q", hc.Type)
	}
}

// Run starts the supervisor's SIGCHLD watcher, the watchdog ping, and
// runs the reactor and HTTP server until a stop signal arrives or
// either fails. SIGHUP/SIGINT/SIGTERM stop cleanly (§5, §6). SIGUSR1
// triggers a configuration reload: configPath is re-read, a
// replacement Daemon is constructed and its listener bound, and only
// once that bind succeeds is the current daemon torn down (§9 design
// note — a failed reload leaves the running daemon untouched).
func (d *Daemon) Run(ctx context.Context, configPath string) error {
	current := d
	defer func() {
		if current.shutdownTracer != nil {
			_ = current.shutdownTracer(context.Background())
		}
	}()

	sigCh := make(chan os.Signal, 8)
	signal.Notify(sigCh, syscall.SIGHUP, syscall.SIGINT, syscall.SIGTERM, syscall.SIGUSR1)
	defer signal.Stop(sigCh)

	ln, err := current.Server.Bind()
	if err != nil {
		return fmt.Errorf("bind: %w", err)
	}

	for {
		current.Supervisor.WatchSignals()
		current.stopWatchdog = current.notifier.StartPinging(current.Reactor)
		current.notifier.Ready("running")

		runCtx, cancelRun := context.WithCancel(ctx)
		g, gctx := errgroup.WithContext(runCtx)
		g.Go(func() error { return current.Reactor.Run(gctx) })
		g.Go(func() error { return current.Server.ServeListener(gctx, ln) })

		doneCh := make(chan error, 1)
		go func() { doneCh <- g.Wait() }()

		next, nextLn, waitErr := waitForSignalOrExit(ctx, current, configPath, sigCh, doneCh)

		if waitErr == nil && next != nil {
			current.drainQueue()
		}

		cancelRun()
		<-doneCh
		current.stopWatchdog()
		current.Supervisor.StopWatching()

		if waitErr != nil {
			return waitErr
		}
		if next == nil {
			return nil
		}
		if current.shutdownTracer != nil {
			_ = current.shutdownTracer(context.Background())
		}
		current, ln = next, nextLn
	}
}

// drainQueue blocks until the action queue has no pending action and
// the queue is not mid-escalation, polling through the reactor so it
// never races the goroutine that owns queue state (§9 design note:
// a reload drains the queue before the old daemon context is torn
// down).
func (d *Daemon) drainQueue() {
	for {
		var idle bool
		d.Reactor.Call(func() { idle = d.Queue.Idle() })
		if idle {
			return
		}
		time.Sleep(50 * time.Millisecond)
	}
}

// waitForSignalOrExit blocks until the running daemon exits on its
// own, a stop signal arrives, or a reload succeeds. A successful
// reload returns the replacement daemon with its listener already
// bound; the caller tears the current daemon down only after that.
func waitForSignalOrExit(ctx context.Context, current *Daemon, configPath string, sigCh <-chan os.Signal, doneCh <-chan error) (*Daemon, net.Listener, error) {
	for {
		select {
		case sig := <-sigCh:
			switch sig {
			case syscall.SIGUSR1:
				next, nextLn, err := tryReload(configPath, current.logger)
				if err != nil {
					current.logger.Error("reload failed, keeping current configuration", slog.Any("error", err))
					continue
				}
				return next, nextLn, nil
			default:
				current.logger.Info("received signal, stopping", slog.String("signal", sig.String()))
				return nil, nil, nil
			}
		case err := <-doneCh:
			if err != nil && ctx.Err() == nil {
				return nil, nil, err
			}
			return nil, nil, nil
		}
	}
}

// tryReload constructs a replacement daemon from configPath and binds
// its listener, without touching the currently running daemon. The
// caller only tears that one down once this returns successfully.
func tryReload(configPath string, logger *slog.Logger) (*Daemon, net.Listener, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, nil, fmt.Errorf("load configuration: %w", err)
	}
	next, err := NewFromConfig(cfg, logger)
	if err != nil {
		return nil, nil, fmt.Errorf("construct daemon: %w", err)
	}
	ln, err := next.Server.Bind()
	if err != nil {
		return nil, nil, fmt.Errorf("bind: %w", err)
	}
	return next, ln, nil
}

// Shutdown notifies the service manager of a fatal status before the
// caller exits (§6, §7).
func (d *Daemon) Shutdown(status string) {
	d.notifier.Status(status)
}
