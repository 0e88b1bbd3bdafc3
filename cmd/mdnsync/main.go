package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sys/unix"

	"github.com/mdnsync/mdnsync/internal/advertise"
	"github.com/mdnsync/mdnsync/internal/config"
	"github.com/mdnsync/mdnsync/internal/daemon"
	"github.com/mdnsync/mdnsync/internal/logging"
	"github.com/mdnsync/mdnsync/internal/mdns"
	"github.com/mdnsync/mdnsync/internal/metrics"
	"github.com/mdnsync/mdnsync/internal/reconcile"
	"github.com/mdnsync/mdnsync/internal/source"
)

func main() {
	if err := rootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "mdnsync:", err)
		os.Exit(1)
	}
}

// cliFlags holds the command line options; they take precedence over the
// config file and the environment.
type cliFlags struct {
	configFile string
	socketPath string
	interval   int
	debug      bool
	once       bool
	backend    string
	metrics    bool
}

func rootCmd() *cobra.Command {
	var f cliFlags

	cmd := &cobra.Command{
		Use:           "mdnsync",
		Short:         "Advertise published container ports over mDNS/DNS-SD",
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(f, cmd.Flags().Changed)
			if err != nil {
				return err
			}

			cleanup, err := logging.Init(logging.Options{Level: cfg.LogLevel, File: cfg.LogFile})
			if err != nil {
				return fmt.Errorf("failed to initialize logger: %w", err)
			}
			defer cleanup()

			// Verify the socket is accessible (common pitfall when running in containers)
			if err := checkSocketAccess(cfg.SocketPath); err != nil {
				if os.IsPermission(err) {
					return fmt.Errorf("permission denied accessing %s: ensure the user has access to the docker group: %w", cfg.SocketPath, err)
				}
				logging.Get().Warn().Err(err).Str("socket", cfg.SocketPath).Msg("problem accessing container daemon socket; continuing but polls may fail")
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return run(ctx, cfg, f.once)
		},
	}

	cmd.Flags().StringVarP(&f.configFile, "config", "c", "", "Path to a YAML config file")
	cmd.Flags().StringVarP(&f.socketPath, "socket-path", "s", "/var/run/docker.sock", "Container daemon unix socket")
	cmd.Flags().IntVarP(&f.interval, "interval", "i", 2, "Poll interval in seconds")
	cmd.Flags().BoolVarP(&f.debug, "debug", "d", false, "Enable debug logging")
	cmd.Flags().BoolVar(&f.once, "once", false, "Log the actions of a single poll without advertising anything and exit")
	cmd.Flags().StringVar(&f.backend, "backend", "zeroconf", "mDNS backend: zeroconf, hashicorp or avahi")
	cmd.Flags().BoolVar(&f.metrics, "metrics", false, "Serve /metrics and /status")
	return cmd
}

// loadConfig layers defaults, the config file, MDNSYNC_* variables and the
// flags the user actually set, then rejects unusable settings.
func loadConfig(f cliFlags, changed func(string) bool) (*config.Config, error) {
	cfg := config.DefaultConfig()
	if f.configFile != "" {
		c, err := config.LoadConfigFromFile(f.configFile)
		if err != nil {
			return nil, fmt.Errorf("failed loading config: %w", err)
		}
		cfg = c
	}
	if err := config.ApplyEnvOverrides(cfg); err != nil {
		return nil, fmt.Errorf("invalid environment configuration: %w", err)
	}

	if changed("socket-path") {
		cfg.SocketPath = f.socketPath
	}
	if changed("interval") {
		cfg.PollInterval = time.Duration(f.interval) * time.Second
	}
	if changed("backend") {
		cfg.MDNSBackend = f.backend
	}
	if changed("metrics") {
		cfg.MetricsEnabled = f.metrics
	}
	if f.debug {
		cfg.LogLevel = "debug"
	}

	if err := cfg.Check(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

// run opens the status source and the responder, then polls until ctx is
// cancelled. Either failing to start is fatal. With once set no responder
// is started and the first poll's actions are only logged.
func run(ctx context.Context, cfg *config.Config, once bool) error {
	src, err := source.NewDocker(cfg.SocketPath, cfg.OptOutLabel)
	if err != nil {
		return fmt.Errorf("failed to create docker client: %w", err)
	}
	if err := ping(ctx, src, cfg.FetchTimeout); err != nil {
		_ = src.Close()
		return fmt.Errorf("container daemon at %s: %w", cfg.SocketPath, err)
	}

	host := cfg.HostName
	if host == "" {
		if host, err = mdns.LocalHost(); err != nil {
			_ = src.Close()
			return fmt.Errorf("resolve local host name: %w", err)
		}
	}
	if once {
		_, err := dryRun(ctx, cfg, src, host)
		return err
	}

	responder, err := mdns.New(mdns.Options{Backend: cfg.MDNSBackend, Interfaces: cfg.Interfaces})
	if err != nil {
		_ = src.Close()
		return fmt.Errorf("failed to start mdns responder: %w", err)
	}
	logging.Get().Info().Str("backend", cfg.MDNSBackend).Str("host", host).Str("socket", cfg.SocketPath).Msg("mdns responder ready")

	d := daemon.New(cfg, src, advertise.New(responder, host, cfg.TXT))
	g, gctx := errgroup.WithContext(ctx)
	runCtx, stopAux := context.WithCancel(gctx)
	g.Go(func() error {
		defer stopAux()
		return d.Run(gctx)
	})
	if cfg.MetricsEnabled {
		g.Go(func() error { return serveMetrics(runCtx, fmt.Sprintf(":%d", cfg.MetricsPort)) })
	}
	g.Go(func() error {
		metrics.StartInfluxPusher(runCtx, metrics.InfluxTarget{
			URL:      cfg.InfluxURL,
			Token:    cfg.InfluxToken,
			Org:      cfg.InfluxOrg,
			Bucket:   cfg.InfluxBucket,
			Interval: cfg.InfluxInterval,
		})
		return nil
	})
	return g.Wait()
}

// dryRun logs what a first poll would advertise without starting a
// responder, then closes src.
func dryRun(ctx context.Context, cfg *config.Config, src daemon.Source, host string) ([]reconcile.Action, error) {
	defer func() { _ = src.Close() }()
	acts, err := daemon.Plan(ctx, cfg, src)
	if err != nil {
		return nil, err
	}
	for _, act := range acts {
		c := act.Container
		ev := logging.Get().Info().Str("intent", act.Intent.String()).Str("container", c.ID).Str("name", c.Name)
		if id, err := advertise.Derive(c, host); err == nil {
			ev = ev.Str("service", id.Name).Int("port", id.Port)
		}
		ev.Msg("dry run: planned action")
	}
	logging.Get().Info().Int("actions", len(acts)).Msg("dry run complete, nothing was advertised")
	return acts, nil
}

func ping(ctx context.Context, src *source.Docker, timeout time.Duration) error {
	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}
	return src.Ping(ctx)
}

// serveMetrics serves /metrics and /status until ctx is done.
func serveMetrics(ctx context.Context, addr string) error {
	srv := &http.Server{Addr: addr, Handler: metrics.NewMux(), ReadHeaderTimeout: 5 * time.Second}
	errCh := make(chan error, 1)
	go func() {
		logging.Get().Info().Str("addr", addr).Msg("starting metrics server")
		errCh <- srv.ListenAndServe()
	}()
	select {
	case err := <-errCh:
		return fmt.Errorf("metrics server: %w", err)
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	}
}

// checkSocketAccess verifies the socket is readable and writable by this
// process. A missing socket is not reported here; the first ping fails with a
// clearer message.
func checkSocketAccess(path string) error {
	if _, err := os.Stat(path); err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}
	if err := unix.Access(path, unix.R_OK|unix.W_OK); err != nil {
		return &os.PathError{Op: "access", Path: path, Err: err}
	}
	return nil
}
