package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/fidiego/http-mirror/pkg/addons"
	"github.com/fidiego/http-mirror/pkg/capture"
	"github.com/fidiego/http-mirror/pkg/config"
	"github.com/fidiego/http-mirror/pkg/logging"
	"github.com/fidiego/http-mirror/pkg/metrics"
	"github.com/fidiego/http-mirror/pkg/proxy"
	"github.com/fidiego/http-mirror/pkg/relay"
	"github.com/fidiego/http-mirror/pkg/tui"
	"github.com/fidiego/http-mirror/pkg/web"
)

var rootCmd = &cobra.Command{
	Use:   "http-mirror",
	Short: "Reverse proxy that mirrors HTTP traffic to a collector",
	Long: `http-mirror is a reverse proxy that captures every exchange it serves
and relays a JSON request envelope and a JSON response envelope for each
one to a collector, without affecting the proxied traffic.

Config file (mirror.yml) is loaded automatically from the current directory.
CLI flags override config file values.

Examples:
  # Single upstream, mirrored to a local collector
  http-mirror --upstream http://localhost:8081 --mirror --collector localhost:50800

  # Multiple upstreams with path routing
  http-mirror --route /api=http://localhost:8081 --route /runner=http://localhost:8083

  # Use a config file
  http-mirror --config mirror.yml

  # Print an example config file
  http-mirror init`,
	RunE:         run,
	SilenceUsage: true,
}

var initCmd = &cobra.Command{
	Use:   "init",
	Short: "Print an example mirror.yml to stdout",
	RunE: func(_ *cobra.Command, _ []string) error {
		fmt.Print(config.Example())
		return nil
	},
}

var (
	flagConfig        string
	flagListen        string
	flagUpstream      string
	flagRoutes        []string
	flagWebPort       int
	flagMaxFlows      int
	flagNoTUI         bool
	flagCollector     string
	flagMirror        bool
	flagMirrorMaxBody int64
	flagLogLevel      string
	flagLogFormat     string
)

func init() {
	rootCmd.Flags().StringVar(&flagConfig, "config", "",
		"path to config file (default: mirror.yml in current directory)")
	rootCmd.Flags().StringVar(&flagListen, "listen", "",
		"proxy listen address (default: :9090)")
	rootCmd.Flags().StringVar(&flagUpstream, "upstream", "",
		"single upstream target URL (e.g. http://localhost:8081)")
	rootCmd.Flags().StringArrayVar(&flagRoutes, "route", nil,
		"path-routed upstream in PREFIX=TARGET form (e.g. /api=http://localhost:8081); repeatable")
	rootCmd.Flags().IntVar(&flagWebPort, "web-port", 0,
		"port for the web inspection API (default: 9091; set to 0 to disable)")
	rootCmd.Flags().IntVar(&flagMaxFlows, "max-flows", 0,
		"maximum number of flows to keep in memory (default: 1000)")
	rootCmd.Flags().BoolVar(&flagNoTUI, "no-tui", false,
		"disable the interactive terminal UI (log to stderr only)")
	rootCmd.Flags().StringVar(&flagCollector, "collector", "",
		"collector host:port envelopes are relayed to (default: "+config.DefaultCollector+")")
	rootCmd.Flags().BoolVar(&flagMirror, "mirror", false,
		"mirror proxied traffic to the collector")
	rootCmd.Flags().Int64Var(&flagMirrorMaxBody, "mirror-max-body", 0,
		"maximum body bytes copied into each envelope (default: 1048576)")
	rootCmd.Flags().StringVar(&flagLogLevel, "log-level", "",
		"log level: debug, info, warn or error (default: info)")
	rootCmd.Flags().StringVar(&flagLogFormat, "log-format", "",
		"log format: console or json (default: console)")

	rootCmd.AddCommand(initCmd)
}

func run(cmd *cobra.Command, _ []string) error {
	// 1. Load config file, or start from built-in defaults.
	cfg := &config.Config{}
	cfgPath := flagConfig
	if cfgPath == "" {
		cfgPath = config.FindDefault(".")
	}
	if cfgPath != "" {
		loaded, err := config.Load(cfgPath)
		if err != nil {
			return err
		}
		fmt.Fprintf(os.Stderr, "loaded config: %s\n", cfgPath)
		cfg = loaded
	}

	// 2. CLI flags override config file values (only when explicitly set).
	if err := applyFlags(cmd, cfg); err != nil {
		return err
	}

	opts := cfg.ToOptions()
	if len(opts.Upstreams) == 0 {
		return fmt.Errorf("at least one upstream is required (use --upstream, --route, or a config file)")
	}
	scopes, err := cfg.Scopes()
	if err != nil {
		return err
	}

	// The TUI owns the terminal, so logs go to a file while it runs.
	useTUI := !cfg.NoTUI && isTerminal()
	if useTUI && cfg.Log.File == "" {
		cfg.Log.File = filepath.Join(os.TempDir(), "http-mirror.log")
		fmt.Fprintf(os.Stderr, "logging to %s\n", cfg.Log.File)
	}
	logger, closeLog, err := logging.New(cfg.Log, os.Stderr)
	if err != nil {
		return err
	}
	defer func() { _ = closeLog() }()

	m := metrics.New(nil)
	opts.Logger = logger
	engine, err := proxy.New(opts, m)
	if err != nil {
		return fmt.Errorf("create engine: %w", err)
	}

	var client *relay.Client
	if scopes.Enabled() {
		client = relay.NewClient(cfg.RelayConfig(),
			relay.WithLogger(logger.Named("relay")),
			relay.WithMetrics(m),
		)
		engine.Addons().Add(addons.NewMirrorAddon(client, addons.MirrorOptions{
			Scopes:           scopes,
			IDs:              capture.NewIDSource(cfg.Mirror.RequestIDHeader),
			RequestPath:      cfg.Mirror.RequestPath,
			ResponsePath:     cfg.Mirror.ResponsePath,
			BufferSize:       cfg.Mirror.BufferSize,
			MaxPayloadMemory: cfg.MaxPayloadMemory(),
			Logger:           logger,
			Metrics:          m,
			Store:            engine.Store(),
		}))
		logger.Info("mirroring enabled",
			zap.String("collector", client.Config().Collector),
			zap.String("request_id_header", cfg.Mirror.RequestIDHeader))
	}
	engine.Addons().Add(addons.NewLogAddon(logger))

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		return engine.Start(ctx)
	})

	// An explicit 0 disables the API; the engine treats 0 as unset.
	webPort := engine.Options().WebPort
	if cfg.WebPort != nil && *cfg.WebPort == 0 {
		webPort = 0
	}
	if webPort > 0 {
		webSrv := web.New(engine, web.Options{
			Port:    webPort,
			Mirror:  cfg.MirrorInfo(scopes.Enabled()),
			Metrics: m,
			Logger:  logger,
		})
		g.Go(func() error {
			return webSrv.Start(ctx)
		})
	}

	if useTUI {
		collector := ""
		if client != nil {
			collector = client.Config().Collector
		}
		g.Go(func() error {
			// Quitting the monitor stops the proxy too.
			defer cancel()
			return tui.Run(ctx, engine, tui.Options{WebPort: webPort, Collector: collector})
		})
	} else {
		fmt.Fprintf(os.Stderr, "proxy listening on %s\n", engine.Options().ListenAddr)
	}

	err = g.Wait()

	if client != nil {
		shutCtx, done := context.WithTimeout(context.Background(), 5*time.Second)
		defer done()
		if serr := client.Shutdown(shutCtx); serr != nil {
			logger.Warn("relays still in flight at exit", zap.Error(serr))
		}
	}
	return err
}

func applyFlags(cmd *cobra.Command, cfg *config.Config) error {
	f := cmd.Flags()
	if f.Changed("listen") {
		cfg.Listen = flagListen
	}
	if f.Changed("web-port") {
		cfg.WebPort = &flagWebPort
	}
	if f.Changed("max-flows") {
		cfg.MaxFlows = &flagMaxFlows
	}
	if f.Changed("no-tui") {
		cfg.NoTUI = flagNoTUI
	}
	if f.Changed("collector") {
		cfg.Mirror.Collector = flagCollector
	}
	if f.Changed("mirror") {
		cfg.Mirror.Enabled = flagMirror
	}
	if f.Changed("mirror-max-body") {
		cfg.Mirror.MaxBodySize = &flagMirrorMaxBody
	}
	if f.Changed("log-level") {
		cfg.Log.Level = flagLogLevel
	}
	if f.Changed("log-format") {
		cfg.Log.Format = flagLogFormat
	}

	// --upstream and --route replace (not merge with) the config file's upstreams
	// when either flag is explicitly provided.
	if f.Changed("upstream") || f.Changed("route") {
		upstreams, err := buildUpstreams()
		if err != nil {
			return err
		}
		cfg.Upstream = ""
		cfg.Upstreams = upstreams
	}
	return nil
}

// buildUpstreams constructs the upstream list from --upstream / --route flags.
func buildUpstreams() ([]config.UpstreamConfig, error) {
	var upstreams []config.UpstreamConfig

	if flagUpstream != "" {
		upstreams = append(upstreams, config.UpstreamConfig{
			Name:   "default",
			Prefix: "/",
			Target: flagUpstream,
		})
	}

	for _, r := range flagRoutes {
		prefix, target, ok := strings.Cut(r, "=")
		if !ok {
			return nil, fmt.Errorf("invalid --route %q: expected PREFIX=TARGET", r)
		}
		name := strings.TrimPrefix(prefix, "/")
		if name == "" {
			name = "default"
		}
		upstreams = append(upstreams, config.UpstreamConfig{
			Name:   name,
			Prefix: prefix,
			Target: target,
		})
	}

	return upstreams, nil
}

func isTerminal() bool {
	fi, err := os.Stdout.Stat()
	if err != nil {
		return false
	}
	return (fi.Mode() & os.ModeCharDevice) != 0
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
