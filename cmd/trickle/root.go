package main

import (
	"context"
	"errors"
	"net"
	"net/http"
	"time"

	"github.com/coreos/go-systemd/v22/daemon"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"golang.org/x/sync/errgroup"

	"github.com/charconstpointer/trickle"
	"github.com/charconstpointer/trickle/internal/config"
	"github.com/charconstpointer/trickle/internal/logx"
)

type flags struct {
	configPath string

	bind         string
	port         int
	chunkSize    int
	intervalMs   int64
	payload      string
	generate     int
	repeat       bool
	maxBytes     int
	workers      int
	totalRate    int
	connRate     int
	writeTimeout time.Duration
	logLevel     string
	logFormat    string
	metricsAddr  string
	reload       bool
}

func NewRootCommand() *cobra.Command {
	var f flags

	cmd := &cobra.Command{
		Use:   "trickle " + usageArgs,
		Short: "trickle streams a payload to every TCP client at a fixed pace",
		Long: `trickle accepts TCP connections and writes the same payload to each client
in chunks of CHUNK_BYTES, pausing INTERVAL_MS between chunks. The payload can be
looped forever (REPEAT) and truncated to MAX_BYTES per pass.

Settings come from --config, then positional arguments, then flags.`,
		Args:          cobra.RangeArgs(0, maxArgs),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			// Positional arguments are checked once up front so that a typo is a startup error.
			if err := applyArgs(config.Default(), args); err != nil {
				return err
			}
			w := &config.Watcher{
				Path: f.configPath,
				Overrides: func(cfg *config.Config) {
					_ = applyArgs(cfg, args)
					f.apply(cmd.Flags(), cfg)
				},
			}
			return run(cmd.Context(), w)
		},
	}

	fs := cmd.Flags()
	fs.StringVarP(&f.configPath, "config", "c", "", "path to a YAML config file")
	fs.StringVar(&f.bind, "bind", config.DefaultBind, "interface to listen on")
	fs.IntVarP(&f.port, "port", "p", 0, "TCP port, 0 picks a free one")
	fs.IntVar(&f.chunkSize, "chunk-size", 0, "bytes written per chunk")
	fs.Int64Var(&f.intervalMs, "interval", 0, "pause between chunks in milliseconds")
	fs.StringVarP(&f.payload, "payload", "f", "", "file streamed to clients")
	fs.IntVar(&f.generate, "generate", config.DefaultGenerateBytes, "bytes of random float32 data to serve when no payload file is given")
	fs.BoolVar(&f.repeat, "repeat", false, "loop the payload until the client disconnects")
	fs.IntVar(&f.maxBytes, "max-bytes", 0, "bytes sent per pass, 0 sends the whole payload")
	fs.IntVarP(&f.workers, "workers", "w", trickle.DefaultWorkers, "clients served at the same time")
	fs.IntVar(&f.totalRate, "total-rate", 0, "bytes per second for all clients combined, 0 is unlimited")
	fs.IntVar(&f.connRate, "conn-rate", 0, "bytes per second per client, 0 is unlimited")
	fs.DurationVar(&f.writeTimeout, "write-timeout", 0, "give up on a single chunk write after this long")
	fs.StringVar(&f.logLevel, "log-level", "info", "trace, debug, info, warn or error")
	fs.StringVar(&f.logFormat, "log-format", "console", "console or json")
	fs.StringVar(&f.metricsAddr, "metrics-addr", "", "serve Prometheus metrics on this address")
	fs.BoolVar(&f.reload, "reload", false, "rebuild the plan when the config or payload file changes")

	return cmd
}

// apply copies the flags the user actually set onto cfg.
func (f *flags) apply(fs *pflag.FlagSet, cfg *config.Config) {
	set := func(name string, fn func()) {
		if fs.Changed(name) {
			fn()
		}
	}
	set("bind", func() { cfg.Bind = f.bind })
	set("port", func() { cfg.Port = f.port })
	set("chunk-size", func() { cfg.ChunkSize = f.chunkSize })
	set("interval", func() { cfg.Interval = config.Duration(time.Duration(f.intervalMs) * time.Millisecond) })
	set("payload", func() { cfg.Payload = f.payload })
	set("generate", func() { cfg.PayloadGenerate = f.generate })
	set("repeat", func() { cfg.Repeat = f.repeat })
	set("max-bytes", func() { cfg.MaxBytes = f.maxBytes })
	set("workers", func() { cfg.Workers = f.workers })
	set("total-rate", func() { cfg.TotalRate = f.totalRate })
	set("conn-rate", func() { cfg.ConnRate = f.connRate })
	set("write-timeout", func() { cfg.WriteTimeout = config.Duration(f.writeTimeout) })
	set("log-level", func() { cfg.Log.Level = f.logLevel })
	set("log-format", func() { cfg.Log.Format = f.logFormat })
	set("metrics-addr", func() { cfg.Metrics.Addr = f.metricsAddr })
	set("reload", func() { cfg.Reload = f.reload })
}

func run(ctx context.Context, w *config.Watcher) error {
	up, err := w.Resolve()
	if err != nil {
		return err
	}
	cfg := up.Config

	log := logx.New(cfg.Log)
	w.Log = log.With().Str("component", "config").Logger()

	metrics := trickle.NewMetrics()
	opts := cfg.Options()
	opts.Logger = log
	opts.Metrics = metrics

	srv, err := trickle.NewServer(up.Plan, opts)
	if err != nil {
		return err
	}
	ln, err := srv.Listen()
	if err != nil {
		return err
	}

	log.Info().
		Str("addr", ln.Addr().String()).
		Int("payload_bytes", len(up.Plan.Payload())).
		Int("chunk_size", up.Plan.ChunkSize()).
		Dur("interval", up.Plan.Interval()).
		Bool("repeat", up.Plan.Repeat()).
		Int("max_bytes", up.Plan.MaxBytes()).
		Dur("pass_duration", up.Plan.PassDuration()).
		Msg("transmission plan loaded")

	if ok, err := daemon.SdNotify(false, daemon.SdNotifyReady); err != nil {
		log.Warn().Err(err).Msg("systemd notify failed")
	} else if ok {
		log.Debug().Msg("systemd notified")
	}

	eg, ctx := errgroup.WithContext(ctx)
	eg.Go(func() error {
		return srv.Serve(ctx, ln)
	})
	if cfg.Metrics.Addr != "" {
		eg.Go(func() error {
			return serveMetrics(ctx, cfg.Metrics.Addr, metrics, log)
		})
	}
	if cfg.Reload {
		eg.Go(func() error {
			return w.Watch(ctx, cfg, func(u config.Update) {
				srv.SetPlan(u.Plan)
				if err := srv.SetLimits(u.Config.TotalRate, u.Config.ConnRate); err != nil {
					log.Warn().Err(err).Msg("cannot apply new bandwidth limits")
				}
			})
		})
	}
	return eg.Wait()
}

func serveMetrics(ctx context.Context, addr string, m *trickle.Metrics, log zerolog.Logger) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", m.Handler())
	hs := &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
		BaseContext:       func(net.Listener) context.Context { return ctx },
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = hs.Shutdown(shutdownCtx)
	}()

	log.Info().Str("addr", addr).Msg("serving metrics")
	if err := hs.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}
