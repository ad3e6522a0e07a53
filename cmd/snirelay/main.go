package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"golang.org/x/sync/errgroup"
	"k8s.io/klog/v2"

	"snirelay.dev/snirelay/pkg/config"
	"snirelay.dev/snirelay/pkg/proxy"
	"snirelay.dev/snirelay/pkg/resolver"
	"snirelay.dev/snirelay/pkg/sni"
	"snirelay.dev/snirelay/pkg/upstream"
)

func main() {
	err := newRootCommand().ExecuteContext(context.Background())
	if err != nil {
		fmt.Fprintf(os.Stderr, "%v\n", err)
		os.Exit(1)
	}
}

type options struct {
	configPath        string
	helloTimeout      time.Duration
	connectTimeout    time.Duration
	maxHelloBytes     int
	resolveInterval   time.Duration
	resolveFailureTTL time.Duration
	metricsListen     string
	shutdownGrace     time.Duration
}

func newRootCommand() *cobra.Command {
	opts := &options{
		helloTimeout:      sni.DefaultTimeout,
		connectTimeout:    upstream.DefaultConnectTimeout,
		maxHelloBytes:     sni.DefaultMaxBytes,
		resolveInterval:   resolver.DefaultRefreshInterval,
		resolveFailureTTL: resolver.DefaultFailureTTL,
		shutdownGrace:     30 * time.Second,
	}

	cmd := &cobra.Command{
		Use:           "snirelay",
		Short:         "Route TCP connections to backends by TLS server name",
		SilenceUsage:  true,
		SilenceErrors: true,
		Args:          cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(cmd.Context(), cmd.Flags(), opts)
		},
	}

	fs := cmd.PersistentFlags()
	fs.StringVarP(&opts.configPath, "config", "c", "", "path to the YAML configuration file")
	cmd.MarkPersistentFlagRequired("config")

	cmd.Flags().DurationVar(&opts.helloTimeout, "hello-timeout", opts.helloTimeout, "time allowed for a client to send its TLS ClientHello")
	cmd.Flags().DurationVar(&opts.connectTimeout, "connect-timeout", opts.connectTimeout, "time allowed to reach a backend, including any proxy CONNECT exchange")
	cmd.Flags().IntVar(&opts.maxHelloBytes, "max-hello-bytes", opts.maxHelloBytes, "bytes buffered while looking for the server name")
	cmd.Flags().DurationVar(&opts.resolveInterval, "resolve-interval", opts.resolveInterval, "how often cached backend addresses are refreshed")
	cmd.Flags().DurationVar(&opts.resolveFailureTTL, "resolve-failure-ttl", opts.resolveFailureTTL, "how long a failed first lookup is remembered")
	cmd.Flags().StringVar(&opts.metricsListen, "metrics-listen", "", "address for the Prometheus /metrics endpoint; empty disables it")
	cmd.Flags().DurationVar(&opts.shutdownGrace, "shutdown-grace", opts.shutdownGrace, "time in-flight connections get to finish on shutdown")

	klogFlags := flag.NewFlagSet("klog", flag.ContinueOnError)
	klog.InitFlags(klogFlags)
	fs.AddGoFlagSet(klogFlags)

	cmd.AddCommand(newCheckCommand(opts))
	return cmd
}

func newCheckCommand(opts *options) *cobra.Command {
	return &cobra.Command{
		Use:   "check",
		Short: "Validate the configuration file and exit",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			defer klog.Flush()
			cfg, err := config.Load(opts.configPath)
			if err != nil {
				return err
			}
			for _, srv := range cfg.Servers {
				fmt.Fprintf(cmd.OutOrStdout(), "server %s: listen %v, %d sni rules, default %s\n", srv.Name, srv.Listen, len(srv.Rules), srv.Default)
			}
			return nil
		},
	}
}

func run(ctx context.Context, fs *pflag.FlagSet, opts *options) error {
	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()
	defer klog.Flush()

	cfg, err := config.Load(opts.configPath)
	if err != nil {
		return err
	}
	if err := applyLogLevel(fs, cfg.Log); err != nil {
		return err
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	cache := resolver.New(nil, resolver.Options{
		RefreshInterval: opts.resolveInterval,
		FailureTTL:      opts.resolveFailureTTL,
		Registerer:      reg,
	})
	defer cache.Close()

	p, err := proxy.New(cfg, cache, proxy.Options{
		HelloTimeout:   opts.helloTimeout,
		MaxHelloBytes:  opts.maxHelloBytes,
		ConnectTimeout: opts.connectTimeout,
		Registerer:     reg,
	})
	if err != nil {
		return err
	}

	g, gctx := errgroup.WithContext(ctx)
	if opts.metricsListen != "" {
		g.Go(func() error {
			return serveMetrics(gctx, opts.metricsListen, reg)
		})
	}
	g.Go(func() error {
		return p.Run(gctx, opts.shutdownGrace)
	})
	err = g.Wait()
	klog.Infof("stopped")
	return err
}

func serveMetrics(ctx context.Context, addr string, reg *prometheus.Registry) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{Registry: reg}))
	srv := &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}

	stop := context.AfterFunc(ctx, func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		srv.Shutdown(shutdownCtx)
	})
	defer stop()

	klog.Infof("metrics listening on %s", addr)
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("metrics listener: %w", err)
	}
	return nil
}

// applyLogLevel applies the config file's log level unless klog flags on
// the command line already chose one.
func applyLogLevel(fs *pflag.FlagSet, level config.LogLevel) error {
	if level.Verbosity > 0 && !fs.Changed("v") {
		if err := fs.Set("v", strconv.Itoa(level.Verbosity)); err != nil {
			return fmt.Errorf("setting log verbosity: %w", err)
		}
	}
	if level.Threshold == "" || fs.Changed("logtostderr") || fs.Changed("stderrthreshold") {
		return nil
	}
	if err := fs.Set("logtostderr", "false"); err != nil {
		return fmt.Errorf("setting log level %s: %w", level.Name, err)
	}
	if err := fs.Set("stderrthreshold", level.Threshold); err != nil {
		return fmt.Errorf("setting log level %s: %w", level.Name, err)
	}
	// lower severities go nowhere
	klog.SetOutput(io.Discard)
	return nil
}
