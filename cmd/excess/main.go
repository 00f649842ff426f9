// Command excess talks to a container daemon over its control socket.
package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/common/expfmt"
	"github.com/spf13/cobra"
	"gopkg.in/natefinch/lumberjack.v2"

	"github.com/Paranoid-AF/excess"
	"github.com/Paranoid-AF/excess/client"
	"github.com/Paranoid-AF/excess/transport"
)

// Version is set at build time via -ldflags.
var Version = "dev"

var globalFlags struct {
	ConfigPath string
	Socket     string
	Host       string
	Verbose    bool
	LogFile    string
	Metrics    bool
}

var (
	cfg      *excess.Config
	metrics  *transport.Metrics
	registry *prometheus.Registry
)

var rootCmd = &cobra.Command{
	Use:               "excess",
	Short:             "Talk to a container daemon over its HTTP socket",
	Version:           Version,
	SilenceUsage:      true,
	SilenceErrors:     true,
	PersistentPreRunE: setup,
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		if globalFlags.Metrics {
			dumpMetrics(os.Stderr)
		}
	},
}

func init() {
	rootCmd.PersistentFlags().StringVar(&globalFlags.ConfigPath, "config", "", "config file (default: "+excess.ConfigPath()+")")
	rootCmd.PersistentFlags().StringVar(&globalFlags.Socket, "socket", "", "daemon Unix socket path")
	rootCmd.PersistentFlags().StringVarP(&globalFlags.Host, "host", "H", "", "daemon TCP host[:port]")
	rootCmd.PersistentFlags().BoolVarP(&globalFlags.Verbose, "verbose", "v", false, "log every request and response")
	rootCmd.PersistentFlags().StringVar(&globalFlags.LogFile, "log-file", "", "write logs to a rotating file instead of stderr")
	rootCmd.PersistentFlags().BoolVar(&globalFlags.Metrics, "metrics", false, "print transport metrics on exit")

	rootCmd.AddCommand(pingCmd, versionCmd, logsCmd, execCmd, catCmd, writeCmd, waitCmd, rawCmd, resolveCmd)
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	err := rootCmd.ExecuteContext(ctx)
	stop()
	if err != nil {
		var ee exitError
		if errors.As(err, &ee) {
			os.Exit(int(ee))
		}
		fmt.Fprintln(os.Stderr, "excess:", err)
		os.Exit(1)
	}
}

// exitError carries a remote exit status out of a command.
type exitError int

func (e exitError) Error() string { return fmt.Sprintf("exit status %d", int(e)) }

func setup(cmd *cobra.Command, args []string) error {
	path := globalFlags.ConfigPath
	if path == "" {
		path = excess.ConfigPath()
	}
	var err error
	cfg, err = excess.LoadConfigFile(path)
	if err != nil {
		return err
	}
	if err := excess.ApplyEnv(cfg); err != nil {
		return err
	}
	if globalFlags.Socket != "" {
		cfg.Daemon.SocketPath = globalFlags.Socket
		cfg.Daemon.Host = ""
	}
	if globalFlags.Host != "" {
		if err := excess.SetHost(cfg, globalFlags.Host); err != nil {
			return err
		}
	}

	level := slog.LevelInfo
	if globalFlags.Verbose || cfg.Log.Debug {
		level = slog.LevelDebug
	}
	var w io.Writer = os.Stderr
	if globalFlags.LogFile != "" {
		w = &lumberjack.Logger{
			Filename:   globalFlags.LogFile,
			MaxSize:    10, // megabytes
			MaxBackups: 3,
			MaxAge:     28, // days
			Compress:   true,
		}
	}
	slog.SetDefault(slog.New(slog.NewTextHandler(w, &slog.HandlerOptions{Level: level})))

	for _, warning := range excess.ValidateConfig(cfg) {
		slog.Warn("config", "warning", warning)
	}

	if globalFlags.Metrics {
		metrics = transport.NewMetrics()
		registry = prometheus.NewRegistry()
		if err := metrics.Register(registry); err != nil {
			return err
		}
	}
	return nil
}

func newClient() (*client.Client, error) {
	opts := []client.Option{client.WithLogger(slog.Default())}
	if metrics != nil {
		opts = append(opts, client.WithMetrics(metrics))
	}
	return client.New(cfg, opts...)
}

// dumpMetrics writes the gathered metrics in the Prometheus text format.
func dumpMetrics(w io.Writer) {
	if registry == nil {
		return
	}
	families, err := registry.Gather()
	if err != nil {
		slog.Warn("gather metrics", "error", err)
		return
	}
	for _, f := range families {
		if _, err := expfmt.MetricFamilyToText(w, f); err != nil {
			slog.Warn("write metrics", "family", f.GetName(), "error", err)
			return
		}
	}
}
