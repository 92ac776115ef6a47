package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"golang.org/x/term"

	"github.com/vango-dev/h2mux/internal/config"
	"github.com/vango-dev/h2mux/internal/errors"
)

// Version information set at build time.
var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

// rootOptions holds the persistent flags.
type rootOptions struct {
	configPath string
	logLevel   string
	logFormat  string
}

func newRootCmd() *cobra.Command {
	opts := &rootOptions{}

	cmd := &cobra.Command{
		Use:   "h2mux",
		Short: "A stream multiplexer with HTTP/2 framing",
		Long: `h2mux multiplexes many bidirectional streams over one byte stream
using HTTP/2 framing, HPACK header compression, flow control,
stream priorities and server push.

  serve    run the echo server over TCP and WebSocket
  inspect  decode a recorded wire capture
  config   write or print h2mux.json`,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	cmd.PersistentFlags().StringVarP(&opts.configPath, "config", "c", "", "Config file (default ./h2mux.json when present)")
	cmd.PersistentFlags().StringVar(&opts.logLevel, "log-level", "", "Log level: debug, info, warn, error")
	cmd.PersistentFlags().StringVar(&opts.logFormat, "log-format", "", "Log format: text or json")

	cmd.AddCommand(
		serveCmd(opts),
		inspectCmd(),
		configCmd(opts),
		versionCmd(),
	)
	return cmd
}

func main() {
	if !term.IsTerminal(int(os.Stderr.Fd())) {
		errors.DisableColors()
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	err := newRootCmd().ExecuteContext(ctx)
	stop()
	if err != nil {
		errors.PrintError(err)
		os.Exit(1)
	}
}

// load reads the configuration and applies the log flags.
func (o *rootOptions) load() (*config.Config, error) {
	var (
		cfg *config.Config
		err error
	)
	switch {
	case o.configPath != "":
		cfg, err = config.LoadFile(o.configPath)
	case config.Exists("."):
		cfg, err = config.Load(".")
	default:
		cfg = config.New()
	}
	if err != nil {
		return nil, err
	}

	if o.logLevel != "" {
		cfg.Log.Level = o.logLevel
	}
	if o.logFormat != "" {
		cfg.Log.Format = o.logFormat
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// path returns the config file the config command writes.
func (o *rootOptions) path() string {
	if o.configPath != "" {
		return o.configPath
	}
	return config.ConfigFileName
}

func success(cmd *cobra.Command, format string, args ...any) {
	w := cmd.OutOrStdout()
	fmt.Fprintf(w, "%s %s\n", palette(isTerminal(w)).paint(ansiGreen, "✓"), fmt.Sprintf(format, args...))
}
