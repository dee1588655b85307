package app

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"text/tabwriter"
	"time"

	"pairlink/cmd/internal/audit"

	"github.com/spf13/cobra"
)

type rootOptions struct {
	configPath string
	logLevel   string
	logFormat  string
}

// NewRootCommand builds the pairlink command tree. ctx is the process lifetime
// (cancelled on SIGINT/SIGTERM).
func NewRootCommand(ctx context.Context, version string) *cobra.Command {
	opts := &rootOptions{}

	root := &cobra.Command{
		Use:   "pairlink",
		Short: "Pair a device with a messaging account by code and export its credentials",
		Long: `pairlink links a new device to a messaging account using a pairing code.

Once the account owner enters the code, the linked credentials are uploaded to
the configured blob host and a session token is sent back to the account.
Local session state is removed on every exit path.

Configuration comes from an optional TOML file (--config) overridden by
PAIRLINK_* environment variables.`,
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.SetVersionTemplate(`{{printf "pairlink %s\n" .Version}}`)

	pf := root.PersistentFlags()
	pf.StringVarP(&opts.configPath, "config", "c", os.Getenv(envPrefix+"CONFIG"), "path to a TOML config file")
	pf.StringVar(&opts.logLevel, "log-level", "", "override the log level (debug, info, warn, error)")
	pf.StringVar(&opts.logFormat, "log-format", "", "override the log format (json, pretty)")

	root.AddCommand(
		newServeCommand(ctx, opts, version),
		newPairCommand(ctx, opts, version),
		newAuditCommand(ctx, opts, version),
		newVersionCommand(version),
	)
	return root
}

func (o *rootOptions) load() (Config, error) {
	cfg, err := LoadConfig(o.configPath)
	if err != nil {
		return Config{}, err
	}
	if o.logLevel != "" {
		cfg.LogLevel = o.logLevel
	}
	if o.logFormat != "" {
		cfg.LogFormat = o.logFormat
	}
	return cfg, cfg.Validate()
}

func newServeCommand(ctx context.Context, opts *rootOptions, version string) *cobra.Command {
	var addr string

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP server exposing GET /pair",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := opts.load()
			if err != nil {
				return err
			}
			if addr != "" {
				cfg.HTTPAddr = addr
			}
			log := NewLogger(cmd.ErrOrStderr(), cfg.LogLevel, cfg.LogFormat)

			a, err := New(ctx, cfg, log, version)
			if err != nil {
				return err
			}
			return a.Serve(ctx)
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "", "listen address (overrides config)")
	return cmd
}

func newPairCommand(ctx context.Context, opts *rootOptions, version string) *cobra.Command {
	var number string

	cmd := &cobra.Command{
		Use:   "pair",
		Short: "Run one pairing session and print the code to stdout",
		Example: `  pairlink pair --number "+234 801 234 5678"
  PAIRLINK_GATEWAY_URL=wss://gw.example/link pairlink pair -n 2348012345678`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := opts.load()
			if err != nil {
				return err
			}
			log := NewLogger(cmd.ErrOrStderr(), cfg.LogLevel, cfg.LogFormat)

			a, err := New(ctx, cfg, log, version)
			if err != nil {
				return err
			}
			return a.PairOnce(ctx, number, cmd.OutOrStdout())
		},
	}
	cmd.Flags().StringVarP(&number, "number", "n", "", "phone number to pair (non-digits are ignored)")
	_ = cmd.MarkFlagRequired("number")
	return cmd
}

func newAuditCommand(ctx context.Context, opts *rootOptions, version string) *cobra.Command {
	var (
		number string
		limit  int
	)

	cmd := &cobra.Command{
		Use:   "audit",
		Short: "List the recorded lifecycle events of a session",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := opts.load()
			if err != nil {
				return err
			}
			if cfg.DatabaseURL == "" {
				return ErrNoDatabase
			}
			log := NewLogger(cmd.ErrOrStderr(), cfg.LogLevel, cfg.LogFormat)

			a, err := New(ctx, cfg, log, version)
			if err != nil {
				return err
			}
			defer func() {
				closeCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				defer cancel()
				_ = a.Close(closeCtx)
			}()

			qctx, cancel := context.WithTimeout(ctx, 10*time.Second)
			defer cancel()

			events, err := a.AuditTrail(qctx, number, limit)
			if err != nil {
				return err
			}
			return printAudit(cmd.OutOrStdout(), events)
		},
	}
	cmd.Flags().StringVarP(&number, "number", "n", "", "session phone number")
	cmd.Flags().IntVar(&limit, "limit", 50, "maximum number of events")
	_ = cmd.MarkFlagRequired("number")
	return cmd
}

func newVersionCommand(version string) *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Show version information",
		Args:  cobra.NoArgs,
		Run: func(cmd *cobra.Command, _ []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "pairlink %s\n", version)
		},
	}
}

func printAudit(w io.Writer, events []audit.Event) error {
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "TIME\tACTION\tSTATUS\tRETRY\tATTEMPT")
	for _, ev := range events {
		fmt.Fprintf(tw, "%s\t%s\t%s\t%d\t%s\n",
			ev.CreatedAt.Format(time.RFC3339), ev.Action, ev.Status, ev.RetryCount, orDash(ev.AttemptID))
	}
	return tw.Flush()
}

func orDash(s string) string {
	if s == "" {
		return "-"
	}
	return s
}

// exitCode maps a command error to the process exit status.
func exitCode(err error) int {
	if err == nil {
		return 0
	}
	var ee *ExitError
	if errors.As(err, &ee) {
		return ee.Code
	}
	return 1
}
