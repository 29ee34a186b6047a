package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/c360/sensorledger/config"
	"github.com/c360/sensorledger/ledger"
	"github.com/c360/sensorledger/service"
)

// cliOptions holds the persistent flags shared by every subcommand.
type cliOptions struct {
	configPath string
	logLevel   string
	logFormat  string
	timeout    time.Duration

	logger *slog.Logger
}

func newRootCmd() *cobra.Command {
	opts := &cliOptions{}

	root := &cobra.Command{
		Use:   appName,
		Short: "Sensor stream to Hyperledger Fabric gateway",
		Long: `sensorledger reads sensor lines from a serial port, TCP bridge or MQTT
topic, keeps the latest reading per field and commits snapshots to a
Fabric chaincode on a fixed interval. An HTTP API serves the live
snapshot and the records stored on the ledger.`,
		SilenceUsage: true,
	}

	flags := root.PersistentFlags()
	flags.StringVarP(&opts.configPath, "config", "c", os.Getenv("SENSORLEDGER_CONFIG"),
		"Path to configuration file (env: SENSORLEDGER_CONFIG)")
	flags.StringVar(&opts.logLevel, "log-level", "",
		"Log level: debug, info, warn, error (overrides log.level)")
	flags.StringVar(&opts.logFormat, "log-format", "",
		"Log format: json, text (overrides log.format)")
	flags.DurationVar(&opts.timeout, "timeout", 30*time.Second,
		"Deadline for one-shot ledger commands")

	root.AddCommand(
		newServeCmd(opts),
		newInitLedgerCmd(opts),
		newRetrieveCmd(opts),
		newValidateCmd(opts),
		newVersionCmd(),
	)
	return root
}

// load reads the configuration and installs the logger it describes.
func (o *cliOptions) load(cmd *cobra.Command) (*config.Config, error) {
	cfg, err := config.Load(o.configPath)
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	if o.logLevel != "" {
		cfg.Log.Level = o.logLevel
	}
	if o.logFormat != "" {
		cfg.Log.Format = o.logFormat
	}
	o.logger = setupLogger(cmd.ErrOrStderr(), cfg.Log.Level, cfg.Log.Format)
	slog.SetDefault(o.logger)
	return cfg, nil
}

func newServeCmd(opts *cliOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the ingestion pipeline, commit scheduler and HTTP API",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := opts.load(cmd)
			if err != nil {
				return err
			}
			opts.logger.Info("Starting sensorledger",
				"version", Version,
				"build_time", BuildTime,
				"config_path", opts.configPath)

			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			svc, err := service.New(ctx, service.Deps{
				Config:  cfg,
				Version: Version,
				Logger:  opts.logger,
			})
			if err != nil {
				return fmt.Errorf("create service: %w", err)
			}
			return svc.Run(ctx)
		},
	}
}

// withLedger opens a ledger session for a one-shot command.
func (o *cliOptions) withLedger(cmd *cobra.Command, fn func(context.Context, *ledger.Contract) error) error {
	cfg, err := o.load(cmd)
	if err != nil {
		return err
	}
	connector, err := service.NewConnector(cfg, o.logger)
	if err != nil {
		return err
	}
	client, contract := service.NewLedger(cfg, connector, nil, o.logger)

	ctx, cancel := context.WithTimeout(cmd.Context(), o.timeout)
	defer cancel()

	if err := client.Connect(ctx); err != nil {
		return fmt.Errorf("connect to ledger: %w", err)
	}
	defer func() {
		if err := client.Disconnect(); err != nil {
			o.logger.Warn("Ledger disconnect failed", "error", err)
		}
	}()
	return fn(ctx, contract)
}

func newInitLedgerCmd(opts *cliOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "init-ledger",
		Short: "Submit the chaincode InitLedger transaction",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return opts.withLedger(cmd, func(ctx context.Context, c *ledger.Contract) error {
				if err := c.InitLedger(ctx); err != nil {
					return err
				}
				_, _ = fmt.Fprintln(cmd.OutOrStdout(), "ledger initialized")
				return nil
			})
		},
	}
}

func newRetrieveCmd(opts *cliOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "retrieve <id>",
		Short: "Print one sensor record from the ledger as JSON",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return opts.withLedger(cmd, func(ctx context.Context, c *ledger.Contract) error {
				rec, err := c.RetrieveSensorData(ctx, args[0])
				if err != nil {
					return err
				}
				return writeJSON(cmd, rec)
			})
		},
	}
}

func newValidateCmd(opts *cliOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "validate",
		Short: "Load and validate the configuration, then print it",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := opts.load(cmd)
			if err != nil {
				return err
			}
			redacted := *cfg
			redacted.NATS.Password = redact(redacted.NATS.Password)
			redacted.NATS.Token = redact(redacted.NATS.Token)
			redacted.Device.MQTT.Password = redact(redacted.Device.MQTT.Password)
			return writeJSON(cmd, redacted)
		},
	}
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the version",
		Args:  cobra.NoArgs,
		Run: func(cmd *cobra.Command, _ []string) {
			_, _ = fmt.Fprintf(cmd.OutOrStdout(), "%s version %s (%s)\n", appName, Version, BuildTime)
		},
	}
}

func redact(s string) string {
	if s == "" {
		return ""
	}
	return "***"
}

func writeJSON(cmd *cobra.Command, v any) error {
	enc := json.NewEncoder(cmd.OutOrStdout())
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
