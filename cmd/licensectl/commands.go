package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"mailreg/internal/app"
	"mailreg/internal/config"
	"mailreg/internal/exporter"
	"mailreg/internal/infrastructure"
	"mailreg/internal/license"
	"mailreg/internal/middleware"
	"mailreg/internal/storage/postgres"
	"mailreg/internal/tui"
)

// localClient identifies activations made from this tool in audit events
// and the attempt guard.
const localClient = "licensectl"

type cli struct {
	out io.Writer

	cfgFile  string
	jsonOut  bool
	logLevel string

	cfg    *config.Config
	logger *slog.Logger
	core   *app.Core
	// ownsCore is false when a test injected the core
	ownsCore bool

	prompt func(ctx context.Context, activate tui.ActivateFunc) (*license.ActivationResult, error)
}

func newCLI(out io.Writer) *cli {
	return &cli{
		out: out,
		prompt: func(ctx context.Context, activate tui.ActivateFunc) (*license.ActivationResult, error) {
			return tui.RunActivation(ctx, activate)
		},
	}
}

func (c *cli) rootCommand() *cobra.Command {
	root := &cobra.Command{
		Use:           "licensectl",
		Short:         "Operate the mailreg license ledger",
		Version:       Version,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return c.setup(cmd.Context())
		},
		PersistentPostRunE: func(cmd *cobra.Command, args []string) error {
			return c.teardown()
		},
	}
	root.SetOut(c.out)

	flags := root.PersistentFlags()
	flags.StringVar(&c.cfgFile, "config", "", "YAML configuration file (default: "+config.EnvPrefix+"_CONFIG_FILE or ./config.yaml)")
	flags.BoolVar(&c.jsonOut, "json", false, "Print machine readable JSON")
	flags.StringVar(&c.logLevel, "log-level", "warn", "Log level written to stderr")

	root.AddCommand(
		c.generateCommand(),
		c.validateCommand(),
		c.activateCommand(),
		c.statusCommand(),
		c.statsCommand(),
		c.revokeCommand(),
		c.resetDomainCommand(),
		c.fingerprintCommand(),
		c.migrateCommand(),
	)
	return root
}

func (c *cli) setup(ctx context.Context) error {
	if c.core != nil {
		return nil
	}

	var err error
	if c.cfgFile != "" {
		c.cfg, err = config.LoadFrom(c.cfgFile)
	} else {
		c.cfg, err = config.Load()
	}
	if err != nil {
		return err
	}

	c.logger = infrastructure.NewJSONLogger(os.Stderr, c.logLevel)
	c.core, err = app.BuildCore(ctx, c.cfg, nil, c.logger)
	if err != nil {
		return err
	}
	c.ownsCore = true
	return nil
}

func (c *cli) teardown() error {
	if !c.ownsCore || c.core == nil {
		return nil
	}
	err := c.core.Close()
	c.core = nil
	return err
}

// emit prints v as JSON with --json, otherwise the rendered text.
func (c *cli) emit(v interface{}, rendered string) error {
	if c.jsonOut {
		enc := json.NewEncoder(c.out)
		enc.SetIndent("", "  ")
		return enc.Encode(v)
	}
	_, err := fmt.Fprintln(c.out, rendered)
	return err
}

func (c *cli) generateCommand() *cobra.Command {
	var (
		req       license.BatchRequest
		format    string
		exportTo  string
		outputDir string
	)

	cmd := &cobra.Command{
		Use:   "generate",
		Short: "Issue a batch of license keys",
		Example: `  licensectl generate --count 50 --days 365
  licensectl generate --count 10 --days 30 --export xlsx --out ./exports`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			req.Format = license.KeyFormat(format)
			if err := middleware.NewRequestValidator().Struct(req); err != nil {
				return err
			}

			var exp exporter.BatchExporter
			if exportTo != "" {
				exportCfg := c.cfg.Export
				if outputDir != "" {
					exportCfg.Dir = outputDir
				}
				var err error
				if exp, err = exporter.New(ctx, exporter.Format(exportTo), exportCfg, c.logger); err != nil {
					return err
				}
			}

			batch, err := c.core.LedgerService.IssueBatch(ctx, req)
			if err != nil {
				return err
			}

			var location string
			if exp != nil {
				// the keys are already in the ledger; report where they are
				if location, err = exp.ExportBatch(ctx, batch); err != nil {
					return fmt.Errorf("batch %s issued but export failed: %w", batch.ID, err)
				}
			}

			return c.emit(struct {
				*license.Batch
				ExportedTo string `json:"exported_to,omitempty"`
			}{batch, location}, tui.RenderBatch(batch, location))
		},
	}

	f := cmd.Flags()
	f.IntVarP(&req.Count, "count", "n", 1, "Number of keys to issue")
	f.IntVarP(&req.DurationDays, "days", "d", 30, "Days of entitlement per key")
	f.StringVar(&req.DurationLabel, "label", "", "Duration label (default: derived from --days)")
	f.StringVar(&req.CreatedBy, "created-by", "", "Operator recorded on the batch")
	f.StringVar(&format, "format", "", "Key format: plain or checksum")
	f.StringVar(&exportTo, "export", "", "Export the batch: xlsx, csv or sheets")
	f.StringVar(&outputDir, "out", "", "Directory for xlsx/csv exports")
	return cmd
}

func (c *cli) validateCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "validate KEY",
		Short: "Check whether a key could be redeemed",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			v, err := c.core.LedgerService.Validate(cmd.Context(), args[0])
			if v != nil {
				rendered := fmt.Sprintf("%s  %s  %s  used=%t", v.Key, v.Status, v.DurationLabel, v.IsUsed)
				if emitErr := c.emit(v, rendered); emitErr != nil {
					return emitErr
				}
			}
			return err
		},
	}
}

func (c *cli) activateCommand() *cobra.Command {
	var domain string

	cmd := &cobra.Command{
		Use:   "activate [KEY]",
		Short: "Activate a key for this deployment, prompting when KEY is omitted",
		Long: `Activate a key for this deployment. Without KEY an interactive prompt
asks for it. With --domain the key is redeemed for another deployment's
fingerprint instead, which only needs ledger access.`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()

			if domain != "" {
				if len(args) == 0 {
					return errors.New("KEY is required with --domain")
				}
				res, err := c.core.LedgerService.ActivateForDomain(ctx, args[0], domain, localClient)
				if err != nil {
					return err
				}
				masked := *res
				masked.Key = license.MaskKey(res.Key)
				masked.Entry.LicenseKey = masked.Key
				return c.emit(&masked, fmt.Sprintf("Activated %s for %s… until %s (%d days)",
					license.MaskKey(res.Key), license.FingerprintPrefix(res.DomainFingerprint),
					res.ActiveUntil.Format("2006-01-02"), res.DaysRemaining))
			}

			manager, err := c.core.RequireManager()
			if err != nil {
				return err
			}
			activate := func(ctx context.Context, key string) (*license.ActivationResult, error) {
				return manager.Activate(ctx, key, localClient)
			}

			if len(args) == 0 {
				result, err := c.prompt(ctx, activate)
				if err != nil {
					return err
				}
				if c.jsonOut {
					return c.emit(maskedResult(result), "")
				}
				return nil
			}

			result, err := activate(ctx, args[0])
			if err != nil {
				return err
			}
			return c.emit(maskedResult(result), tui.RenderActivation(result))
		},
	}
	cmd.Flags().StringVar(&domain, "domain", "", "Redeem for this domain fingerprint instead of the local deployment")
	return cmd
}

// maskedResult copies r with the redeemed key masked for output.
func maskedResult(r *license.ActivationResult) *license.ActivationResult {
	out := *r
	if r.Entry != nil {
		entry := *r.Entry
		entry.LicenseKey = license.MaskKey(entry.LicenseKey)
		out.Entry = &entry
	}
	return &out
}

func (c *cli) statusCommand() *cobra.Command {
	var refresh bool

	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show the license state of this deployment",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			manager, err := c.core.RequireManager()
			if err != nil {
				return err
			}

			var report *license.StatusReport
			if refresh {
				report, err = manager.Refresh(cmd.Context())
			} else {
				report, err = manager.Status(cmd.Context())
			}
			if err != nil {
				return err
			}
			return c.emit(report, tui.RenderStatus(report))
		},
	}
	cmd.Flags().BoolVar(&refresh, "refresh", false, "Re-derive the timeline from the ledger and rewrite the cache")
	return cmd
}

func (c *cli) statsCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "stats",
		Short: "Summarise the ledger",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			stats, err := c.core.LedgerService.Stats(cmd.Context())
			if err != nil {
				return err
			}
			return c.emit(stats, tui.RenderStats(stats))
		},
	}
}

func (c *cli) revokeCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "revoke KEY",
		Short: "Revoke an unused key",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			key := license.NormalizeKey(args[0])
			if err := c.core.LedgerService.Revoke(cmd.Context(), key); err != nil {
				return err
			}
			masked := license.MaskKey(key)
			return c.emit(map[string]string{"revoked": masked}, "Revoked "+masked)
		},
	}
}

func (c *cli) resetDomainCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "reset-domain FINGERPRINT",
		Short: "Delete the activation timeline of a deployment",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			fp := strings.TrimSpace(args[0])
			if err := c.core.LedgerService.ResetDomain(cmd.Context(), fp); err != nil {
				return err
			}
			prefix := license.FingerprintPrefix(fp)
			return c.emit(map[string]string{"reset": prefix}, "Reset timeline of "+prefix+"…")
		},
	}
}

func (c *cli) fingerprintCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "fingerprint",
		Short: "Print the fingerprint of this deployment",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			fp := c.core.Fingerprints.Generate()
			return c.emit(fp, tui.RenderFingerprint(fp))
		},
	}
}

func (c *cli) migrateCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Apply the ledger schema",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := c.core.Migrate(cmd.Context()); err != nil {
				return err
			}
			applied := []string{}
			if c.cfg.Ledger.Driver == "postgres" {
				applied = postgres.MigrationNames()
			}
			return c.emit(map[string]interface{}{"driver": c.cfg.Ledger.Driver, "migrations": applied},
				fmt.Sprintf("Ledger schema up to date (%s, %d migrations)", c.cfg.Ledger.Driver, len(applied)))
		},
	}
}
