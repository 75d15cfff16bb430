package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/juju/errors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"

	"github.com/japinder12/snapvault/pkg/adminapi"
	"github.com/japinder12/snapvault/pkg/config"
	"github.com/japinder12/snapvault/pkg/envelope"
	"github.com/japinder12/snapvault/pkg/snapshot"
)

func newRootCmd() *cobra.Command {
	v := config.NewViper()
	var cfgFile string

	root := &cobra.Command{
		Use:           "snapvault",
		Short:         "Encrypted snapshots of the inventory database",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.CompletionOptions.HiddenDefaultCmd = true

	pf := root.PersistentFlags()
	pf.StringVar(&cfgFile, "config", "", "config file (yaml, json or toml)")
	pf.String(config.KeyDatabase, "./inventory.db", "path of the records database")
	pf.String(config.KeyBackupDir, "./backups", "directory holding snapshots")
	pf.String(config.KeyLogLevel, "info", "log level")
	pf.String(config.KeyLogFormat, "json", "log format: json or console")
	for _, key := range []string{config.KeyDatabase, config.KeyBackupDir, config.KeyLogLevel, config.KeyLogFormat} {
		_ = v.BindPFlag(key, pf.Lookup(key))
	}

	root.AddCommand(
		newCreateCmd(v, &cfgFile),
		newListCmd(v, &cfgFile),
		newStatsCmd(v, &cfgFile),
		newRestoreCmd(v, &cfgFile),
		newDeleteCmd(v, &cfgFile),
		newDownloadCmd(v, &cfgFile),
		newServeCmd(v, &cfgFile),
		newTokenCmd(),
	)
	return root
}

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func newCreateCmd(v *viper.Viper, cfgFile *string) *cobra.Command {
	var description string
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Snapshot every registered table",
		Args:  cobra.NoArgs,
		RunE: withApp(v, cfgFile, func(cmd *cobra.Command, _ []string, a *app) error {
			release, err := a.lock.Acquire(cmd.Context())
			if err != nil {
				return err
			}
			defer release()
			meta, err := a.service.CreateSnapshot(cmd.Context(), description)
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), meta)
		}),
	}
	cmd.Flags().StringVarP(&description, "description", "d", "", "free-form note stored with the snapshot")
	return cmd
}

func newListCmd(v *viper.Viper, cfgFile *string) *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List snapshots, newest first",
		Args:  cobra.NoArgs,
		RunE: withApp(v, cfgFile, func(cmd *cobra.Command, _ []string, a *app) error {
			snaps, err := a.service.ListSnapshots(cmd.Context())
			if err != nil {
				return err
			}
			tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(tw, "ID\tCREATED\tRECORDS\tSIZE\tDESCRIPTION")
			for _, m := range snaps {
				fmt.Fprintf(tw, "%s\t%s\t%d\t%d\t%s\n", m.ID, m.Timestamp.Format(time.RFC3339), m.RecordCount, m.Size, m.Description)
			}
			return tw.Flush()
		}),
	}
}

func newStatsCmd(v *viper.Viper, cfgFile *string) *cobra.Command {
	return &cobra.Command{
		Use:   "stats",
		Short: "Summarize stored snapshots",
		Args:  cobra.NoArgs,
		RunE: withApp(v, cfgFile, func(cmd *cobra.Command, _ []string, a *app) error {
			st, err := a.service.Stats(cmd.Context())
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), st)
		}),
	}
}

func newRestoreCmd(v *viper.Viper, cfgFile *string) *cobra.Command {
	var (
		dryRun           bool
		includeProtected bool
		tables           []string
	)
	cmd := &cobra.Command{
		Use:   "restore <id>",
		Short: "Replace table contents with a snapshot",
		Args:  cobra.ExactArgs(1),
		RunE: withApp(v, cfgFile, func(cmd *cobra.Command, args []string, a *app) error {
			opts := snapshot.RestoreOptions{
				DryRun:              dryRun,
				SkipProtectedTables: !includeProtected,
				Tables:              tables,
			}
			if !dryRun {
				release, err := a.lock.Acquire(cmd.Context())
				if err != nil {
					return err
				}
				defer release()
			}
			result, err := a.service.Restore(cmd.Context(), args[0], opts)
			if perr := printJSON(cmd.OutOrStdout(), result); perr != nil && err == nil {
				err = perr
			}
			return err
		}),
	}
	cmd.Flags().BoolVar(&dryRun, "dry-run", false, "verify the snapshot without writing")
	cmd.Flags().BoolVar(&includeProtected, "include-protected", false, "also restore protected tables such as AuditLog")
	cmd.Flags().StringSliceVar(&tables, "tables", nil, "restore only these tables")
	return cmd
}

func newDeleteCmd(v *viper.Viper, cfgFile *string) *cobra.Command {
	return &cobra.Command{
		Use:   "delete <id>",
		Short: "Delete a snapshot",
		Args:  cobra.ExactArgs(1),
		RunE: withApp(v, cfgFile, func(cmd *cobra.Command, args []string, a *app) error {
			if _, err := a.service.DeleteSnapshot(cmd.Context(), args[0]); err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), "deleted", args[0])
			return nil
		}),
	}
}

func newDownloadCmd(v *viper.Viper, cfgFile *string) *cobra.Command {
	var (
		plain  bool
		output string
	)
	cmd := &cobra.Command{
		Use:   "download <id>",
		Short: "Write a snapshot envelope, or its decrypted payload, to a file",
		Args:  cobra.ExactArgs(1),
		RunE: withApp(v, cfgFile, func(cmd *cobra.Command, args []string, a *app) error {
			d, err := a.service.Download(cmd.Context(), args[0], plain)
			if err != nil {
				return err
			}
			if output == "-" {
				_, err := cmd.OutOrStdout().Write(d.Body)
				return errors.Trace(err)
			}
			if output == "" {
				output = d.Filename
			}
			if err := os.WriteFile(output, d.Body, 0o600); err != nil {
				return errors.Annotatef(err, "writing %s", output)
			}
			fmt.Fprintln(cmd.OutOrStdout(), output)
			return nil
		}),
	}
	cmd.Flags().BoolVar(&plain, "plain", false, "decrypt and verify before writing")
	cmd.Flags().StringVarP(&output, "output", "o", "", "destination file, - for stdout")
	return cmd
}

func newServeCmd(v *viper.Viper, cfgFile *string) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve the admin HTTP API",
		Args:  cobra.NoArgs,
		RunE: withApp(v, cfgFile, func(cmd *cobra.Command, _ []string, a *app) error {
			if a.cfg.AdminTokenHash == "" {
				return errors.NotValidf("serve without %s", config.KeyAdminTokenHash)
			}
			h, err := adminapi.NewHandler(adminapi.Config{
				Snapshots: a.service,
				Auth:      adminapi.TokenAuthorizer{Hash: a.cfg.AdminTokenHash, Salt: a.cfg.AdminTokenSalt},
				Lock:      a.lock,
				Logger:    a.logger,
				Metrics:   promhttp.HandlerFor(a.registry, promhttp.HandlerOpts{}),
			})
			if err != nil {
				return errors.Trace(err)
			}
			srv := &http.Server{
				Addr:              a.cfg.Listen,
				Handler:           h,
				ReadHeaderTimeout: 10 * time.Second,
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			errc := make(chan error, 1)
			go func() {
				a.logger.Info("serving admin api", zap.String("addr", srv.Addr))
				errc <- srv.ListenAndServe()
			}()

			select {
			case err := <-errc:
				return errors.Trace(err)
			case <-ctx.Done():
			}
			a.logger.Info("shutting down")
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
			defer cancel()
			return errors.Trace(srv.Shutdown(shutdownCtx))
		}),
	}
	cmd.Flags().String(config.KeyListen, ":8080", "listen address")
	_ = v.BindPFlag(config.KeyListen, cmd.Flags().Lookup(config.KeyListen))
	return cmd
}

func newTokenCmd() *cobra.Command {
	var length int
	cmd := &cobra.Command{
		Use:   "token",
		Short: "Generate an admin token and the hash to configure",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			token, err := envelope.GenerateSecureToken(length)
			if err != nil {
				return err
			}
			hashed, err := envelope.Hash(token, "")
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "token: %s\n", token)
			fmt.Fprintf(out, "%s: %s\n", config.KeyAdminTokenHash, hashed.Hash)
			fmt.Fprintf(out, "%s: %s\n", config.KeyAdminTokenSalt, hashed.Salt)
			return nil
		},
	}
	cmd.Flags().IntVar(&length, "bytes", 32, "random bytes in the token")
	return cmd
}
