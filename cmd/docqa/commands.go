package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/hyperjump/docqa/internal/cli"
	"github.com/hyperjump/docqa/internal/config"
	"github.com/hyperjump/docqa/internal/models"
	"github.com/hyperjump/docqa/internal/server"
	"github.com/hyperjump/docqa/internal/service"
	"github.com/hyperjump/docqa/internal/watcher"
)

// withComponents runs fn with initialized components and tears them down afterwards.
func withComponents(opts *globalOptions, fn func(ctx context.Context, cfg *config.Config, logger *zap.Logger, c *Components, format cli.OutputFormat) error) error {
	cfg, logger, format, err := opts.setup()
	if err != nil {
		return err
	}
	defer func() { _ = logger.Sync() }()
	c, err := initializeComponents(cfg, logger)
	if err != nil {
		return err
	}
	defer c.Close()
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	return fn(ctx, cfg, logger, c, format)
}

func newServerCmd(opts *globalOptions) *cobra.Command {
	var watchDir string
	cmd := &cobra.Command{
		Use:   "server",
		Short: "Start the HTTP API",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return withComponents(opts, func(ctx context.Context, cfg *config.Config, logger *zap.Logger, c *Components, _ cli.OutputFormat) error {
				if watchDir != "" {
					cfg.Watch.Directory = watchDir
				}
				if cfg.Watch.Directory != "" {
					w, err := startWatcher(ctx, cfg, logger, c.Service, nil)
					if err != nil {
						return err
					}
					defer w.Stop()
				}

				srv := server.NewServer(c.Service, &cfg.Server, logger)
				errCh := make(chan error, 1)
				go func() { errCh <- srv.Start() }()

				select {
				case err := <-errCh:
					if !errors.Is(err, http.ErrServerClosed) {
						return fmt.Errorf("server failed: %w", err)
					}
					return nil
				case <-ctx.Done():
				}
				logger.Info("Shutting down...")
				shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
				defer cancel()
				return srv.Stop(shutdownCtx)
			})
		},
	}
	cmd.Flags().StringVar(&watchDir, "watch", "", "also ingest documents dropped into this directory")
	return cmd
}

func newIngestCmd(opts *globalOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "ingest <file>...",
		Short: "Create a processed session for each file",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withComponents(opts, func(ctx context.Context, _ *config.Config, _ *zap.Logger, c *Components, format cli.OutputFormat) error {
				for _, path := range args {
					res, err := c.Service.IngestFile(ctx, path)
					if err != nil {
						return fmt.Errorf("ingest %s: %w", path, err)
					}
					if err := cli.WriteProcessResult(cmd.OutOrStdout(), res, format); err != nil {
						return err
					}
				}
				return nil
			})
		},
	}
}

func newQueryCmd(opts *globalOptions) *cobra.Command {
	var k int
	cmd := &cobra.Command{
		Use:   "query <session-id> <question>...",
		Short: "Answer a question from a processed session",
		Long:  "The question is all arguments after the session id joined by spaces.",
		Args:  cobra.MinimumNArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			question := strings.TrimSpace(strings.Join(args[1:], " "))
			return withComponents(opts, func(ctx context.Context, _ *config.Config, _ *zap.Logger, c *Components, format cli.OutputFormat) error {
				resp, err := c.Service.Query(ctx, args[0], models.QueryRequest{Question: question, K: k})
				if err != nil {
					return err
				}
				return cli.WriteQueryResponse(cmd.OutOrStdout(), resp, format)
			})
		},
	}
	cmd.Flags().IntVarP(&k, "top-k", "k", 0, "number of chunks to retrieve (default from config)")
	return cmd
}

func newStatusCmd(opts *globalOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "status <session-id>",
		Short: "Show whether a session has been processed",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withComponents(opts, func(ctx context.Context, _ *config.Config, _ *zap.Logger, c *Components, format cli.OutputFormat) error {
				st, err := c.Service.Status(ctx, args[0])
				if err != nil {
					return err
				}
				return cli.WriteStatus(cmd.OutOrStdout(), st, format)
			})
		},
	}
}

func newListCmd(opts *globalOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List stored sessions",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return withComponents(opts, func(ctx context.Context, _ *config.Config, _ *zap.Logger, c *Components, format cli.OutputFormat) error {
				list, err := c.Service.List(ctx)
				if err != nil {
					return err
				}
				return cli.WriteSessions(cmd.OutOrStdout(), list, format)
			})
		},
	}
}

func newCleanupCmd(opts *globalOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "cleanup <session-id>...",
		Short: "Delete everything stored for the sessions",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withComponents(opts, func(ctx context.Context, _ *config.Config, _ *zap.Logger, c *Components, _ cli.OutputFormat) error {
				for _, sid := range args {
					if err := c.Service.Cleanup(ctx, sid); err != nil {
						return err
					}
					fmt.Fprintf(cmd.OutOrStdout(), "Session deleted: %s\n", sid)
				}
				return nil
			})
		},
	}
}

func newWatchCmd(opts *globalOptions) *cobra.Command {
	var removeProcessed bool
	cmd := &cobra.Command{
		Use:   "watch [directory]",
		Short: "Ingest every document dropped into a directory",
		Long: `Ingests the files already in the directory, then each new file once it has been
quiet for a moment. Hidden files, temporaries, and unsupported types are skipped.
The directory defaults to watch.directory from the config.`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withComponents(opts, func(ctx context.Context, cfg *config.Config, logger *zap.Logger, c *Components, format cli.OutputFormat) error {
				if len(args) == 1 {
					cfg.Watch.Directory = args[0]
				}
				if cmd.Flags().Changed("remove-processed") {
					cfg.Watch.RemoveProcessed = removeProcessed
				}
				if cfg.Watch.Directory == "" {
					return errors.New("no directory given and watch.directory is not configured")
				}
				report := func(path string, res *service.ProcessResult, err error) {
					if err != nil {
						cmd.PrintErrf("%s: %v\n", path, err)
						return
					}
					_ = cli.WriteProcessResult(cmd.OutOrStdout(), res, format)
				}
				w, err := startWatcher(ctx, cfg, logger, c.Service, report)
				if err != nil {
					return err
				}
				<-ctx.Done()
				w.Stop()
				return nil
			})
		},
	}
	cmd.Flags().BoolVar(&removeProcessed, "remove-processed", false, "delete files after they were ingested")
	return cmd
}

// startWatcher starts watching cfg.Watch.Directory and ingests the files already there.
func startWatcher(ctx context.Context, cfg *config.Config, logger *zap.Logger, svc *service.Service, report watcher.ResultFunc) (*watcher.Watcher, error) {
	w := watcher.New(cfg.Watch.Directory, svc,
		watcher.WithLogger(logger),
		watcher.WithRemoveProcessed(cfg.Watch.RemoveProcessed),
		watcher.WithResultFunc(report),
	)
	if err := w.Start(ctx); err != nil {
		return nil, fmt.Errorf("failed to start watcher: %w", err)
	}
	if err := w.SyncExisting(ctx); err != nil {
		w.Stop()
		return nil, err
	}
	return w, nil
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Show version",
		Args:  cobra.NoArgs,
		Run: func(cmd *cobra.Command, _ []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "docqa version %s\n", version)
		},
	}
}
