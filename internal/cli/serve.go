package cli

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/randalmurphal/overseer/internal/api"
	"github.com/randalmurphal/overseer/internal/config"
	"github.com/randalmurphal/overseer/internal/events"
	"github.com/randalmurphal/overseer/internal/git"
	"github.com/randalmurphal/overseer/internal/hosting"
	_ "github.com/randalmurphal/overseer/internal/hosting/github"
	_ "github.com/randalmurphal/overseer/internal/hosting/gitlab"
	"github.com/randalmurphal/overseer/internal/proc"
	"github.com/randalmurphal/overseer/internal/secrets"
	"github.com/randalmurphal/overseer/internal/store"
	"github.com/randalmurphal/overseer/internal/supervisor"
	"github.com/randalmurphal/overseer/internal/watcher"
)

// newServeCmd creates the serve command for the orchestrator
func newServeCmd() *cobra.Command {
	var listen string

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the orchestrator and API server",
		Long: `Start the overseer orchestrator: the HTTP API, the websocket event
stream, and the pull-request watcher.

The server owns the task database, the per-task worktrees, and every
running agent. Stopping it cancels in-flight agents cleanly; tasks
whose PRs are open are re-watched on the next start.

Example:
  overseer serve                      # listen on the configured address
  overseer serve --listen :8080       # override the listen address`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			if listen != "" {
				cfg.ListenAddr = listen
			}
			return runServe(cfg.ListenAddr, cfg)
		},
	}

	cmd.Flags().StringVar(&listen, "listen", "", "listen address (overrides config)")

	return cmd
}

func runServe(addr string, cfg *config.Config) error {
	sec := secrets.EnvAccessor{}

	st, err := store.Open(cfg.DBPath)
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	defer st.Close()

	bus := events.NewBus(events.WithSubscriberBuffer(cfg.Events.SubscriberBuffer))
	defer bus.Close()
	history := events.NewHistory(cfg.Events.LogCapPerTask, cfg.Events.ChatCapPerTask, cfg.Events.LogRetention)
	defer history.Close()

	procs := proc.NewSupervisor()

	gitMgr := git.NewManager(git.Options{
		ReposDir:        cfg.ReposBaseDir,
		WorktreesDir:    cfg.WorktreesDir,
		CommitterName:   cfg.Git.CommitterName,
		CommitterEmail:  cfg.Git.CommitterEmail,
		MaxContentBytes: cfg.Git.MaxFileContentBytes,
		TokenFor: func(repoURL string) string {
			return forgeToken(sec, hosting.Detect(repoURL))
		},
	}, nil, procs)

	forge := hosting.NewAdapter(func(pt hosting.ProviderType) string {
		return forgeToken(sec, pt)
	}, cfg.Hosting.BaseURL)

	sup := supervisor.New(supervisor.Options{
		Config:  cfg.Agent,
		Store:   st,
		Bus:     bus,
		History: history,
		Procs:   procs,
		Git:     gitMgr,
		Forge:   forge,
		Secrets: sec,
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	w := watcher.New(watcher.Options{
		Interval:  cfg.Watcher.PollInterval,
		Store:     st,
		Bus:       bus,
		Forge:     forge,
		Lifecycle: sup,
	})
	sup.SetTracker(w)
	if err := w.Init(ctx); err != nil {
		slog.Warn("reconstruct PR watch list", "error", err)
	}
	go w.Run(ctx)

	server := api.NewServer(st, bus, history, sup, slog.Default())
	defer server.Close()

	httpSrv := &http.Server{
		Addr:    addr,
		Handler: server.Handler(),
	}

	errCh := make(chan error, 1)
	go func() {
		slog.Info("overseer listening", "addr", addr)
		errCh <- httpSrv.ListenAndServe()
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case err := <-errCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("serve: %w", err)
		}
	case sig := <-sigCh:
		slog.Info("shutting down", "signal", sig.String())
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer shutdownCancel()

	cancel()
	if err := sup.Shutdown(shutdownCtx); err != nil {
		slog.Warn("supervisor shutdown", "error", err)
	}
	if err := httpSrv.Shutdown(shutdownCtx); err != nil {
		slog.Warn("http shutdown", "error", err)
	}
	procs.Shutdown()
	return nil
}

// forgeToken maps a forge to its secret key.
func forgeToken(sec secrets.Accessor, pt hosting.ProviderType) string {
	switch pt {
	case hosting.ProviderGitHub:
		return sec.Get(secrets.KeyGitHubToken)
	case hosting.ProviderGitLab:
		return sec.Get(secrets.KeyGitLabToken)
	default:
		return ""
	}
}
