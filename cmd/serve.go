package cmd

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/exec"
	"os/signal"
	"path/filepath"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/joescharf/warden/internal/api"
	"github.com/joescharf/warden/internal/daemon"
)

var (
	serveDaemon bool
	serveStop   bool
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the warden control-plane server",
	Long: `Start the HTTP server that exposes the session API, the sandbox
completion callback, and CRDT state sync. Also keeps the warm pool
topped up and sweeps expired sandboxes.

Use --daemon to detach into the background and --stop to stop a
running daemon.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		if serveStop {
			return serveStopRun()
		}
		if serveDaemon {
			return serveDaemonRun()
		}
		return serveRun(cmd.Context())
	},
}

func init() {
	rootCmd.AddCommand(serveCmd)

	serveCmd.Flags().IntP("port", "p", 8330, "port to listen on")
	serveCmd.Flags().BoolVarP(&serveDaemon, "daemon", "d", false, "Run in the background")
	serveCmd.Flags().BoolVar(&serveStop, "stop", false, "Stop a running background server")
	_ = viper.BindPFlag("server.port", serveCmd.Flags().Lookup("port"))
}

func servePIDFile() *daemon.PIDFile {
	return daemon.NewPIDFile(filepath.Join(viper.GetString("state_dir"), "warden-serve.pid"))
}

func serveRun(ctx context.Context) error {
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
		Level: logLevel(),
	}))

	orch, cont, err := buildOrchestrator(logger)
	if err != nil {
		return err
	}
	s, err := getStore()
	if err != nil {
		return err
	}
	pm, err := getPoolManager()
	if err != nil {
		return err
	}

	pf := servePIDFile()
	if pid, running := pf.IsRunning(); running {
		return fmt.Errorf("server already running (pid %d)", pid)
	}
	if err := pf.Write(); err != nil {
		return fmt.Errorf("write PID file: %w", err)
	}
	defer func() { _ = pf.Remove() }()

	ctx, stop := signal.NotifyContext(ctx, shutdownSignals()...)
	defer stop()

	// Pool maintenance: top up and sweep on a fixed cadence.
	poolSize := viper.GetInt("pool.size")
	template := viper.GetString("sandbox.template")
	go func() {
		ticker := time.NewTicker(time.Minute)
		defer ticker.Stop()
		for {
			if created, err := pm.EnsureWarm(ctx, template, poolSize); err != nil {
				logger.Warn("pool top-up failed", "error", err)
			} else if created > 0 {
				logger.Info("pool topped up", "template", template, "created", created)
			}
			if expired, removed, err := pm.Sweep(ctx); err != nil {
				logger.Warn("pool sweep failed", "error", err)
			} else if expired > 0 || removed > 0 {
				logger.Info("pool swept", "expired", expired, "removed", removed)
			}
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
			}
		}
	}()

	apiServer := api.NewServer(s, orch, cont, viper.GetString("callback.token"), logger)
	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", viper.GetInt("server.port")),
		Handler:           apiServer.Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("warden server listening", "addr", srv.Addr)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
		logger.Info("shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	}
}

// serveDaemonRun re-execs this binary detached from the terminal.
func serveDaemonRun() error {
	pf := servePIDFile()
	if pid, running := pf.IsRunning(); running {
		return fmt.Errorf("server already running (pid %d)", pid)
	}

	exe, err := os.Executable()
	if err != nil {
		return fmt.Errorf("find executable: %w", err)
	}

	args := []string{"serve", "--port", fmt.Sprintf("%d", viper.GetInt("server.port"))}
	child := exec.Command(exe, args...)
	child.Stdin = nil
	child.Stdout = nil
	child.Stderr = nil
	setDaemonAttrs(child)

	if err := child.Start(); err != nil {
		return fmt.Errorf("start daemon: %w", err)
	}

	ui.Success("Server started in background (pid %d)", child.Process.Pid)
	return nil
}

func serveStopRun() error {
	pf := servePIDFile()
	pid, running := pf.IsRunning()
	if !running {
		_ = pf.Remove()
		ui.Info("Server is not running.")
		return nil
	}

	if err := pf.Signal(sigTERM()); err != nil {
		return fmt.Errorf("stop server (pid %d): %w", pid, err)
	}

	// Give it a moment to exit cleanly before escalating.
	for i := 0; i < 20; i++ {
		if _, still := pf.IsRunning(); !still {
			ui.Success("Server stopped (pid %d)", pid)
			return nil
		}
		time.Sleep(250 * time.Millisecond)
	}

	_ = pf.Signal(sigKILL())
	_ = pf.Remove()
	ui.Warning("Server did not exit cleanly, killed (pid %d)", pid)
	return nil
}

func logLevel() slog.Level {
	if verbose {
		return slog.LevelDebug
	}
	return slog.LevelInfo
}
