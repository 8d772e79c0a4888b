package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/nodemesh/meshnode/internal/config"
	"github.com/nodemesh/meshnode/internal/discovery"
	"github.com/nodemesh/meshnode/internal/engine"
	"github.com/nodemesh/meshnode/internal/event"
	"github.com/nodemesh/meshnode/internal/fsm"
	"github.com/nodemesh/meshnode/internal/ingress"
	"github.com/nodemesh/meshnode/internal/nodelog"
)

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run a mesh node",
	Long: `Run starts the node's three cooperative loops (analyze, send, persist),
its HTTP ingress server, and its neighbor liveness prober, and blocks
until interrupted.`,
	RunE: runNode,
}

func init() {
	runCmd.Flags().String("config", "", "Path to a YAML config file (optional; built-in defaults apply otherwise)")
}

func runNode(cmd *cobra.Command, args []string) error {
	configPath, _ := cmd.Flags().GetString("config")
	cfg, err := loadConfig(configPath)
	if err != nil {
		return err
	}

	log := nodelog.WithNode(cfg.Name)
	log.Info().Str("address", cfg.Address).Int("port", cfg.Port).Msg("starting node")

	eng := engine.New(cfg, cfg.AdmittedEventTypes, engine.Hooks{
		Analyze: defaultAnalyze,
		Lifecycle: fsm.Hooks{
			OnInitializing: func() error { return nil },
			OnStarting:     func() error { return nil },
			OnPausing:      func() error { return nil },
			OnResuming:     func() error { return nil },
			OnStopping:     func() error { return nil },
			OnResetting:    func() error { return nil },
		},
	})

	var prober *discovery.Prober
	if len(cfg.DiscoveryNeighbors) > 0 {
		prober = discovery.NewProber(cfg.DiscoveryNeighbors, cfg.DiscoveryInterval())
	}

	server := ingress.New(eng, prober)
	httpServer := &http.Server{
		Addr:    fmt.Sprintf("%s:%d", cfg.Address, cfg.Port),
		Handler: server,
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	errCh := make(chan error, 1)
	go func() {
		if err := eng.Run(ctx); err != nil {
			errCh <- fmt.Errorf("engine loop stopped: %w", err)
		}
	}()
	if prober != nil {
		go prober.Run(ctx)
	}
	go func() {
		log.Info().Str("addr", httpServer.Addr).Msg("ingress listening")
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- fmt.Errorf("ingress server error: %w", err)
		}
	}()

	if err := eng.FSM().Handle(fsm.CmdInitialize); err != nil {
		return fmt.Errorf("initialize: %w", err)
	}
	if err := eng.FSM().Handle(fsm.CmdRun); err != nil {
		return fmt.Errorf("run: %w", err)
	}
	log.Info().Msg("node started")

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)

	select {
	case <-sigCh:
		log.Info().Msg("shutdown signal received")
	case err := <-errCh:
		log.Error().Err(err).Msg("node error")
	}

	eng.Accept(event.New(fsm.CmdGracefulStop, cfg.Name, cfg.Name))
	waitForStop(eng, cfg)

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		log.Warn().Err(err).Msg("ingress shutdown did not complete cleanly")
	}
	cancel()

	log.Info().Msg("shutdown complete")
	return nil
}

// waitForStop polls the FSM until it leaves STOPPING (drain complete or
// deadline elapsed) or a hard ceiling well past the configured stopping
// deadline is reached, so a stuck drain can never hang the process forever.
func waitForStop(eng *engine.Engine, cfg config.Config) {
	ceiling := time.After(cfg.StoppingDeadline() + 5*time.Second)
	ticker := time.NewTicker(100 * time.Millisecond)
	defer ticker.Stop()
	for {
		select {
		case <-ceiling:
			return
		case <-ticker.C:
			if eng.FSM().State() != fsm.Stopping {
				return
			}
		}
	}
}

func defaultAnalyze(e *event.Event) bool {
	return true
}
