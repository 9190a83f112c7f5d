package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/sandboxlab/detonate/internal/api"
	"github.com/sandboxlab/detonate/internal/config"
	"github.com/sandboxlab/detonate/internal/engine"
	"github.com/sandboxlab/detonate/internal/guest"
	"github.com/sandboxlab/detonate/internal/hypervisor"
	"github.com/sandboxlab/detonate/internal/janitor"
	"github.com/sandboxlab/detonate/internal/metrics"
	"github.com/sandboxlab/detonate/internal/pipeline"
	"github.com/sandboxlab/detonate/internal/store"
	"github.com/sandboxlab/detonate/internal/vm"
)

func newServeCommand(logger *slog.Logger) *cobra.Command {
	var cfgPath string

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the analysis daemon",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(cmd.Context(), cfgPath, logger)
		},
	}
	cmd.Flags().StringVar(&cfgPath, "config", "", "path to detonate.yaml")
	return cmd
}

func runServe(ctx context.Context, cfgPath string, logger *slog.Logger) error {
	cfg, err := config.Load(cfgPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	if cfg.APIKey == "" {
		logger.Warn("no API key configured, running in open access mode")
	}

	if err := os.MkdirAll(cfg.DataDir, 0o755); err != nil {
		return fmt.Errorf("create data dir: %w", err)
	}

	st, err := store.New(cfg.DBPath, 0)
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	defer st.Close()

	control, closeControl, err := buildControl(cfg, logger)
	if err != nil {
		return err
	}
	defer closeControl()

	ctrl := vm.NewController(vm.Handle{
		ImagePath:          cfg.VM.ImagePath,
		BaseSnapshot:       cfg.VM.BaseSnapshot,
		GuestDir:           cfg.VM.GuestDir,
		StartTimeout:       cfg.VM.StartTimeout(),
		ReadyProbeAttempts: cfg.VM.ReadyProbeAttempts,
		ReadyProbeInterval: cfg.VM.ReadyProbeInterval(),
	}, control, logger)

	gateway := guest.NewGateway(control, ctrl, logger)
	driver := guest.NewDriver(control, ctrl, cfg.ExecTimeout(), logger)

	pipe := pipeline.New(gateway, driver, pipeline.Options{
		GuestDir:       cfg.VM.GuestDir,
		TraceEnabled:   cfg.TraceEnabled,
		CompileTimeout: cfg.CompileTimeout(),
		ExecTimeout:    cfg.ExecTimeout(),
		TraceTimeout:   cfg.TraceTimeout(),
	}, logger)

	m := metrics.New()

	eng := engine.New(cfg, st, ctrl, pipe, m, logger)
	eng.Start(ctx)

	jan := janitor.New(st,
		time.Duration(cfg.RetentionSeconds)*time.Second,
		time.Duration(cfg.JanitorIntervalSeconds)*time.Second,
		logger)
	go jan.Run(ctx)

	if _, err := eng.StartVM(ctx); err != nil {
		logger.Error("sandbox vm did not start, start it via POST /v1/vm/start", "error", err)
	}

	srv := api.NewServer(cfg, eng, m, logger)

	httpServer := &http.Server{
		Addr:         cfg.Listen,
		Handler:      srv.Handler(),
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 5 * time.Minute, // analysis polling and artifact downloads can be slow
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		<-ctx.Done()
		logger.Info("shutting down...")

		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer shutdownCancel()
		httpServer.Shutdown(shutdownCtx)
	}()

	logger.Info("listening", "addr", cfg.Listen, "backend", cfg.VM.Backend)
	fmt.Fprintf(os.Stderr, "\n  detonate daemon ready at http://%s\n\n", cfg.Listen)

	if err := httpServer.ListenAndServe(); err != http.ErrServerClosed {
		return fmt.Errorf("server error: %w", err)
	}

	eng.Stop()

	stopCtx, stopCancel := context.WithTimeout(context.Background(), cfg.VM.StartTimeout())
	defer stopCancel()
	if err := eng.StopVM(stopCtx); err != nil {
		logger.Warn("vm shutdown", "error", err)
	}
	return nil
}

// buildControl selects the hypervisor backend. The returned close function
// releases backend resources after the VM has been stopped.
func buildControl(cfg *config.Config, logger *slog.Logger) (hypervisor.Control, func(), error) {
	switch cfg.VM.Backend {
	case "vmrun":
		if cfg.VM.ImagePath == "" {
			return nil, nil, fmt.Errorf("vmrun backend requires vm.image_path")
		}
		v := hypervisor.NewVMRun(cfg.VM.VMRunPath, cfg.VM.ImagePath, cfg.VM.GuestUser, cfg.VM.GuestPass, logger)
		return v, func() {}, nil
	case "docker":
		if cfg.VM.ContainerImage == "" {
			return nil, nil, fmt.Errorf("docker backend requires vm.container_image")
		}
		box, err := hypervisor.NewContainerBox(cfg.VM.ContainerImage, "detonate-sandbox", logger)
		if err != nil {
			return nil, nil, fmt.Errorf("docker backend: %w", err)
		}
		return box, func() { box.Close() }, nil
	default:
		return nil, nil, fmt.Errorf("unknown vm backend %q", cfg.VM.Backend)
	}
}
