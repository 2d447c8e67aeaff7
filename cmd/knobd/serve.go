package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/cuemby/knobd/pkg/api"
	"github.com/cuemby/knobd/pkg/client"
	"github.com/cuemby/knobd/pkg/events"
	"github.com/cuemby/knobd/pkg/health"
	"github.com/cuemby/knobd/pkg/log"
	"github.com/cuemby/knobd/pkg/metrics"
	"github.com/cuemby/knobd/pkg/reconciler"
	"github.com/cuemby/knobd/pkg/storage"
	"github.com/cuemby/knobd/pkg/switcher"
	"github.com/cuemby/knobd/pkg/tuner"
	"github.com/spf13/cobra"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the adaptive controller and its HTTP API",
	Long: `Run the adaptive knob controller.

Metric samples are posted to /suggest; the controller evaluates its window on
every sample and on a background tick. Tuner state and decision history are
persisted under the data directory and restored on restart.`,
	RunE: runServe,
}

func init() {
	serveCmd.Flags().String("addr", "", "HTTP listen address (default from config)")
	serveCmd.Flags().String("data-dir", "", "Directory for tuner state (default from config)")
	serveCmd.Flags().Bool("read-only", false, "Reject /suggest and /reset")
	serveCmd.Flags().Bool("watch-backend", true, "Probe the retrieval service health in the background")
	serveCmd.Flags().Bool("repair-drift", false, "Re-apply the committed policy when the service drifts from it")
}

func runServe(cmd *cobra.Command, args []string) error {
	addr := cfg.Server.Addr
	if v, _ := cmd.Flags().GetString("addr"); v != "" {
		addr = v
	}
	dataDir := cfg.DataDir
	if v, _ := cmd.Flags().GetString("data-dir"); v != "" {
		dataDir = v
	}
	readOnly, _ := cmd.Flags().GetBool("read-only")
	watchBackend, _ := cmd.Flags().GetBool("watch-backend")
	if cmd.Flags().Changed("repair-drift") {
		cfg.Reconciler.Repair, _ = cmd.Flags().GetBool("repair-drift")
	}

	logger := log.WithComponent("serve")

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	store, err := storage.NewBoltStore(dataDir)
	if err != nil {
		return err
	}
	defer store.Close()
	metrics.RegisterComponent(metrics.ComponentStateStore, true, "")
	metrics.SetCriticalComponents(metrics.ComponentTuner, metrics.ComponentStateStore)

	broker := events.NewBroker()
	broker.Start()
	defer broker.Stop()
	go events.LogEvents(ctx, broker)

	tc := cfg.TunerConfig()
	tc.Saver = store
	tc.Events = broker
	ctrl, err := tuner.NewController(tc)
	if err != nil {
		return err
	}

	policyStore := storage.NewFileStore(cfg.StatePath, cfg.LockRetry())
	collector := metrics.NewCollector(policyStore, 15*time.Second)
	collector.Start()
	defer collector.Stop()

	if cfg.Reconciler.Interval > 0 {
		registry, err := loadRegistry()
		if err != nil {
			return err
		}
		svc := client.New(cfg.BaseURL,
			client.WithTimeout(cfg.Client.Timeout),
			client.WithRetry(cfg.ClientRetry()),
		)
		rc := reconciler.Config{
			Store:    policyStore,
			Service:  svc,
			Events:   broker,
			Interval: cfg.Reconciler.Interval,
		}
		if cfg.Reconciler.Repair {
			rc.Repair = switcher.New(switcher.Config{
				Store:    policyStore,
				Service:  svc,
				Registry: registry,
				Events:   broker,
			})
		}
		recon := reconciler.NewReconciler(rc)
		recon.Start()
		defer recon.Stop()
	}

	if watchBackend {
		gate := health.ServiceGate(cfg.BaseURL, cfg.Client.Timeout)
		monitor := health.NewMonitor(metrics.ComponentBackend, gate, health.DefaultConfig())
		monitor.Start()
		defer monitor.Stop()
	}

	go ctrl.Run(ctx, cfg.Tuner.TickInterval)

	var opts []api.Option
	if readOnly {
		opts = append(opts, api.WithReadOnly())
	}
	server := api.NewServer(ctrl, opts...)

	errCh := make(chan error, 1)
	go func() {
		errCh <- server.Start(addr)
	}()

	st := ctrl.Status()
	logger.Info().
		Str("addr", addr).
		Str("data_dir", dataDir).
		Int("knob", st.KnobValue).
		Int("history_len", st.HistoryLen).
		Msg("Controller running")

	select {
	case <-ctx.Done():
		logger.Info().Msg("Shutting down")
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("API server error: %w", err)
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil && !errors.Is(err, context.Canceled) {
		return fmt.Errorf("failed to shutdown: %w", err)
	}
	logger.Info().Msg("Shutdown complete")
	return nil
}
