package commands

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/dotcommander/loopd/internal/app"
	"github.com/dotcommander/loopd/internal/control"
	"github.com/dotcommander/loopd/internal/finalize"
	"github.com/dotcommander/loopd/internal/launcher"
	"github.com/dotcommander/loopd/internal/metrics"
	"github.com/dotcommander/loopd/internal/monitor"
	"github.com/dotcommander/loopd/internal/publish"
	"github.com/dotcommander/loopd/internal/server"
	"github.com/dotcommander/loopd/internal/store"
	"github.com/dotcommander/loopd/internal/sweep"
	"github.com/dotcommander/loopd/internal/workspace"
)

const shutdownTimeout = 10 * time.Second

// NewServeCmd creates the serve command.
func NewServeCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Recover orphaned executions, then serve the control API",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			listen, _ := cmd.Flags().GetString("listen")
			if err := runServe(cmd.Context(), listen); err != nil {
				return cmdErr(err)
			}
			return nil
		},
	}
	cmd.Flags().String("listen", "", "Listen address (default: listen_addr setting)")
	return cmd
}

func runServe(ctx context.Context, listen string) error {
	if ctx == nil {
		ctx = context.Background()
	}
	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	logger := slog.Default()
	rt := app.EffectiveRuntime()
	if listen != "" {
		rt.ListenAddr = listen
	}

	dbPath, err := app.GetDBPath()
	if err != nil {
		return err
	}
	release, err := store.AcquireServerLock(dbPath)
	if err != nil {
		return err
	}
	defer release()

	db, closeDB, err := openDB()
	if err != nil {
		return err
	}
	defer closeDB()

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	m := metrics.New(reg)

	var (
		pub publish.Publisher = publish.Nop{}
		nc  *nats.Conn
	)
	if rt.NATSURL != "" {
		np, err := publish.Connect(rt.NATSURL, logger)
		if err != nil {
			return err
		}
		defer np.Close()
		pub = np
		nc = np.Conn()
	}

	// No launch may be accepted before records left by a dead process are failed.
	rep, err := sweep.Run(sweep.Deps{DB: db, Publisher: pub, Metrics: m, Logger: logger})
	if err != nil {
		return err
	}

	mon := monitor.New(monitor.Deps{DB: db, Publisher: pub, Metrics: m, Logger: logger})
	procs := launcher.NewProcesses(rt.LogTailLines, logger)
	l := launcher.New(launcher.Deps{
		DB: db,
		Provisioner: &workspace.DirProvisioner{
			ArtifactDir:   rt.ArtifactDir,
			TemplateDir:   rt.TemplateDir,
			AutoProvision: rt.AutoProvision,
			Logger:        logger,
		},
		Processes: procs,
		Watcher:   mon,
		Publisher: pub,
		Metrics:   m,
		Logger:    logger,
	}, launcher.Config{
		PlanMaxIterations:  rt.PlanMaxIterations,
		BuildMaxIterations: rt.BuildMaxIterations,
	})
	mon.SetPipeline(finalize.New(finalize.Deps{DB: db, Scheduler: l, Publisher: pub, Metrics: m, Logger: logger}))

	svc := control.New(control.Deps{DB: db, Launcher: l, Publisher: pub, Metrics: m, Logger: logger}, control.Config{
		ArtifactDir:      rt.ArtifactDir,
		HardKillOnCancel: rt.HardKillOnCancel,
	})
	srv := server.New(server.Deps{Service: svc, NATS: nc, Gatherer: reg, Logger: logger}, rt.ListenAddr)

	logger.Info("loopd serving", "addr", rt.ListenAddr, "recovered_orphans", rep.Recovered, "nats", nc != nil)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(srv.Start)
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})
	err = g.Wait()

	// Children run in their own process groups and outlive this process; the
	// next serve's sweep fails their records.
	if n := procs.Live(); n > 0 {
		logger.Warn("exiting with live executions", "count", n)
	}
	return err
}
