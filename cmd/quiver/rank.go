package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/23skdu/longbow-quiver/internal/comm"
	"github.com/23skdu/longbow-quiver/internal/config"
	"github.com/23skdu/longbow-quiver/internal/device"
	"github.com/23skdu/longbow-quiver/internal/engine"
	"github.com/23skdu/longbow-quiver/internal/logger"
	"github.com/23skdu/longbow-quiver/internal/monitoring"
	"github.com/23skdu/longbow-quiver/internal/weights"
)

type rankFlags struct {
	rank        int
	listen      string
	peers       string
	weightsDir  string
	weightsType string
	monitorAddr string
	hold        bool
}

func newRankCmd(model *modelFlags) *cobra.Command {
	var (
		f rankFlags
		w workload
	)
	cmd := &cobra.Command{
		Use:   "rank",
		Short: "Run one rank of the grid, talking to its peers over Arrow Flight",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return runRank(ctx, cmd, model, f, w)
		},
	}
	registerWorkload(cmd, &w)
	cmd.Flags().IntVar(&f.rank, "rank", 0, "Global rank of this process")
	cmd.Flags().StringVar(&f.listen, "listen", ":0", "Flight listen address")
	cmd.Flags().StringVar(&f.peers, "peers", "", "Comma separated host:port of every rank, indexed by global rank")
	cmd.Flags().StringVar(&f.weightsDir, "weights", "", "Directory of layer weight files (random weights when empty)")
	cmd.Flags().StringVar(&f.weightsType, "weights-type", "fp32", "Element type of the weight files")
	cmd.Flags().StringVar(&f.monitorAddr, "monitor", ":9090", "Health and metrics listen address (empty disables)")
	cmd.Flags().BoolVar(&f.hold, "hold", false, "Keep serving monitoring after the workload until interrupted")
	return cmd
}

func parsePeers(s string, world int) ([]string, error) {
	if world == 1 && s == "" {
		return nil, nil
	}
	peers := strings.Split(s, ",")
	for i := range peers {
		peers[i] = strings.TrimSpace(peers[i])
		if peers[i] == "" {
			return nil, fmt.Errorf("empty peer address at rank %d", i)
		}
	}
	if len(peers) != world {
		return nil, fmt.Errorf("--peers lists %d addresses, grid has %d ranks", len(peers), world)
	}
	return peers, nil
}

func loadModel(ctx context.Context, cfg *config.Config, f rankFlags, seed uint64) (*weights.Model, error) {
	if f.weightsDir == "" {
		return weights.Random(cfg, seed)
	}
	ft, err := device.ParseDataType(f.weightsType)
	if err != nil {
		return nil, err
	}
	return weights.Load(ctx, f.weightsDir, cfg, ft)
}

func runRank(ctx context.Context, cmd *cobra.Command, model *modelFlags, f rankFlags, w workload) error {
	cfg, err := model.config(f.rank)
	if err != nil {
		return err
	}
	peers, err := parsePeers(f.peers, cfg.Parallel.WorldSize())
	if err != nil {
		return err
	}
	log := logger.Log.With("rank", f.rank)

	start := time.Now()
	m, err := loadModel(ctx, &cfg, f, w.Seed)
	if err != nil {
		return fmt.Errorf("failed to load weights: %w", err)
	}
	log.Info("Weights ready", "grid", cfg.Parallel.String(), "bytes", m.Bytes(), "duration", time.Since(start))

	opts := []engine.Option{engine.WithLogger(log)}
	var hm *monitoring.HealthMonitor
	if f.monitorAddr != "" {
		hm = monitoring.NewHealthMonitor(cfg)
		if err := hm.Start(f.monitorAddr); err != nil {
			return err
		}
		defer func() {
			sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			_ = hm.Stop(sctx)
		}()
		opts = append(opts, engine.WithObserver(hm))
	}

	var c comm.Communicator
	if peers != nil {
		ft, err := comm.NewFlightTransport(f.rank, f.listen)
		if err != nil {
			return err
		}
		defer ft.Close()
		ft.Connect(peers)
		c = ft
	}

	report, err := runWorkload(ctx, cfg, m, c, w, opts...)
	if err != nil {
		return err
	}
	printReports(cmd.OutOrStdout(), []*rankReport{report})

	if f.hold {
		log.Info("Workload done, serving until interrupted")
		<-ctx.Done()
	}
	return nil
}
