package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/23skdu/longbow-quiver/internal/comm"
	"github.com/23skdu/longbow-quiver/internal/engine"
	"github.com/23skdu/longbow-quiver/internal/logger"
	"github.com/23skdu/longbow-quiver/internal/weights"
)

func newSimulateCmd(model *modelFlags) *cobra.Command {
	var (
		w         workload
		tracePath string
	)
	cmd := &cobra.Command{
		Use:   "simulate",
		Short: "Run every rank of the grid in-process over a shared fabric",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			reports, tracer, err := simulate(ctx, model, w, tracePath != "")
			if err != nil {
				return err
			}
			printReports(cmd.OutOrStdout(), reports)
			if tracer != nil {
				if err := tracer.SaveToFile(tracePath); err != nil {
					return fmt.Errorf("failed to save trace: %w", err)
				}
				logger.Log.Info("Trace saved", "path", tracePath, "collapsed", tracer.Collapsed(), "saturated", tracer.Saturated())
			}
			return nil
		},
	}
	registerWorkload(cmd, &w)
	cmd.Flags().StringVar(&tracePath, "trace", "", "Write per-layer activation statistics of global rank 0 to this JSON file")
	return cmd
}

func registerWorkload(cmd *cobra.Command, w *workload) {
	cmd.Flags().IntVar(&w.Batch, "batch", 2, "Prompts per forward")
	cmd.Flags().IntVar(&w.Seq, "seq", 16, "Prompt length")
	cmd.Flags().IntVar(&w.Steps, "steps", 4, "Generation steps after the context forward")
	cmd.Flags().IntVar(&w.LocalBatch, "local-batch", 0, "Rows per iteration (0 picks the default split)")
	cmd.Flags().Uint64Var(&w.Seed, "seed", 1, "Seed for random weights and embeddings")
}

// simulate runs tp*pp ranks as goroutines. The first failure cancels the
// others so no rank stays blocked on a receive.
func simulate(ctx context.Context, model *modelFlags, w workload, trace bool) ([]*rankReport, *engine.Tracer, error) {
	world := model.tp * model.pp
	if world <= 0 {
		return nil, nil, fmt.Errorf("invalid grid: tp %d pp %d", model.tp, model.pp)
	}
	var tracer *engine.Tracer
	if trace {
		tracer = engine.NewTracer(model.layers)
	}

	fabric := comm.NewFabric()
	reports := make([]*rankReport, world)
	g, ctx := errgroup.WithContext(ctx)
	for r := 0; r < world; r++ {
		cfg, err := model.config(r)
		if err != nil {
			return nil, nil, err
		}
		g.Go(func() error {
			m, err := weights.Random(&cfg, w.Seed)
			if err != nil {
				return fmt.Errorf("rank %d: %w", r, err)
			}
			opts := []engine.Option{engine.WithLogger(logger.Log.With("rank", r))}
			if r == 0 && tracer != nil {
				opts = append(opts, engine.WithTracer(tracer))
			}
			report, err := runWorkload(ctx, cfg, m, fabric, w, opts...)
			if err != nil {
				return fmt.Errorf("rank %d: %w", r, err)
			}
			reports[r] = report
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, nil, err
	}
	return reports, tracer, nil
}

func printReports(out io.Writer, reports []*rankReport) {
	for _, rep := range reports {
		fmt.Fprintf(out, "rank %d (%s) layers %s: context %v, %d steps %v\n",
			rep.Parallel.GlobalRank(), rep.Parallel, rep.Layers, rep.Context, len(rep.Steps), rep.StepTotal())
		if rep.Preview != nil {
			fmt.Fprintf(out, "  output preview %v\n", rep.Preview)
		}
	}
}
