package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/23skdu/longbow-quiver/internal/device"
	"github.com/23skdu/longbow-quiver/internal/logger"
	"github.com/23skdu/longbow-quiver/internal/weights"
)

func newExportCmd(model *modelFlags) *cobra.Command {
	var (
		dir      string
		fileType string
		seed     uint64
	)
	cmd := &cobra.Command{
		Use:   "export",
		Short: "Write random weights as per-layer files for every tensor rank",
		RunE: func(cmd *cobra.Command, args []string) error {
			ft, err := device.ParseDataType(fileType)
			if err != nil {
				return err
			}
			return export(model, dir, ft, seed)
		},
	}
	cmd.Flags().StringVar(&dir, "out", "weights", "Output directory")
	cmd.Flags().StringVar(&fileType, "file-type", "fp32", "Element type of the written files")
	cmd.Flags().Uint64Var(&seed, "seed", 1, "Seed for the random weights")
	return cmd
}

// export writes every layer once per tensor rank. Pipeline placement does
// not change the files, so the model is built as a single stage.
func export(model *modelFlags, dir string, fileType device.DataType, seed uint64) error {
	stage := *model
	stage.pp = 1
	for r := 0; r < stage.tp; r++ {
		cfg, err := stage.config(r)
		if err != nil {
			return err
		}
		m, err := weights.Random(&cfg, seed)
		if err != nil {
			return err
		}
		if err := weights.Save(dir, m, r, fileType); err != nil {
			return fmt.Errorf("tensor rank %d: %w", r, err)
		}
		logger.Log.Info("Weights exported", "dir", dir, "tensor_rank", r, "layers", len(m.Layers), "file_type", fileType.String())
	}
	return nil
}
