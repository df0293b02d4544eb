package main

import (
	"os"

	"github.com/spf13/cobra"

	"github.com/23skdu/longbow-quiver/internal/config"
	"github.com/23skdu/longbow-quiver/internal/device"
	"github.com/23skdu/longbow-quiver/internal/logger"
)

// modelFlags holds the command line view of config.Config.
type modelFlags struct {
	heads, sizePerHead, interSize, layers, rotaryDim int
	eps                                              float32
	maxBatch, maxSeq                                 int
	dataType                                         string
	int8Mode, freeBuffers                            bool
	tp, pp                                           int
}

func (f *modelFlags) register(cmd *cobra.Command) {
	fs := cmd.PersistentFlags()
	fs.IntVar(&f.heads, "heads", 4, "Attention heads")
	fs.IntVar(&f.sizePerHead, "size-per-head", 16, "Hidden units per head")
	fs.IntVar(&f.interSize, "inter-size", 256, "Feed-forward inner width")
	fs.IntVar(&f.layers, "layers", 4, "Decoder layers")
	fs.IntVar(&f.rotaryDim, "rotary-dim", 8, "Rotary embedding dimensions per head")
	fs.Float32Var(&f.eps, "layernorm-eps", 1e-5, "Layer norm epsilon")
	fs.IntVar(&f.maxBatch, "max-batch", 8, "Maximum batch size")
	fs.IntVar(&f.maxSeq, "max-seq", 128, "Maximum sequence length")
	fs.StringVar(&f.dataType, "dtype", "fp32", "Activation and weight type (fp32, fp16, bf16)")
	fs.BoolVar(&f.int8Mode, "int8", false, "Use int8 weight-only kernels")
	fs.BoolVar(&f.freeBuffers, "free-buffers", false, "Release scratch buffers after every forward")
	fs.IntVar(&f.tp, "tp", 1, "Tensor parallel size")
	fs.IntVar(&f.pp, "pp", 1, "Pipeline parallel size")
}

// config builds a validated configuration for the given global rank.
func (f *modelFlags) config(globalRank int) (config.Config, error) {
	dt, err := device.ParseDataType(f.dataType)
	if err != nil {
		return config.Config{}, err
	}
	cfg := config.Config{
		HeadNum:                f.heads,
		SizePerHead:            f.sizePerHead,
		InterSize:              f.interSize,
		NumLayers:              f.layers,
		RotaryEmbeddingDim:     f.rotaryDim,
		LayerNormEps:           f.eps,
		MaxBatchSize:           f.maxBatch,
		MaxSeqLen:              f.maxSeq,
		DataType:               dt,
		Int8Mode:               f.int8Mode,
		FreeBufferAfterForward: f.freeBuffers,
		Parallel:               config.Parallel{TensorSize: f.tp, PipelineSize: f.pp}.AtGlobalRank(globalRank),
	}
	if err := cfg.Validate(); err != nil {
		return config.Config{}, err
	}
	return cfg, nil
}

func newRootCmd() *cobra.Command {
	var (
		logLevel, logFormat string
		model               modelFlags
	)
	root := &cobra.Command{
		Use:           "quiver",
		Short:         "Tensor and pipeline parallel GPT-J decoder",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRun: func(cmd *cobra.Command, args []string) {
			logger.Setup(logLevel, logFormat)
		},
	}
	root.PersistentFlags().StringVar(&logLevel, "log-level", "INFO", "Log level (DEBUG, INFO, WARN, ERROR)")
	root.PersistentFlags().StringVar(&logFormat, "log-format", "console", "Log format (console or json)")
	model.register(root)

	root.AddCommand(newSimulateCmd(&model), newRankCmd(&model), newExportCmd(&model))
	return root
}

func main() {
	if err := newRootCmd().Execute(); err != nil {
		logger.Log.Error("Command failed", "error", err)
		os.Exit(1)
	}
}
