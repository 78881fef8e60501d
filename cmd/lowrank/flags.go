package main

import (
	"context"
	"fmt"
	"strings"

	"github.com/urfave/cli/v3"

	"github.com/samcharles93/lowrank/internal/logger"
	"github.com/samcharles93/lowrank/internal/loraio"
	"github.com/samcharles93/lowrank/pkg/lora"
)

var (
	configFile string
	logLevel   string
	logFormat  string
	debug      bool

	tileSize     int64
	maxRank      int64
	workers      int64
	policy       string
	layout       string
	outDType     string
	mergeMode    string
	topologyPath string
	basePath     string
	noUpcast     bool
	lenientPad   bool
)

func loggingFlags() []cli.Flag {
	return []cli.Flag{
		&cli.StringFlag{
			Name:        "config",
			Usage:       "path to config.yaml",
			Value:       configPath(),
			Destination: &configFile,
		},
		&cli.StringFlag{
			Name:        "log-level",
			Usage:       "log level (debug, info, warn, error)",
			Value:       "info",
			Destination: &logLevel,
		},
		&cli.StringFlag{
			Name:        "log-format",
			Usage:       "log format (pretty, json, text)",
			Value:       "pretty",
			Destination: &logFormat,
		},
		&cli.BoolFlag{
			Name:        "debug",
			Usage:       "enable debug logging (shorthand for --log-level=debug)",
			Destination: &debug,
		},
	}
}

func conversionFlags() []cli.Flag {
	return []cli.Flag{
		&cli.Int64Flag{
			Name:        "tile-size",
			Usage:       "rank granularity of the packed kernels (0 = topology default)",
			Destination: &tileSize,
		},
		&cli.Int64Flag{
			Name:        "max-rank",
			Usage:       "largest padded rank the engine accepts (0 = topology default)",
			Destination: &maxRank,
		},
		&cli.Int64Flag{
			Name:        "workers",
			Aliases:     []string{"j"},
			Usage:       "parallel layer workers (0 = GOMAXPROCS)",
			Destination: &workers,
		},
		&cli.StringFlag{
			Name:        "policy",
			Usage:       "per-layer failure policy (strict, permissive)",
			Value:       "strict",
			Destination: &policy,
		},
		&cli.StringFlag{
			Name:        "layout",
			Usage:       "packed factor layout (tiled, plain)",
			Value:       "tiled",
			Destination: &layout,
		},
		&cli.StringFlag{
			Name:        "dtype",
			Usage:       "output factor dtype (F32, F16, BF16)",
			Value:       "F32",
			Destination: &outDType,
		},
		&cli.StringFlag{
			Name:        "merge",
			Usage:       "merge policy for overlapping adapters (block-diagonal, additive)",
			Value:       "block-diagonal",
			Destination: &mergeMode,
		},
		&cli.StringFlag{
			Name:        "topology",
			Usage:       "topology YAML file, or flux.1 for the built-in table",
			Value:       "flux.1",
			Destination: &topologyPath,
		},
		&cli.StringFlag{
			Name:        "base",
			Usage:       "quantized base checkpoint (file or directory) for channel scales",
			Destination: &basePath,
		},
		&cli.BoolFlag{
			Name:        "no-upcast",
			Usage:       "reject F16/BF16 factors instead of upcasting them",
			Destination: &noUpcast,
		},
		&cli.BoolFlag{
			Name:        "lenient-padding",
			Usage:       "truncate non-zero padding with a warning instead of failing",
			Destination: &lenientPad,
		},
	}
}

// conversionOptions turns the conversion flags, with config file defaults
// applied, into converter options.
func conversionOptions(ctx context.Context, cmd *cli.Command) ([]lora.Option, *lora.Topology, error) {
	applyConversionConfig(cmd, fileConfig)

	topo, err := lora.LoadTopology(topologyPath)
	if err != nil {
		return nil, nil, fmt.Errorf("load topology: %w", err)
	}
	pol, err := lora.ParsePolicy(policy)
	if err != nil {
		return nil, nil, err
	}
	lay, err := lora.ParseLayout(layout)
	if err != nil {
		return nil, nil, err
	}
	mp, err := lora.ParseMergePolicy(mergeMode)
	if err != nil {
		return nil, nil, err
	}
	opts := []lora.Option{
		lora.WithLogger(logger.FromContext(ctx)),
		lora.WithTopology(topo),
		lora.WithTileSize(int(tileSize)),
		lora.WithMaxRank(int(maxRank)),
		lora.WithWorkers(int(workers)),
		lora.WithPolicy(pol),
		lora.WithLayout(lay),
		lora.WithMergePolicy(mp),
		lora.WithOutputDType(lora.DType(strings.ToUpper(outDType))),
		lora.WithUpcastHalf(!noUpcast),
		lora.WithStrictPadding(!lenientPad),
	}
	return opts, topo, nil
}

// baseMetadata loads --base, or returns nil when it is unset.
func baseMetadata(ctx context.Context) (lora.BaseQuantMetadata, error) {
	if basePath == "" {
		return nil, nil
	}
	meta, err := loraio.LoadBaseMetadata(basePath)
	if err != nil {
		return nil, fmt.Errorf("load base metadata: %w", err)
	}
	logger.FromContext(ctx).Info("loaded base metadata", "path", basePath, "modules", len(meta))
	return meta, nil
}
