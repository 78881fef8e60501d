package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"slices"
	"sync"
	"time"

	"github.com/schollz/progressbar/v3"
	"github.com/urfave/cli/v3"

	"github.com/samcharles93/lowrank/internal/logger"
	"github.com/samcharles93/lowrank/internal/loraio"
	"github.com/samcharles93/lowrank/internal/metrics"
	"github.com/samcharles93/lowrank/pkg/lora"
)

func toNunchakuCmd() *cli.Command {
	var (
		inputs    []string
		outPath   string
		verify    bool
		tolerance float64
		quiet     bool
	)
	return &cli.Command{
		Name:  "to-nunchaku",
		Usage: "Merge dense adapters and pack them for the quantized engine",
		Flags: append(conversionFlags(),
			&cli.StringSliceFlag{
				Name:        "lora",
				Aliases:     []string{"l"},
				Usage:       "dense adapter as path[:strength]; repeat to merge several",
				Required:    true,
				Destination: &inputs,
			},
			&cli.StringFlag{
				Name:        "out",
				Aliases:     []string{"o"},
				Usage:       "output .safetensors path",
				Required:    true,
				Destination: &outPath,
			},
			&cli.BoolFlag{
				Name:        "verify",
				Usage:       "unpack the result and compare its deltas with the merged input",
				Destination: &verify,
			},
			&cli.Float64Flag{
				Name:        "tolerance",
				Usage:       "largest relative delta error accepted by --verify",
				Value:       1e-3,
				Destination: &tolerance,
			},
			&cli.BoolFlag{
				Name:        "quiet",
				Aliases:     []string{"q"},
				Usage:       "hide the progress bar",
				Destination: &quiet,
			},
		),
		Action: func(ctx context.Context, cmd *cli.Command) error {
			log := logger.FromContext(ctx)
			opts, topo, err := conversionOptions(ctx, cmd)
			if err != nil {
				return err
			}
			meta, err := baseMetadata(ctx)
			if err != nil {
				return err
			}

			weighted, passthrough, report, err := loadDense(ctx, inputs, opts)
			if errors.Is(err, errAlreadyPacked) {
				return copyPacked(ctx, inputs[0], outPath)
			}
			if err != nil {
				return err
			}

			start := time.Now()
			packOpts := slices.Clone(opts)
			if !quiet {
				packOpts = append(packOpts, lora.WithProgress(progress("Packing")))
			}
			res, err := lora.ToNunchaku(weighted, meta, packOpts...)
			metrics.RecordConversion(metrics.DirectionNunchaku, time.Since(start), layerCount(res), skippedCount(res), err)
			if err != nil {
				return err
			}
			for _, pl := range res.Layers {
				metrics.RecordPaddedRank(pl.RankPadded)
			}
			report.Skipped = append(report.Skipped, res.Report.Skipped...)
			report.Warnings = append(report.Warnings, res.Report.Warnings...)

			tensors := lora.FlattenPacked(res.Layers)
			for name, t := range passthrough {
				tensors[name] = t
			}
			sc := lora.NewSidecar(topo, sidecarTile(topo), res.Layers)
			man, err := loraio.Save(outPath, tensors, sc)
			if err != nil {
				return err
			}
			log.Info("wrote packed adapter", "path", outPath, "modules", len(res.Layers), "conversion_id", man.ConversionID)
			logReport(log, report)

			if verify {
				return verifyPacked(ctx, weighted, res.Layers, meta, opts, tolerance)
			}
			return nil
		},
	}
}

var errAlreadyPacked = errors.New("input is already packed")

// loadDense reads each path[:strength] input. Unknown tensors of every
// input are collected for passthrough, first input wins.
func loadDense(ctx context.Context, specs []string, opts []lora.Option) ([]lora.Weighted, map[string]*lora.Tensor, lora.Report, error) {
	log := logger.FromContext(ctx)
	var (
		weighted    []lora.Weighted
		passthrough = map[string]*lora.Tensor{}
		report      lora.Report
	)
	for _, spec := range specs {
		path, strength, err := loraio.ParseSpec(spec)
		if err != nil {
			return nil, nil, report, err
		}
		ck, err := loraio.Load(path)
		if err != nil {
			return nil, nil, report, err
		}
		if checkpointFormat(ck, int(tileSize)) == lora.FormatPacked {
			if len(specs) == 1 {
				log.Warn("input is already in nunchaku format, copying it unchanged", "path", path)
				return nil, nil, report, errAlreadyPacked
			}
			return nil, nil, report, fmt.Errorf("%s: %w; merging needs dense inputs", path, errAlreadyPacked)
		}
		set, rep, err := lora.ParseDense(ck.Tensors, opts...)
		if err != nil {
			return nil, nil, report, fmt.Errorf("%s: %w", path, err)
		}
		for _, name := range rep.Passthrough {
			if _, ok := passthrough[name]; !ok {
				passthrough[name] = ck.Tensors[name]
				report.Passthrough = append(report.Passthrough, name)
			}
		}
		report.Skipped = append(report.Skipped, rep.Skipped...)
		log.Info("loaded adapter", "path", path, "layers", len(set), "strength", strength)
		weighted = append(weighted, lora.Weighted{Set: set, Strength: strength})
	}
	return weighted, passthrough, report, nil
}

func copyPacked(ctx context.Context, in, out string) error {
	ck, err := loraio.Load(in)
	if err != nil {
		return err
	}
	man, err := loraio.Save(out, ck.Tensors, ck.Sidecar)
	if err != nil {
		return err
	}
	logger.FromContext(ctx).Info("copied packed adapter", "path", out, "conversion_id", man.ConversionID)
	return nil
}

// verifyPacked unpacks layers and compares every delta with the merged
// dense input.
func verifyPacked(ctx context.Context, weighted []lora.Weighted, layers map[string]*lora.PackedLayer, meta lora.BaseQuantMetadata, opts []lora.Option, tolerance float64) error {
	opts = append(slices.Clone(opts), lora.WithPolicy(lora.PolicyPermissive))
	want, err := lora.Merge(weighted, opts...)
	if err != nil {
		return err
	}
	if meta != nil {
		opts = append(opts, lora.WithBaseMetadata(meta))
	}
	got, err := lora.ToDiffusers(layers, opts...)
	if err != nil {
		return fmt.Errorf("verify: %w", err)
	}
	// Layers the packer skipped are already reported.
	for _, sk := range got.Report.Skipped {
		delete(want, sk.Name)
	}
	for id := range want {
		if _, ok := got.Set[id]; !ok {
			delete(want, id)
		}
	}
	worst, at, err := lora.SetDeltaError(want, got.Set)
	if err != nil {
		return fmt.Errorf("verify: %w", err)
	}
	logger.FromContext(ctx).Info("verified round trip", "layers", len(want), "worst_error", worst, "layer", at)
	if worst > tolerance {
		return fmt.Errorf("verify: %s has relative delta error %.3g, above %.3g", at, worst, tolerance)
	}
	return nil
}

func toDiffusersCmd() *cli.Command {
	var (
		inPath  string
		outPath string
		quiet   bool
	)
	return &cli.Command{
		Name:  "to-diffusers",
		Usage: "Unpack a nunchaku adapter into dense per-layer factors",
		Flags: append(conversionFlags(),
			&cli.StringFlag{
				Name:        "in",
				Aliases:     []string{"i"},
				Usage:       "packed adapter (.safetensors file or directory)",
				Required:    true,
				Destination: &inPath,
			},
			&cli.StringFlag{
				Name:        "out",
				Aliases:     []string{"o"},
				Usage:       "output .safetensors path",
				Required:    true,
				Destination: &outPath,
			},
			&cli.BoolFlag{
				Name:        "quiet",
				Aliases:     []string{"q"},
				Usage:       "hide the progress bar",
				Destination: &quiet,
			},
		),
		Action: func(ctx context.Context, cmd *cli.Command) error {
			log := logger.FromContext(ctx)
			opts, _, err := conversionOptions(ctx, cmd)
			if err != nil {
				return err
			}
			meta, err := baseMetadata(ctx)
			if err != nil {
				return err
			}
			if meta != nil {
				opts = append(opts, lora.WithBaseMetadata(meta))
			}
			if !quiet {
				opts = append(opts, lora.WithProgress(progress("Unpacking")))
			}

			ck, err := loraio.Load(inPath)
			if err != nil {
				return err
			}
			if checkpointFormat(ck, int(tileSize)) != lora.FormatPacked {
				log.Warn("input is already in diffusers format, copying it unchanged", "path", inPath)
				_, err := loraio.Save(outPath, ck.Tensors, nil)
				return err
			}
			if ck.Sidecar == nil {
				log.Warn("no sidecar found; ranks and alphas are recovered from the packed tensors", "path", inPath)
			}

			start := time.Now()
			res, err := lora.ConvertToDiffusers(ck.Tensors, ck.Sidecar, opts...)
			var layers, skipped int
			if res != nil {
				layers, skipped = res.Layers, len(res.Report.Skipped)
			}
			metrics.RecordConversion(metrics.DirectionDiffusers, time.Since(start), layers, skipped, err)
			if err != nil {
				return err
			}
			man, err := loraio.Save(outPath, res.Tensors, nil)
			if err != nil {
				return err
			}
			log.Info("wrote dense adapter", "path", outPath, "layers", res.Layers, "conversion_id", man.ConversionID)
			logReport(log, res.Report)
			return nil
		},
	}
}

// progress returns a converter progress callback drawing a bar on stderr.
// The bar is created on the first call, once the total is known.
func progress(desc string) func(done, total int) {
	var (
		once sync.Once
		bar  *progressbar.ProgressBar
	)
	return func(done, total int) {
		once.Do(func() {
			bar = progressbar.NewOptions(total,
				progressbar.OptionSetWriter(os.Stderr),
				progressbar.OptionSetDescription(desc),
				progressbar.OptionSetWidth(40),
				progressbar.OptionShowCount(),
				progressbar.OptionShowIts(),
				progressbar.OptionClearOnFinish(),
			)
		})
		_ = bar.Set(done)
	}
}

func logReport(log logger.Logger, r lora.Report) {
	for _, sk := range r.Skipped {
		log.Warn("layer skipped", "name", sk.Name, "error", sk.Err)
	}
	for _, name := range r.Passthrough {
		log.Warn("unknown tensor copied unchanged", "name", name)
	}
	for _, w := range r.Warnings {
		log.Warn(w)
	}
}

func sidecarTile(topo *lora.Topology) int {
	if tileSize > 0 {
		return int(tileSize)
	}
	if topo.TileSize > 0 {
		return topo.TileSize
	}
	return lora.DefaultTileSize
}

func layerCount(res *lora.PackResult) int {
	if res == nil {
		return 0
	}
	return len(res.Layers)
}

func skippedCount(res *lora.PackResult) int {
	if res == nil {
		return 0
	}
	return len(res.Report.Skipped)
}
