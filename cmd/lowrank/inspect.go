package main

import (
	"context"
	"fmt"
	"slices"
	"strings"

	"github.com/urfave/cli/v3"

	"github.com/samcharles93/lowrank/internal/loraio"
)

func inspectCmd() *cli.Command {
	var (
		showTensors  bool
		showMetadata bool
		filter       string
	)
	return &cli.Command{
		Name:      "inspect",
		Usage:     "Show the sidecar, metadata and tensors of an adapter",
		ArgsUsage: "<adapter.safetensors|dir>",
		Flags: []cli.Flag{
			&cli.BoolFlag{Name: "tensors", Usage: "list every tensor with dtype and shape", Destination: &showTensors},
			&cli.BoolFlag{Name: "metadata", Usage: "print raw safetensors metadata", Destination: &showMetadata},
			&cli.StringFlag{Name: "filter", Usage: "only show layers and tensors containing this substring", Destination: &filter},
		},
		Action: func(ctx context.Context, cmd *cli.Command) error {
			if cmd.NArg() != 1 {
				return fmt.Errorf("inspect: exactly one adapter path is required")
			}
			path := cmd.Args().First()
			ck, err := loraio.Load(path)
			if err != nil {
				return err
			}
			w := stdout(cmd)

			_, _ = fmt.Fprintf(w, "file:    %s\n", strings.Join(ck.Files, ", "))
			_, _ = fmt.Fprintf(w, "format:  %s\n", checkpointFormat(ck, 0))
			_, _ = fmt.Fprintf(w, "tensors: %d\n", len(ck.Tensors))
			if v := ck.Metadata[loraio.VersionKey]; v != "" {
				_, _ = fmt.Fprintf(w, "written: lowrank %s, conversion %s\n", v, ck.Metadata[loraio.ConversionIDKey])
			}

			if sc := ck.Sidecar; sc != nil {
				_, _ = fmt.Fprintf(w, "\nsidecar: topology %s v%d, tile %d, %d layers\n", sc.Topology, sc.TopologyVersion, sc.TileSize, len(sc.Layers))
				names := make([]string, 0, len(sc.Layers))
				for name := range sc.Layers {
					if strings.Contains(name, filter) {
						names = append(names, name)
					}
				}
				slices.Sort(names)
				for _, name := range names {
					l := sc.Layers[name]
					_, _ = fmt.Fprintf(w, "  %-48s rank %4d  padded %4d  %s\n", name, l.Rank, l.RankPadded, l.Layout)
					for _, p := range l.Parts {
						_, _ = fmt.Fprintf(w, "    %-46s rank %4d  alpha %-8g rows %d+%d\n", p.LayerID, p.Rank, p.Alpha, p.OutOffset, p.OutSize)
					}
				}
			}

			if showMetadata {
				_, _ = fmt.Fprintln(w, "\nmetadata:")
				keys := make([]string, 0, len(ck.Metadata))
				for k := range ck.Metadata {
					keys = append(keys, k)
				}
				slices.Sort(keys)
				for _, k := range keys {
					v := ck.Metadata[k]
					if len(v) > 120 {
						v = v[:117] + "..."
					}
					_, _ = fmt.Fprintf(w, "  %s = %s\n", k, v)
				}
			}

			if showTensors {
				_, _ = fmt.Fprintln(w, "\ntensors:")
				names := make([]string, 0, len(ck.Tensors))
				for name := range ck.Tensors {
					if strings.Contains(name, filter) {
						names = append(names, name)
					}
				}
				slices.Sort(names)
				for _, name := range names {
					t := ck.Tensors[name]
					_, _ = fmt.Fprintf(w, "  %-60s %-5s %v\n", name, t.DType(), t.Shape())
				}
			}
			return nil
		},
	}
}
