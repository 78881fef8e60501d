package main

import (
	"context"
	"fmt"

	"github.com/urfave/cli/v3"

	"github.com/samcharles93/lowrank/internal/loraio"
	"github.com/samcharles93/lowrank/pkg/lora"
)

func detectCmd() *cli.Command {
	return &cli.Command{
		Name:      "detect",
		Usage:     "Report whether adapters are in diffusers or nunchaku format",
		ArgsUsage: "<adapter.safetensors|dir>...",
		Action: func(ctx context.Context, cmd *cli.Command) error {
			if cmd.NArg() == 0 {
				return fmt.Errorf("detect: at least one adapter path is required")
			}
			w := stdout(cmd)
			for _, path := range cmd.Args().Slice() {
				ck, err := loraio.Load(path)
				if err != nil {
					return err
				}
				format := checkpointFormat(ck, 0)
				_, _ = fmt.Fprintf(w, "%s: %s (%d tensors", path, format, len(ck.Tensors))
				if ck.Sidecar != nil {
					_, _ = fmt.Fprintf(w, ", %s, %d layers", ck.Sidecar.Topology, len(ck.Sidecar.Layers))
				}
				_, _ = fmt.Fprintln(w, ")")
			}
			return nil
		},
	}
}

// checkpointFormat classifies a loaded adapter. The tile size recorded in its
// sidecar wins over tile; tile 0 means the default.
func checkpointFormat(ck *loraio.Checkpoint, tile int) lora.Format {
	if ck.Sidecar != nil && ck.Sidecar.TileSize > 0 {
		tile = ck.Sidecar.TileSize
	}
	return lora.Detect(ck.Tensors, tile)
}
