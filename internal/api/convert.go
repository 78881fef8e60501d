package api

import (
	"bytes"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"

	"github.com/labstack/echo/v5"

	"github.com/samcharles93/lowrank/internal/logger"
	"github.com/samcharles93/lowrank/internal/loraio"
	"github.com/samcharles93/lowrank/internal/metrics"
	"github.com/samcharles93/lowrank/pkg/lora"
)

// readCheckpoint decodes the request body as a safetensors container.
func (s *Server) readCheckpoint(c *echo.Context, endpoint string) (*loraio.Checkpoint, error) {
	body := http.MaxBytesReader(c.Response(), c.Request().Body, s.maxBody)
	data, err := io.ReadAll(body)
	if err != nil {
		return nil, err
	}
	metrics.RecordRequestBytes(endpoint, int64(len(data)))
	if len(data) == 0 {
		return nil, newInvalidRequest("empty body, expected a safetensors file")
	}
	ck, err := loraio.Decode(data)
	if err != nil {
		return nil, newInvalidRequest(fmt.Sprintf("decode safetensors: %v", err))
	}
	return ck, nil
}

// options builds per-request converter options from query parameters on top
// of the server defaults.
func (s *Server) options(c *echo.Context) ([]lora.Option, error) {
	opts := append([]lora.Option{}, s.opts...)
	opts = append(opts, lora.WithLogger(logger.FromContext(c.Request().Context())))

	for _, key := range []string{"tile_size", "max_rank"} {
		v := c.QueryParam(key)
		if v == "" {
			continue
		}
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			return nil, newInvalidRequest(fmt.Sprintf("%s must be a positive integer", key))
		}
		if key == "tile_size" {
			opts = append(opts, lora.WithTileSize(n))
		} else {
			opts = append(opts, lora.WithMaxRank(n))
		}
	}
	if v := c.QueryParam("policy"); v != "" {
		p, err := lora.ParsePolicy(v)
		if err != nil {
			return nil, newInvalidRequest(err.Error())
		}
		opts = append(opts, lora.WithPolicy(p))
	}
	if v := c.QueryParam("layout"); v != "" {
		l, err := lora.ParseLayout(v)
		if err != nil {
			return nil, newInvalidRequest(err.Error())
		}
		opts = append(opts, lora.WithLayout(l))
	}
	if v := c.QueryParam("dtype"); v != "" {
		d := lora.DType(strings.ToUpper(v))
		if !d.IsFloat() {
			return nil, newInvalidRequest(fmt.Sprintf("unsupported output dtype %q", v))
		}
		opts = append(opts, lora.WithOutputDType(d))
	}
	return opts, nil
}

func strength(c *echo.Context) (float32, error) {
	v := c.QueryParam("strength")
	if v == "" {
		return 1, nil
	}
	f, err := strconv.ParseFloat(v, 32)
	if err != nil {
		return 0, newInvalidRequest("strength must be a number")
	}
	return float32(f), nil
}

func (s *Server) handleDetect(c *echo.Context) error {
	ck, err := s.readCheckpoint(c, "detect")
	if err != nil {
		return writeErr(c, err)
	}
	tile := lora.DefaultTileSize
	if ck.Sidecar != nil && ck.Sidecar.TileSize > 0 {
		tile = ck.Sidecar.TileSize
	}
	resp := DetectResponse{
		Format:  lora.Detect(ck.Tensors, tile).String(),
		Tensors: len(ck.Tensors),
	}
	if ck.Sidecar != nil {
		resp.Topology = ck.Sidecar.Topology
		resp.Layers = len(ck.Sidecar.Layers)
	}
	return c.JSON(http.StatusOK, resp)
}

func (s *Server) handleToNunchaku(c *echo.Context) error {
	ck, err := s.readCheckpoint(c, "nunchaku")
	if err != nil {
		return writeErr(c, err)
	}
	opts, err := s.options(c)
	if err != nil {
		return writeErr(c, err)
	}
	str, err := strength(c)
	if err != nil {
		return writeErr(c, err)
	}

	start := s.clock()
	res, err := lora.ConvertToNunchaku(ck.Tensors, s.base, str, opts...)
	if err != nil {
		metrics.RecordConversion(metrics.DirectionNunchaku, s.clock().Sub(start), 0, 0, err)
		return writeErr(c, err)
	}
	metrics.RecordConversion(metrics.DirectionNunchaku, s.clock().Sub(start), res.Layers, len(res.Report.Skipped), nil)
	if res.Sidecar != nil {
		for _, l := range res.Sidecar.Layers {
			metrics.RecordPaddedRank(l.RankPadded)
		}
	}
	return s.writeResult(c, res)
}

func (s *Server) handleToDiffusers(c *echo.Context) error {
	ck, err := s.readCheckpoint(c, "diffusers")
	if err != nil {
		return writeErr(c, err)
	}
	opts, err := s.options(c)
	if err != nil {
		return writeErr(c, err)
	}
	if s.base != nil {
		opts = append(opts, lora.WithBaseMetadata(s.base))
	}

	start := s.clock()
	res, err := lora.ConvertToDiffusers(ck.Tensors, ck.Sidecar, opts...)
	if err != nil {
		metrics.RecordConversion(metrics.DirectionDiffusers, s.clock().Sub(start), 0, 0, err)
		return writeErr(c, err)
	}
	metrics.RecordConversion(metrics.DirectionDiffusers, s.clock().Sub(start), res.Layers, len(res.Report.Skipped), nil)
	return s.writeResult(c, res)
}

func (s *Server) writeResult(c *echo.Context, res *lora.FlatResult) error {
	var buf bytes.Buffer
	man, err := loraio.Encode(&buf, res.Tensors, res.Sidecar)
	if err != nil {
		return writeErr(c, err)
	}
	log := logger.FromContext(c.Request().Context())
	for _, sk := range res.Report.Skipped {
		log.Warn("layer skipped", "name", sk.Name, "error", sk.Err)
	}
	log.Info("converted", "layers", res.Layers, "report", res.Report.String(), "conversion_id", man.ConversionID)

	h := c.Response().Header()
	h.Set(HeaderConversionID, man.ConversionID)
	h.Set(HeaderLayers, strconv.Itoa(res.Layers))
	h.Set(HeaderSkipped, strconv.Itoa(len(res.Report.Skipped)))
	h.Set(HeaderWarnings, strconv.Itoa(len(res.Report.Warnings)))
	h.Set("Content-Disposition", `attachment; filename="adapter.safetensors"`)
	return c.Blob(http.StatusOK, MIMESafetensors, buf.Bytes())
}
