package lora

import (
	"fmt"

	"github.com/goccy/go-json"
)

// SidecarKey is the safetensors __metadata__ key holding the encoded sidecar.
const SidecarKey = "lowrank.layers"

// SidecarFormat identifies sidecars written by this package.
const SidecarFormat = "nunchaku-lora"

// Sidecar carries what the packed tensors cannot: the true rank of every
// module and where each dense layer sits inside it. With it unpacking is
// exact and needs no base metadata.
type Sidecar struct {
	Format          string               `json:"format"`
	Topology        string               `json:"topology"`
	TopologyVersion int                  `json:"topology_version"`
	TileSize        int                  `json:"tile_size"`
	Layers          map[string]LayerMeta `json:"layers"`
}

type LayerMeta struct {
	Rank       int        `json:"rank"`
	RankPadded int        `json:"rank_padded"`
	Layout     Layout     `json:"layout"`
	Parts      []PartInfo `json:"parts,omitempty"`
}

// NewSidecar describes packed layers produced under topology t.
func NewSidecar(t *Topology, tile int, layers map[string]*PackedLayer) *Sidecar {
	s := &Sidecar{
		Format:          SidecarFormat,
		Topology:        t.Name,
		TopologyVersion: t.Version,
		TileSize:        tile,
		Layers:          make(map[string]LayerMeta, len(layers)),
	}
	for name, pl := range layers {
		s.Layers[name] = LayerMeta{
			Rank:       pl.Rank,
			RankPadded: pl.RankPadded,
			Layout:     pl.Layout,
			Parts:      pl.Parts,
		}
	}
	return s
}

// Encode renders the sidecar as a JSON string for safetensors metadata.
func (s *Sidecar) Encode() (string, error) {
	b, err := json.Marshal(s)
	if err != nil {
		return "", fmt.Errorf("lora: encode sidecar: %w", err)
	}
	return string(b), nil
}

// DecodeSidecar parses a sidecar string. An empty string yields nil.
func DecodeSidecar(v string) (*Sidecar, error) {
	if v == "" {
		return nil, nil
	}
	var s Sidecar
	if err := json.Unmarshal([]byte(v), &s); err != nil {
		return nil, fmt.Errorf("lora: decode sidecar: %w", err)
	}
	if s.Format != SidecarFormat {
		return nil, fmt.Errorf("lora: sidecar format %q, want %q", s.Format, SidecarFormat)
	}
	return &s, nil
}

// check rejects a sidecar written for a different topology.
func (s *Sidecar) check(t *Topology) error {
	if s.Topology != "" && s.Topology != t.Name {
		return fmt.Errorf("lora: sidecar was written for topology %q, converting with %q", s.Topology, t.Name)
	}
	if s.TopologyVersion != 0 && t.Version != 0 && s.TopologyVersion != t.Version {
		return fmt.Errorf("lora: sidecar topology %s v%d, have v%d", s.Topology, s.TopologyVersion, t.Version)
	}
	return nil
}
