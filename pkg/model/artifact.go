package model

import (
	"encoding/json"
	"fmt"
	"os"
	"slices"

	"github.com/vmihailenco/msgpack/v5"

	"github.com/nzoschke/genrelab/pkg/errs"
)

const (
	artifactFormat  = "genrelab.model"
	artifactVersion = 1
)

type paramRecord struct {
	Name  string    `msgpack:"name"`
	Shape []int     `msgpack:"shape"`
	Value []float32 `msgpack:"value"`
}

type artifact struct {
	Format       string        `msgpack:"format"`
	Version      int           `msgpack:"version"`
	Architecture Architecture  `msgpack:"architecture"`
	Params       []paramRecord `msgpack:"params"`
}

// Save writes the architecture and weights of net to path. The artifact is
// enough to rebuild the network with Load.
func Save(path string, net *Network) error {
	a := artifact{
		Format:       artifactFormat,
		Version:      artifactVersion,
		Architecture: net.arch,
	}
	for _, p := range net.Params() {
		v := make([]float32, len(p.Value))
		for i, w := range p.Value {
			v[i] = float32(w)
		}
		a.Params = append(a.Params, paramRecord{Name: p.Name, Shape: p.Shape, Value: v})
	}

	data, err := msgpack.Marshal(&a)
	if err != nil {
		return fmt.Errorf("marshal model: %w", err)
	}
	if err := os.WriteFile(path, data, 0644); err != nil {
		return errs.IO("write model", path, err)
	}
	return nil
}

// Load rebuilds a network saved with Save.
func Load(path string) (*Network, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errs.FromFS("read model", path, err)
	}

	var a artifact
	if err := msgpack.Unmarshal(data, &a); err != nil {
		return nil, errs.Decode("read model", path, err)
	}
	if a.Format != artifactFormat || a.Version != artifactVersion {
		return nil, errs.Decode("read model", path, fmt.Errorf("unsupported artifact %q v%d", a.Format, a.Version))
	}

	net, err := build(a.Architecture)
	if err != nil {
		return nil, errs.Decode("read model", path, err)
	}
	params := net.Params()
	if len(params) != len(a.Params) {
		return nil, errs.ShapeMismatch("read model "+path, len(params), len(a.Params))
	}
	for i, p := range params {
		rec := a.Params[i]
		if rec.Name != p.Name || !slices.Equal(rec.Shape, p.Shape) || len(rec.Value) != len(p.Value) {
			return nil, errs.ShapeMismatch("read model "+path, fmt.Sprint(p.Name, p.Shape), fmt.Sprint(rec.Name, rec.Shape))
		}
		for j, w := range rec.Value {
			p.Value[j] = float64(w)
		}
	}
	return net, nil
}

// LayerSummary describes one layer for inspection.
type LayerSummary struct {
	Name        string         `json:"name"`
	Class       string         `json:"class_name"`
	OutputShape []int          `json:"output_shape"`
	Params      int            `json:"params"`
	Config      map[string]any `json:"config"`
}

// Summary is a text-friendly description of a network.
type Summary struct {
	Architecture Architecture   `json:"architecture"`
	Layers       []LayerSummary `json:"layers"`
	TotalParams  int            `json:"total_params"`
}

// Summary describes every layer of the network.
func (n *Network) Summary() Summary {
	s := Summary{Architecture: n.arch, TotalParams: n.NumParams()}
	for _, l := range n.layers {
		var count int
		for _, p := range l.Params() {
			count += len(p.Value)
		}
		out := l.OutShape()
		s.Layers = append(s.Layers, LayerSummary{
			Name:        l.Name(),
			Class:       l.Class(),
			OutputShape: []int{out[0], out[1], out[2]},
			Params:      count,
			Config:      l.Config(),
		})
	}
	return s
}

// WriteArchitecture writes the network summary as indented JSON.
func WriteArchitecture(path string, net *Network) error {
	data, err := json.MarshalIndent(net.Summary(), "", "  ")
	if err != nil {
		return fmt.Errorf("marshal architecture: %w", err)
	}
	if err := os.WriteFile(path, data, 0644); err != nil {
		return errs.IO("write architecture", path, err)
	}
	return nil
}
