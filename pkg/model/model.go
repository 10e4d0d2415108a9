// Package model defines the opaque parameter container exchanged between the
// coordinator and its clients, and the registry of known model families.
package model

import (
	"fmt"
	"sort"

	"github.com/fxamacker/cbor/v2"

	pkgerrors "github.com/medhive/coordinator/pkg/errors"
)

// Tensor is a named parameter: a flat value buffer plus dtype and shape.
// The coordinator never interprets the values beyond weighted averaging.
type Tensor struct {
	DType string    `cbor:"dtype" json:"dtype"`
	Shape []int64   `cbor:"shape" json:"shape"`
	Data  []float64 `cbor:"data"  json:"data"`
}

// Snapshot is the wire and at-rest form of one model: a parameter dictionary
// keyed by layer name, the list of statistics-only keys, and the model-kind
// tag. Readers and writers agree on the schema per model kind.
type Snapshot struct {
	Kind      string            `cbor:"kind"       json:"kind"`
	Params    map[string]Tensor `cbor:"params"     json:"params"`
	StatsOnly []string          `cbor:"stats_only" json:"stats_only,omitempty"`
}

var encMode cbor.EncMode

func init() {
	em, err := cbor.CoreDetEncOptions().EncMode()
	if err != nil {
		panic(fmt.Sprintf("model: failed to build CBOR encode mode: %v", err))
	}
	encMode = em
}

// Encode serializes the snapshot in CBOR core deterministic form: map keys
// are sorted, so identical snapshots always produce byte-identical output.
func (s Snapshot) Encode() ([]byte, error) {
	return encMode.Marshal(s)
}

// Decode parses a snapshot produced by Encode.
func Decode(data []byte) (Snapshot, error) {
	var s Snapshot
	if err := cbor.Unmarshal(data, &s); err != nil {
		return Snapshot{}, fmt.Errorf("%w: malformed model container: %s", pkgerrors.ErrValidation, err)
	}
	if s.Kind == "" {
		return Snapshot{}, fmt.Errorf("%w: model container missing kind", pkgerrors.ErrValidation)
	}

	return s, nil
}

// Keys returns the parameter names in lexicographic order.
func (s Snapshot) Keys() []string {
	keys := make([]string, 0, len(s.Params))
	for k := range s.Params {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	return keys
}

// IsStatsOnly reports whether key carries running statistics that must be
// passed through from a single client instead of averaged.
func (s Snapshot) IsStatsOnly(key string) bool {
	for _, k := range s.StatsOnly {
		if k == key {
			return true
		}
	}

	return false
}

// Clone returns a deep copy of the snapshot.
func (s Snapshot) Clone() Snapshot {
	out := Snapshot{
		Kind:      s.Kind,
		Params:    make(map[string]Tensor, len(s.Params)),
		StatsOnly: append([]string(nil), s.StatsOnly...),
	}
	for k, t := range s.Params {
		out.Params[k] = Tensor{
			DType: t.DType,
			Shape: append([]int64(nil), t.Shape...),
			Data:  append([]float64(nil), t.Data...),
		}
	}

	return out
}
