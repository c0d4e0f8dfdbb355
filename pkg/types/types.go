// Package types defines the entities shared by the Manager and Worker:
// work items, worker records, and the versioned wire schema stored in the
// Coordination Store.
package types

import (
	"encoding/json"
	"fmt"
	"time"
)

// SchemaVersion is embedded in every value written to the Coordination
// Store. The protocol rejects any value whose version it does not
// recognize rather than guessing at a stringly-typed layout.
const SchemaVersion = 1

// Point is an opaque work item: a tuple of scalars. Equality is by value,
// so two points with the same scalars in the same order are the same
// point for queueing and dedup purposes.
type Point []float64

// Key returns a stable string form of the point, used for set membership
// and dedup comparisons (map keys can't be slices).
func (p Point) Key() string {
	b, _ := json.Marshal(p)
	return string(b)
}

// PointSet is a value-equality set of Points, keyed by Point.Key.
type PointSet map[string]Point

func NewPointSet(points ...Point) PointSet {
	s := make(PointSet, len(points))
	for _, p := range points {
		s[p.Key()] = p
	}
	return s
}

func (s PointSet) Add(p Point)      { s[p.Key()] = p }
func (s PointSet) Remove(p Point)   { delete(s, p.Key()) }
func (s PointSet) Has(p Point) bool { _, ok := s[p.Key()]; return ok }

func (s PointSet) Slice() []Point {
	out := make([]Point, 0, len(s))
	for _, p := range s {
		out = append(out, p)
	}
	return out
}

// WorkerRecord is the Manager's view of one live worker: the points it
// currently holds and the last time it was observed alive.
type WorkerRecord struct {
	Items   []Point   `json:"items"`
	CheckIn time.Time `json:"check_in"`
}

// envelope is the versioned wrapper around every CS value.
type envelope struct {
	Version int             `json:"version"`
	Data    json.RawMessage `json:"data"`
}

// Encode wraps v in a versioned envelope and serializes it to a canonical
// byte string. Map keys are sorted by encoding/json's default map
// marshaling, so encoding of an InProgressMap or any other same logical
// value is deterministic across calls.
func Encode(v any) ([]byte, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("encode: %w", err)
	}
	return json.Marshal(envelope{Version: SchemaVersion, Data: data})
}

// Decode unwraps a versioned envelope produced by Encode into v. An empty
// byte string decodes to the zero value of v without error (a key that
// has never been written).
func Decode(b []byte, v any) error {
	if len(b) == 0 {
		return nil
	}
	var env envelope
	if err := json.Unmarshal(b, &env); err != nil {
		return fmt.Errorf("decode envelope: %w", err)
	}
	if env.Version != SchemaVersion {
		return fmt.Errorf("decode: unsupported schema version %d (want %d)", env.Version, SchemaVersion)
	}
	if err := json.Unmarshal(env.Data, v); err != nil {
		return fmt.Errorf("decode data: %w", err)
	}
	return nil
}

// PointList is the ordered-sequence encoding of `all`, `remaining`, and
// `completed`.
type PointList []Point

// InProgressMap is the encoding of `in_progress`: worker id -> record.
type InProgressMap map[string]WorkerRecord
