// Package features turns split and payment events into ordered feature vectors.
package features

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/opensource-finance/splitguard/internal/domain"
)

// Schema identifies the extractor and version that produced a vector.
type Schema struct {
	Entity  domain.EntityType
	Version int
}

// Known schemas.
var (
	SplitV1   = Schema{Entity: domain.EntitySplit, Version: 1}
	PaymentV1 = Schema{Entity: domain.EntityPayment, Version: 1}
)

// String renders the schema as "<entity>/v<version>".
func (s Schema) String() string {
	return fmt.Sprintf("%s/v%d", s.Entity, s.Version)
}

// ParseSchema parses the output of Schema.String.
func ParseSchema(s string) (Schema, error) {
	entity, version, ok := strings.Cut(s, "/v")
	if !ok {
		return Schema{}, fmt.Errorf("%w: malformed schema %q", domain.ErrInvalidInput, s)
	}
	et, err := domain.ParseEntityType(entity)
	if err != nil {
		return Schema{}, err
	}
	v, err := strconv.Atoi(version)
	if err != nil || v <= 0 {
		return Schema{}, fmt.Errorf("%w: malformed schema version %q", domain.ErrInvalidInput, s)
	}
	return Schema{Entity: et, Version: v}, nil
}

// Vector is an ordered mapping from feature name to value.
// Insertion order defines column order; Set on an existing name keeps its position.
type Vector struct {
	schema Schema
	names  []string
	values []float64
	index  map[string]int
}

// NewVector returns an empty vector for the given schema.
func NewVector(schema Schema) *Vector {
	return &Vector{
		schema: schema,
		index:  make(map[string]int),
	}
}

// FromSnapshot rebuilds a vector from a persisted schema string and parallel name/value slices.
func FromSnapshot(schema string, names []string, values []float64) (*Vector, error) {
	s, err := ParseSchema(schema)
	if err != nil {
		return nil, err
	}
	if len(names) != len(values) {
		return nil, fmt.Errorf("%w: %d names for %d values", domain.ErrInvalidInput, len(names), len(values))
	}
	v := NewVector(s)
	for i, name := range names {
		v.Set(name, values[i])
	}
	return v, nil
}

// Schema returns the schema that produced the vector.
func (v *Vector) Schema() Schema { return v.schema }

// Len returns the number of features.
func (v *Vector) Len() int { return len(v.names) }

// Set assigns a value, appending the name if it is new.
func (v *Vector) Set(name string, value float64) {
	if i, ok := v.index[name]; ok {
		v.values[i] = value
		return
	}
	v.index[name] = len(v.names)
	v.names = append(v.names, name)
	v.values = append(v.values, value)
}

// Get returns the value for name and whether it is present.
func (v *Vector) Get(name string) (float64, bool) {
	i, ok := v.index[name]
	if !ok {
		return 0, false
	}
	return v.values[i], true
}

// Names returns a copy of the feature names in column order.
func (v *Vector) Names() []string {
	out := make([]string, len(v.names))
	copy(out, v.names)
	return out
}

// Values returns a copy of the values in column order.
func (v *Vector) Values() []float64 {
	out := make([]float64, len(v.values))
	copy(out, v.values)
	return out
}

// Map returns the features keyed by name.
func (v *Vector) Map() map[string]float64 {
	m := make(map[string]float64, len(v.names))
	for i, name := range v.names {
		m[name] = v.values[i]
	}
	return m
}

func boolf(b bool) float64 {
	if b {
		return 1
	}
	return 0
}
