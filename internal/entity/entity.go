// Package entity describes the entity-type-to-table mappings the engine
// migrates and the record shapes that flow between the stores.
package entity

import (
	"errors"
	"fmt"
	"sort"
	"strconv"
	"time"

	"github.com/johndauphine/legacy-migrate/internal/config"
)

// ErrUnknownEntity is returned for an entity type without a table mapping.
var ErrUnknownEntity = errors.New("unknown entity")

// Mapping maps one entity type to its source and destination tables.
type Mapping struct {
	Name             string
	SourceTable      string
	DestinationTable string
	IDField          string
	TimestampField   string
	Columns          []string
	DependsOn        []string
	Priority         int
}

// LegacyColumn is the destination column joining back to the source id.
func (m Mapping) LegacyColumn() string {
	return "legacy_" + m.IDField
}

// Record is one source row.
type Record struct {
	ID        string
	Timestamp time.Time
	Fields    map[string]any
}

// DestRecord is what the destination knows about a migrated record.
type DestRecord struct {
	LegacyID    string
	Timestamp   *time.Time
	Fingerprint string
	Fields      map[string]any
}

// Registry resolves entity names to mappings.
type Registry struct {
	byName map[string]Mapping
	order  []string
}

// NewRegistry builds a registry; later duplicates replace earlier ones.
func NewRegistry(mappings ...Mapping) *Registry {
	r := &Registry{byName: make(map[string]Mapping)}
	for _, m := range mappings {
		if _, ok := r.byName[m.Name]; !ok {
			r.order = append(r.order, m.Name)
		}
		r.byName[m.Name] = m
	}
	return r
}

// FromConfig builds a registry from the configured entities.
func FromConfig(cfg *config.Config) *Registry {
	mappings := make([]Mapping, 0, len(cfg.Entities))
	for _, e := range cfg.Entities {
		mappings = append(mappings, Mapping{
			Name:             e.Name,
			SourceTable:      e.SourceTable,
			DestinationTable: e.DestinationTable,
			IDField:          e.IDField,
			TimestampField:   e.TimestampField,
			Columns:          e.Columns,
			DependsOn:        e.DependsOn,
			Priority:         e.Priority,
		})
	}
	return NewRegistry(mappings...)
}

// Lookup returns the mapping for name or ErrUnknownEntity.
func (r *Registry) Lookup(name string) (Mapping, error) {
	m, ok := r.byName[name]
	if !ok {
		return Mapping{}, fmt.Errorf("%w: %q has no table mapping", ErrUnknownEntity, name)
	}
	return m, nil
}

// All returns the mappings in registration order.
func (r *Registry) All() []Mapping {
	out := make([]Mapping, 0, len(r.order))
	for _, name := range r.order {
		out = append(out, r.byName[name])
	}
	return out
}

// FormatID renders a driver-scanned primary key as a record id.
func FormatID(v any) string {
	switch id := v.(type) {
	case nil:
		return ""
	case string:
		return id
	case []byte:
		return string(id)
	case int64:
		return strconv.FormatInt(id, 10)
	case int32:
		return strconv.FormatInt(int64(id), 10)
	case int:
		return strconv.Itoa(id)
	default:
		return fmt.Sprint(id)
	}
}

// SortIDs orders ids numerically when they are all integers, otherwise
// lexically, so that batches are stable across runs.
func SortIDs(ids []string) {
	numeric := true
	nums := make(map[string]int64, len(ids))
	for _, id := range ids {
		n, err := strconv.ParseInt(id, 10, 64)
		if err != nil {
			numeric = false
			break
		}
		nums[id] = n
	}
	if numeric {
		sort.SliceStable(ids, func(i, j int) bool { return nums[ids[i]] < nums[ids[j]] })
		return
	}
	sort.Strings(ids)
}
