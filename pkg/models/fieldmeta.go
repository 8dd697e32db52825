package models

import (
	"sort"
	"sync"
)

// FieldFlags carries the per-field metadata the text builder and hasher
// consume. Fields default to hashable and not embeddable; drivers register
// overrides for their entity types.
type FieldFlags struct {
	Embeddable  bool
	Unhashable  bool
	IsName      bool
	IsCreatedAt bool
	IsUpdatedAt bool
	IsEntityID  bool
}

var (
	fieldMetaMu sync.RWMutex
	fieldMeta   = map[string]map[string]FieldFlags{}
)

// RegisterFields declares the field flags for one entity type. Drivers call
// this from init; re-registration replaces the previous table.
func RegisterFields(entityType string, fields map[string]FieldFlags) {
	fieldMetaMu.Lock()
	defer fieldMetaMu.Unlock()
	table := make(map[string]FieldFlags, len(fields))
	for name, flags := range fields {
		table[name] = flags
	}
	fieldMeta[entityType] = table
}

// FieldFlagsFor returns the flags of one field of an entity type. Unknown
// fields get the zero value: hashable, not embeddable.
func FieldFlagsFor(entityType, field string) FieldFlags {
	fieldMetaMu.RLock()
	defer fieldMetaMu.RUnlock()
	if table, ok := fieldMeta[entityType]; ok {
		return table[field]
	}
	return FieldFlags{}
}

// EmbeddableFields returns the fields flagged embeddable for an entity type,
// sorted for a stable text-building order.
func EmbeddableFields(entityType string) []string {
	fieldMetaMu.RLock()
	defer fieldMetaMu.RUnlock()
	table, ok := fieldMeta[entityType]
	if !ok {
		return nil
	}
	var fields []string
	for name, flags := range table {
		if flags.Embeddable {
			fields = append(fields, name)
		}
	}
	sort.Strings(fields)
	return fields
}

// HashableFields filters the given property names down to those included in
// content hashing, sorted for a stable hash order.
func HashableFields(entityType string, properties map[string]any) []string {
	fieldMetaMu.RLock()
	table := fieldMeta[entityType]
	fieldMetaMu.RUnlock()

	fields := make([]string, 0, len(properties))
	for name := range properties {
		if table != nil && table[name].Unhashable {
			continue
		}
		fields = append(fields, name)
	}
	sort.Strings(fields)
	return fields
}
