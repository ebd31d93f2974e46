package syncsvc

import (
	"sort"

	"github.com/mdsync/mdsync/internal/relational"
)

// TableSchema is the per-table validation contract for incoming rows. Rows
// are untyped JSON; the registry is what catches a row that belongs to no
// table, or a table row missing its identity fields.
type TableSchema struct {
	Name        string
	Required    []string
	BusinessKey []string
	References  map[string]string
}

// registry lists every sync-replicated table. The ledger keeps its own
// enum; the schema guard asserts the two (and the live database) agree.
var registry = map[string]TableSchema{
	"entity_types": {
		Name:        "entity_types",
		Required:    []string{"name"},
		BusinessKey: []string{"name"},
	},
	"attribute_defs": {
		Name:        "attribute_defs",
		Required:    []string{"entity_type_id", "name", "data_type"},
		BusinessKey: []string{"entity_type_id", "name"},
		References:  map[string]string{"entity_type_id": "entity_types"},
	},
	"attribute_values": {
		Name:     "attribute_values",
		Required: []string{"entity_id", "attribute_def_id"},
		References: map[string]string{
			"attribute_def_id": "attribute_defs",
		},
	},
	"engines": {
		Name:     "engines",
		Required: []string{"serial_no"},
	},
	"parts": {
		Name:     "parts",
		Required: []string{"part_no", "name"},
	},
	"contracts": {
		Name:     "contracts",
		Required: []string{"contract_no"},
	},
	"employees": {
		Name:     "employees",
		Required: []string{"full_name"},
	},
}

// applyOrder lists tables parents-first so that one batch can introduce an
// entity type together with its attribute defs and values.
var applyOrder = []string{
	"entity_types",
	"attribute_defs",
	"attribute_values",
	"contracts",
	"employees",
	"engines",
	"parts",
}

// Tables returns the replicated table names, sorted.
func Tables() []string {
	names := make([]string, 0, len(registry))
	for name := range registry {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

func Schema(table string) (TableSchema, bool) {
	s, ok := registry[table]
	return s, ok
}

// TableDefs lowers the registry into the relational store's table
// definitions, in apply order.
func TableDefs() []relational.TableDef {
	defs := make([]relational.TableDef, 0, len(applyOrder))
	for _, name := range applyOrder {
		s := registry[name]
		defs = append(defs, relational.TableDef{
			Name:        s.Name,
			BusinessKey: s.BusinessKey,
			References:  s.References,
		})
	}
	return defs
}
