package snapshot

import (
	"strings"

	"github.com/juju/errors"
)

// Table maps a logical table name to the name the store knows it by.
type Table struct {
	Name     string
	Physical string
}

// Registry is the fixed, ordered set of tables a snapshot covers.
// It is read-only once built.
type Registry struct {
	tables []Table
	byName map[string]string
}

// NewRegistry builds a registry. An empty physical name defaults to the
// logical one.
func NewRegistry(tables ...Table) (*Registry, error) {
	r := &Registry{byName: make(map[string]string, len(tables))}
	for _, t := range tables {
		if t.Name == "" {
			return nil, errors.NotValidf("empty table name")
		}
		if _, ok := r.byName[t.Name]; ok {
			return nil, errors.AlreadyExistsf("table %q", t.Name)
		}
		if t.Physical == "" {
			t.Physical = t.Name
		}
		r.tables = append(r.tables, t)
		r.byName[t.Name] = t.Physical
	}
	return r, nil
}

// Names returns the logical names in registry order.
func (r *Registry) Names() []string {
	names := make([]string, len(r.tables))
	for i, t := range r.tables {
		names[i] = t.Name
	}
	return names
}

// Tables returns a copy of the registry entries.
func (r *Registry) Tables() []Table {
	return append([]Table(nil), r.tables...)
}

// Physical translates a logical name.
func (r *Registry) Physical(name string) (string, bool) {
	p, ok := r.byName[name]
	return p, ok
}

func (r *Registry) Has(name string) bool {
	_, ok := r.byName[name]
	return ok
}

// unquote strips identifier quoting so registry entries can be compared
// with names reported by the store.
func unquote(ident string) string {
	if len(ident) >= 2 && ident[0] == '"' && ident[len(ident)-1] == '"' {
		return strings.ReplaceAll(ident[1:len(ident)-1], `""`, `"`)
	}
	return ident
}

// quoteIdent quotes a column identifier for use in a statement.
func quoteIdent(name string) string {
	return `"` + strings.ReplaceAll(name, `"`, `""`) + `"`
}

// InventoryTables is the inventory schema covered by default. Mixed-case
// auth tables are quoted because the store treats them case-sensitively.
var InventoryTables = []Table{
	{Name: "Category", Physical: "categories"},
	{Name: "CableType", Physical: "cable_types"},
	{Name: "CableEnd", Physical: "cable_ends"},
	{Name: "BulkCable", Physical: "bulk_cables"},
	{Name: "CableAssembly", Physical: "cable_assemblies"},
	{Name: "Asset", Physical: "assets"},
	{Name: "AssetSerialNumber", Physical: "asset_serial_numbers"},
	{Name: "FinancialRecord", Physical: "financial_records"},
	{Name: "Checkout", Physical: "checkouts"},
	{Name: "MaintenanceRecord", Physical: "maintenance_records"},
	{Name: "Movement", Physical: "movements"},
	{Name: "User", Physical: `"User"`},
	{Name: "UserKey", Physical: `"UserKey"`},
	{Name: "UserSession", Physical: `"UserSession"`},
	{Name: "AuditLog", Physical: "audit_logs"},
	{Name: "Notification", Physical: "notifications"},
	{Name: "Room", Physical: "rooms"},
	{Name: "CableRoute", Physical: "cable_routes"},
	{Name: "CableSegment", Physical: "cable_segments"},
	{Name: "AutomatedTask", Physical: "automated_tasks"},
	{Name: "AutomatedTaskLog", Physical: "automated_task_logs"},
	{Name: "Project", Physical: "projects"},
	{Name: "ProjectAsset", Physical: "project_assets"},
	{Name: "ProjectTask", Physical: "project_tasks"},
	{Name: "Kit", Physical: "kits"},
	{Name: "KitAsset", Physical: "kit_assets"},
}

// DefaultRegistry returns a registry over InventoryTables.
func DefaultRegistry() *Registry {
	r, err := NewRegistry(InventoryTables...)
	if err != nil {
		panic(err)
	}
	return r
}

// LegacyFold copies a deprecated column of one table into rows of its
// replacement table while dumping.
type LegacyFold struct {
	// Source is the logical table still carrying the old column.
	Source string
	// SourceKey is the source column identifying the owning row.
	SourceKey string
	// Columns are candidate names of the old column, first non-empty wins.
	Columns []string
	// Target is the logical table that replaced the column.
	Target string
	// TargetKey and TargetColumn name the columns of the synthesized row.
	TargetKey    string
	TargetColumn string
}

// DefaultLegacyFolds folds Asset.serialNumber into AssetSerialNumber.
var DefaultLegacyFolds = []LegacyFold{{
	Source:       "Asset",
	SourceKey:    "id",
	Columns:      []string{"serialNumber", "serial_number"},
	Target:       "AssetSerialNumber",
	TargetKey:    "assetId",
	TargetColumn: "serialNumber",
}}

// DefaultProtectedTables are left alone by restores unless asked otherwise.
var DefaultProtectedTables = []string{"AuditLog"}
