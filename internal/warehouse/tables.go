package warehouse

// TableKind distinguishes fact tables from dimension tables.
type TableKind string

const (
	Fact      TableKind = "fact"
	Dimension TableKind = "dimension"
)

// ColumnType is the logical type of a warehouse column.
type ColumnType string

const (
	Text      ColumnType = "text"
	Integer   ColumnType = "integer"
	Numeric   ColumnType = "numeric"
	Date      ColumnType = "date"
	Timestamp ColumnType = "timestamp"
	Boolean   ColumnType = "boolean"
)

// Column describes one warehouse column and the declarative checks the
// validate engine applies to it.
type Column struct {
	Name     string
	Type     ColumnType
	Required bool

	// Mutable columns are updated when an upsert hits an existing row;
	// immutable columns keep their first-written value.
	Mutable bool

	// Enum restricts values to a fixed set.
	Enum []string

	// HasRange bounds numeric values to [Min, Max].
	HasRange bool
	Min, Max float64

	// Ref names the dimension table whose natural key this column must
	// resolve to.
	Ref string
}

// Table describes one warehouse table: its natural key, partitioning, and
// column set. The metadata drives validation, upsert generation, and DDL.
type Table struct {
	Name        string
	Kind        TableKind
	Key         string // natural key column
	Partitioned bool
	DateColumn  string // event date column, drives partition routing
	Columns     []Column
}

// Column returns the named column definition.
func (t Table) Column(name string) (Column, bool) {
	for _, c := range t.Columns {
		if c.Name == name {
			return c, true
		}
	}
	return Column{}, false
}

// MutableColumns returns the columns updated on upsert conflict.
func (t Table) MutableColumns() []Column {
	var out []Column
	for _, c := range t.Columns {
		if c.Mutable {
			out = append(out, c)
		}
	}
	return out
}

var tables = []Table{
	{
		Name: "branch_dim",
		Kind: Dimension,
		Key:  "branch_id",
		Columns: []Column{
			{Name: "branch_id", Type: Text, Required: true},
			{Name: "branch_name", Type: Text, Required: true, Mutable: true},
			{Name: "city", Type: Text, Mutable: true},
			{Name: "state", Type: Text, Mutable: true},
			{Name: "region", Type: Text, Mutable: true},
			{Name: "source_updated", Type: Timestamp, Mutable: true},
		},
	},
	{
		Name: "product_dim",
		Kind: Dimension,
		Key:  "product_id",
		Columns: []Column{
			{Name: "product_id", Type: Text, Required: true},
			{Name: "product_name", Type: Text, Required: true, Mutable: true},
			{Name: "category", Type: Text, Mutable: true},
			{Name: "source_updated", Type: Timestamp, Mutable: true},
		},
	},
	{
		Name: "channel_dim",
		Kind: Dimension,
		Key:  "channel_id",
		Columns: []Column{
			{Name: "channel_id", Type: Text, Required: true},
			{Name: "channel_name", Type: Text, Required: true, Mutable: true},
			{Name: "source_updated", Type: Timestamp, Mutable: true},
		},
	},
	{
		Name: "customer_dim",
		Kind: Dimension,
		Key:  "customer_id",
		Columns: []Column{
			{Name: "customer_id", Type: Text, Required: true},
			{Name: "first_name", Type: Text, Required: true},
			{Name: "last_name", Type: Text, Required: true},
			{Name: "date_of_birth", Type: Date},
			{Name: "address", Type: Text, Mutable: true},
			{Name: "city", Type: Text, Mutable: true},
			{Name: "state", Type: Text, Mutable: true},
			{Name: "zip_code", Type: Text, Mutable: true},
			{Name: "email", Type: Text, Required: true, Mutable: true},
			{Name: "phone", Type: Text, Mutable: true},
			{Name: "segment", Type: Text, Mutable: true},
			{Name: "acquisition_date", Type: Date},
			{Name: "last_interaction_date", Type: Timestamp, Mutable: true},
			{Name: "satisfaction_score", Type: Integer, Mutable: true, HasRange: true, Min: 0, Max: 10},
			{Name: "nps_score", Type: Integer, Mutable: true, HasRange: true, Min: 0, Max: 10},
			{Name: "status", Type: Text, Required: true, Mutable: true, Enum: []string{"ACTIVE", "INACTIVE", "PENDING"}},
			{Name: "source_updated", Type: Timestamp, Mutable: true},
		},
	},
	{
		Name:        "transaction_fact",
		Kind:        Fact,
		Key:         "transaction_id",
		Partitioned: true,
		DateColumn:  "txn_date",
		Columns: []Column{
			{Name: "transaction_id", Type: Text, Required: true},
			{Name: "txn_date", Type: Date, Required: true},
			{Name: "branch_id", Type: Text, Required: true, Ref: "branch_dim"},
			{Name: "customer_id", Type: Text, Required: true, Ref: "customer_dim"},
			{Name: "product_id", Type: Text, Required: true, Ref: "product_dim"},
			{Name: "channel_id", Type: Text, Ref: "channel_dim"},
			{Name: "txn_type", Type: Text, Required: true, Enum: []string{"DEPOSIT", "WITHDRAWAL", "TRANSFER", "PAYMENT", "FEE"}},
			{Name: "amount", Type: Numeric, Required: true},
			{Name: "status", Type: Text, Required: true, Mutable: true, Enum: []string{"COMPLETED", "PENDING", "FAILED"}},
			{Name: "is_weekend", Type: Boolean},
		},
	},
	{
		Name:        "customer_fact",
		Kind:        Fact,
		Key:         "snapshot_id",
		Partitioned: true,
		DateColumn:  "snapshot_date",
		Columns: []Column{
			{Name: "snapshot_id", Type: Text, Required: true},
			{Name: "snapshot_date", Type: Date, Required: true},
			{Name: "customer_id", Type: Text, Required: true, Ref: "customer_dim"},
			{Name: "satisfaction_score", Type: Integer, Mutable: true, HasRange: true, Min: 0, Max: 10},
			{Name: "nps_score", Type: Integer, Mutable: true, HasRange: true, Min: 0, Max: 10},
			{Name: "txn_count", Type: Integer, Mutable: true},
			{Name: "total_amount", Type: Numeric, Mutable: true},
		},
	},
	{
		Name:        "loan_fact",
		Kind:        Fact,
		Key:         "loan_id",
		Partitioned: true,
		DateColumn:  "origination_date",
		Columns: []Column{
			{Name: "loan_id", Type: Text, Required: true},
			{Name: "origination_date", Type: Date, Required: true},
			{Name: "customer_id", Type: Text, Required: true, Ref: "customer_dim"},
			{Name: "branch_id", Type: Text, Required: true, Ref: "branch_dim"},
			{Name: "principal", Type: Numeric, Required: true, HasRange: true, Min: 0.01, Max: 1e9},
			{Name: "interest_rate", Type: Numeric, Required: true, HasRange: true, Min: 0, Max: 0.5},
			{Name: "term_months", Type: Integer, Required: true, HasRange: true, Min: 1, Max: 480},
			{Name: "status", Type: Text, Required: true, Mutable: true, Enum: []string{"ACTIVE", "CLOSED", "DEFAULTED"}},
		},
	},
}

// Tables returns the full warehouse table roster.
func Tables() []Table {
	return tables
}

// TableFor returns the metadata for a named table.
func TableFor(name string) (Table, bool) {
	for _, t := range tables {
		if t.Name == name {
			return t, true
		}
	}
	return Table{}, false
}
