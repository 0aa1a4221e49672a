// Sort and filter rules attached to a table view.
package types

// SortDirection orders a sort key.
type SortDirection string

// Sort directions.
const (
	SortAsc  SortDirection = "asc"
	SortDesc SortDirection = "desc"
)

// SortRule orders rows by one column. Rules apply in slice order.
type SortRule struct {
	ColumnID  string        `json:"column_id"`
	Direction SortDirection `json:"direction"`
}

// FilterOperator is a comparison applied to a cell's display text.
type FilterOperator string

// Filter operators.
const (
	OpIsEmpty     FilterOperator = "is_empty"
	OpIsNotEmpty  FilterOperator = "is_not_empty"
	OpContains    FilterOperator = "contains"
	OpNotContains FilterOperator = "not_contains"
	OpEquals      FilterOperator = "equals"
	OpGreaterThan FilterOperator = "greater_than"
	OpLessThan    FilterOperator = "less_than"
)

var validOperators = map[FilterOperator]bool{
	OpIsEmpty:     true,
	OpIsNotEmpty:  true,
	OpContains:    true,
	OpNotContains: true,
	OpEquals:      true,
	OpGreaterThan: true,
	OpLessThan:    true,
}

// Valid reports whether o is a supported operator.
func (o FilterOperator) Valid() bool {
	return validOperators[o]
}

// Numeric reports whether o compares parsed numbers.
func (o FilterOperator) Numeric() bool {
	return o == OpGreaterThan || o == OpLessThan
}

// Connector joins a filter rule to the rule that follows it.
type Connector string

// Connectors. The zero value behaves as ConnectorAnd.
const (
	ConnectorAnd Connector = "and"
	ConnectorOr  Connector = "or"
)

// FilterRule tests one column. Rules are ANDed unless a rule carries
// ConnectorOr, which closes the current group and starts a new OR group
// after it.
type FilterRule struct {
	ColumnID  string         `json:"column_id"`
	Operator  FilterOperator `json:"operator"`
	Value     string         `json:"value,omitempty"`
	Connector Connector      `json:"connector,omitempty"`
}
