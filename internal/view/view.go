// Package view derives a filtered, sorted row order on the client. It is the
// fallback used while server-ranked results for the current rules are not
// available yet.
// See docs/ARCHITECTURE.md § Derived View.
package view

import (
	"math"
	"slices"
	"strconv"
	"strings"

	"github.com/mesh-intelligence/gridcache/pkg/types"
)

// Lookup returns the display text of the cell at (rowID, columnID).
type Lookup func(rowID, columnID string) string

// Result is the output of Apply.
type Result struct {
	Rows []types.Record

	// Approximate is set when the input was a partial row set, so the
	// filtered and sorted output may omit or misplace rows that were never
	// loaded.
	Approximate bool
}

// Apply filters rows then sorts the survivors. complete reports whether rows
// hold every row of the table.
func Apply(rows []types.Record, lookup Lookup, columns []types.Column, sortRules []types.SortRule, filterRules []types.FilterRule, complete bool) Result {
	out := Filter(rows, lookup, filterRules)
	Sort(out, lookup, columns, sortRules)
	return Result{Rows: out, Approximate: !complete}
}

// Groups splits filter rules into OR groups. Rules are ANDed within a group;
// a rule carrying ConnectorOr ends its group. Rules with an unknown operator
// or no column are dropped.
func Groups(rules []types.FilterRule) [][]types.FilterRule {
	var groups [][]types.FilterRule
	var cur []types.FilterRule
	for _, r := range rules {
		if r.ColumnID != "" && r.Operator.Valid() {
			cur = append(cur, r)
		}
		if r.Connector == types.ConnectorOr && len(cur) > 0 {
			groups = append(groups, cur)
			cur = nil
		}
	}
	if len(cur) > 0 {
		groups = append(groups, cur)
	}
	return groups
}

// Filter returns the rows that satisfy at least one rule group. With no
// usable rules every row passes. The input slice is not modified.
func Filter(rows []types.Record, lookup Lookup, rules []types.FilterRule) []types.Record {
	groups := Groups(rules)
	out := make([]types.Record, 0, len(rows))
	for _, row := range rows {
		if len(groups) == 0 || matchesAny(row.ID, lookup, groups) {
			out = append(out, row)
		}
	}
	return out
}

// Search returns the rows with at least one cell whose text contains query,
// ignoring case. A blank query keeps every row.
func Search(rows []types.Record, lookup Lookup, columns []types.Column, query string) []types.Record {
	q := strings.ToLower(strings.TrimSpace(query))
	if q == "" {
		return rows
	}
	out := make([]types.Record, 0, len(rows))
	for _, row := range rows {
		for _, col := range columns {
			if strings.Contains(strings.ToLower(lookup(row.ID, col.ID)), q) {
				out = append(out, row)
				break
			}
		}
	}
	return out
}

func matchesAny(rowID string, lookup Lookup, groups [][]types.FilterRule) bool {
	for _, g := range groups {
		ok := true
		for _, r := range g {
			if !Match(r, lookup(rowID, r.ColumnID)) {
				ok = false
				break
			}
		}
		if ok {
			return true
		}
	}
	return false
}

// Match evaluates one rule against a cell's display text. Text comparisons
// are case-insensitive. Numeric operators parse both sides as floats and
// treat unparseable text as 0.
func Match(rule types.FilterRule, text string) bool {
	switch rule.Operator {
	case types.OpIsEmpty:
		return strings.TrimSpace(text) == ""
	case types.OpIsNotEmpty:
		return strings.TrimSpace(text) != ""
	case types.OpContains:
		return strings.Contains(strings.ToLower(text), strings.ToLower(rule.Value))
	case types.OpNotContains:
		return !strings.Contains(strings.ToLower(text), strings.ToLower(rule.Value))
	case types.OpEquals:
		return strings.EqualFold(strings.TrimSpace(text), strings.TrimSpace(rule.Value))
	case types.OpGreaterThan:
		return parseOrZero(text) > parseOrZero(rule.Value)
	case types.OpLessThan:
		return parseOrZero(text) < parseOrZero(rule.Value)
	default:
		return true
	}
}

func parseOrZero(s string) float64 {
	f, err := strconv.ParseFloat(strings.TrimSpace(s), 64)
	if err != nil {
		return 0
	}
	return f
}

// numericKey parses s for numeric sorting; non-numeric text maps to -Inf.
func numericKey(s string) float64 {
	f, err := strconv.ParseFloat(strings.TrimSpace(s), 64)
	if err != nil || math.IsNaN(f) {
		return math.Inf(-1)
	}
	return f
}

// Sort orders rows in place by the sort rules. Number columns compare
// numerically with non-numeric cells last; text columns compare
// case-insensitively with embedded numbers compared by value. Ties keep the
// last confirmed load order (Record.Order), then input order.
func Sort(rows []types.Record, lookup Lookup, columns []types.Column, rules []types.SortRule) {
	colTypes := make(map[string]types.ColumnType, len(columns))
	for _, c := range columns {
		colTypes[c.ID] = c.Type
	}

	type sortKey struct {
		text string
		num  float64
	}
	keys := make(map[string][]sortKey, len(rows))
	for _, row := range rows {
		ks := make([]sortKey, len(rules))
		for i, r := range rules {
			text := lookup(row.ID, r.ColumnID)
			ks[i] = sortKey{text: strings.ToLower(text), num: numericKey(text)}
		}
		keys[row.ID] = ks
	}

	slices.SortStableFunc(rows, func(a, b types.Record) int {
		ka, kb := keys[a.ID], keys[b.ID]
		for i, r := range rules {
			var c int
			if colTypes[r.ColumnID] == types.ColumnNumber {
				c = compareNumeric(ka[i].num, kb[i].num, r.Direction)
			} else {
				c = NaturalCompare(ka[i].text, kb[i].text)
				if r.Direction == types.SortDesc {
					c = -c
				}
			}
			if c != 0 {
				return c
			}
		}
		return a.Order - b.Order
	})
}

// compareNumeric keeps non-numeric values (-Inf) after numbers in either
// direction.
func compareNumeric(a, b float64, dir types.SortDirection) int {
	aInf, bInf := math.IsInf(a, -1), math.IsInf(b, -1)
	switch {
	case aInf && bInf:
		return 0
	case aInf:
		return 1
	case bInf:
		return -1
	}
	c := 0
	if a < b {
		c = -1
	} else if a > b {
		c = 1
	}
	if dir == types.SortDesc {
		c = -c
	}
	return c
}
