package store

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"
)

// ErrNotFound is returned by Get when no row matches the key.
var ErrNotFound = errors.New("store: row not found")

// Row is one stored record: a flat map of field names to values.
type Row = map[string]any

// Key addresses a row by its key-field values.
type Key = map[string]any

// Op is a search predicate operator.
type Op string

const (
	// OpEq matches fields equal to the predicate value
	OpEq Op = "="
	// OpNe matches fields different from the predicate value
	OpNe Op = "!="
	// OpLt matches fields less than the predicate value
	OpLt Op = "<"
	// OpLe matches fields less than or equal to the predicate value
	OpLe Op = "<="
	// OpGt matches fields greater than the predicate value
	OpGt Op = ">"
	// OpGe matches fields greater than or equal to the predicate value
	OpGe Op = ">="
	// OpIn matches fields contained in the predicate's list value
	OpIn Op = "in"
	// OpContains matches string fields containing the predicate value as a
	// substring, and array fields containing it as an element
	OpContains Op = "contains"
)

// Predicate is one field condition of a search.
type Predicate struct {
	// Field is the row field the condition applies to
	Field string
	// Op is the comparison operator
	Op Op
	// Value is the operand compared against the field value
	Value any
}

// Query is a conjunction of predicates; a row matches when every
// predicate holds. The empty query matches everything.
type Query []Predicate

// Where builds a single-predicate query for chaining with And.
func Where(field string, op Op, value any) Query {
	return Query{{Field: field, Op: op, Value: value}}
}

// And appends a predicate to the query.
func (q Query) And(field string, op Op, value any) Query {
	return append(q, Predicate{Field: field, Op: op, Value: value})
}

// TableSpec declares the shape of a repository's table: its name and
// which fields form the primary key. Key fields must be strings or
// numbers; every row put into the table must carry all of them.
type TableSpec struct {
	// Name is the table name (also used as file directory or key prefix)
	Name string
	// KeyFields are the fields forming the primary key, in order
	KeyFields []string
}

// Validate reports whether the spec is usable.
func (s TableSpec) Validate() error {
	if s.Name == "" {
		return errors.New("store: table name must not be empty")
	}
	if len(s.KeyFields) == 0 {
		return fmt.Errorf("store: table %s declares no key fields", s.Name)
	}
	return nil
}

// KeyOf extracts the key of a row, failing when a key field is missing.
func (s TableSpec) KeyOf(row Row) (Key, error) {
	key := make(Key, len(s.KeyFields))
	for _, f := range s.KeyFields {
		v, ok := row[f]
		if !ok || v == nil {
			return nil, fmt.Errorf("store: row for table %s misses key field %q", s.Name, f)
		}
		key[f] = v
	}
	return key, nil
}

// KeyString renders a key as a stable string for indexing, joining the
// key-field values in declaration order.
func (s TableSpec) KeyString(key Key) (string, error) {
	parts := make([]string, len(s.KeyFields))
	for i, f := range s.KeyFields {
		v, ok := key[f]
		if !ok || v == nil {
			return "", fmt.Errorf("store: key for table %s misses field %q", s.Name, f)
		}
		parts[i] = fmt.Sprintf("%v", v)
	}
	return strings.Join(parts, "\x1f"), nil
}

// ChangeCallback receives the full row snapshot after a detected change.
type ChangeCallback func(rows []Row)

// SubscribeOptions tunes a change subscription.
type SubscribeOptions struct {
	// PollInterval is how often the durable source is polled for changes.
	// Zero means one second.
	PollInterval time.Duration
}

// Repository is the abstract tabular key/value store the engine consumes.
// Implementations must serialise reads and writes against a single key.
type Repository interface {
	// Spec returns the table shape the repository was built with.
	Spec() TableSpec
	// Put inserts or replaces the row addressed by its key fields.
	Put(ctx context.Context, row Row) error
	// PutIf replaces the row only when a row is already stored under the
	// same key and every guard field equals the stored value (numbers
	// compare by value). It reports whether the write happened; the
	// check and the write are atomic against concurrent writers.
	PutIf(ctx context.Context, row Row, guard Row) (bool, error)
	// PutBulk applies Put for every row.
	PutBulk(ctx context.Context, rows []Row) error
	// Get returns the row for the key, or ErrNotFound.
	Get(ctx context.Context, key Key) (Row, error)
	// Search returns every row matching the query, unordered.
	Search(ctx context.Context, q Query) ([]Row, error)
	// Delete removes the row for the key; missing rows are not an error.
	Delete(ctx context.Context, key Key) error
	// DeleteSearch removes every row matching the query.
	DeleteSearch(ctx context.Context, q Query) error
	// DeleteAll removes every row in the table.
	DeleteAll(ctx context.Context) error
	// GetAll returns every row in the table, unordered.
	GetAll(ctx context.Context) ([]Row, error)
	// Size returns the number of rows in the table.
	Size(ctx context.Context) (int, error)
	// Subscribe registers a change callback and returns its cancel
	// function. Callbacks for one subscriber never run concurrently.
	Subscribe(cb ChangeCallback, opts SubscribeOptions) (cancel func())
}

// Match evaluates the query against a row. Numeric values compare as
// float64 regardless of their concrete Go type; everything else compares
// by string rendering for the ordered operators.
func Match(row Row, q Query) bool {
	for _, p := range q {
		if !matchPredicate(row[p.Field], p) {
			return false
		}
	}
	return true
}

// MatchGuard reports whether every guard field equals the row's value,
// with the same numeric coercion as Match. Backends without a native
// conditional write evaluate PutIf guards through it.
func MatchGuard(row Row, guard Row) bool {
	for field, want := range guard {
		if !equalValues(row[field], want) {
			return false
		}
	}
	return true
}

// Filter returns the rows matching the query, preserving order.
func Filter(rows []Row, q Query) []Row {
	if len(q) == 0 {
		return rows
	}
	out := make([]Row, 0, len(rows))
	for _, row := range rows {
		if Match(row, q) {
			out = append(out, row)
		}
	}
	return out
}

func matchPredicate(fieldValue any, p Predicate) bool {
	switch p.Op {
	case OpEq:
		return equalValues(fieldValue, p.Value)
	case OpNe:
		return !equalValues(fieldValue, p.Value)
	case OpLt, OpLe, OpGt, OpGe:
		return matchOrdered(fieldValue, p)
	case OpIn:
		return matchIn(fieldValue, p.Value)
	case OpContains:
		return matchContains(fieldValue, p.Value)
	default:
		return false
	}
}

func matchOrdered(fieldValue any, p Predicate) bool {
	var cmp int
	fn, fok := asFloat(fieldValue)
	pn, pok := asFloat(p.Value)
	switch {
	case fok && pok:
		switch {
		case fn < pn:
			cmp = -1
		case fn > pn:
			cmp = 1
		}
	case fieldValue == nil:
		return false
	default:
		cmp = strings.Compare(fmt.Sprintf("%v", fieldValue), fmt.Sprintf("%v", p.Value))
	}
	switch p.Op {
	case OpLt:
		return cmp < 0
	case OpLe:
		return cmp <= 0
	case OpGt:
		return cmp > 0
	default:
		return cmp >= 0
	}
}

func matchIn(fieldValue, setValue any) bool {
	set, ok := setValue.([]any)
	if !ok {
		return false
	}
	for _, candidate := range set {
		if equalValues(fieldValue, candidate) {
			return true
		}
	}
	return false
}

func matchContains(fieldValue, needle any) bool {
	switch v := fieldValue.(type) {
	case string:
		s, ok := needle.(string)
		return ok && strings.Contains(v, s)
	case []any:
		for _, el := range v {
			if equalValues(el, needle) {
				return true
			}
		}
		return false
	default:
		return false
	}
}

// equalValues compares with numeric coercion so that rows round-tripped
// through JSON (where every number is float64) still match their keys.
func equalValues(a, b any) bool {
	if an, aok := asFloat(a); aok {
		bn, bok := asFloat(b)
		return bok && an == bn
	}
	return a == b
}

func asFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int8:
		return float64(n), true
	case int16:
		return float64(n), true
	case int32:
		return float64(n), true
	case int64:
		return float64(n), true
	case uint:
		return float64(n), true
	case uint8:
		return float64(n), true
	case uint16:
		return float64(n), true
	case uint32:
		return float64(n), true
	case uint64:
		return float64(n), true
	case time.Duration:
		return float64(n), true
	default:
		return 0, false
	}
}

// SortRows orders rows by a field ascending, with numeric coercion. Rows
// missing the field sort first. Used by queue and cache scans that need a
// deterministic oldest-first order.
func SortRows(rows []Row, field string) {
	sort.SliceStable(rows, func(i, j int) bool {
		a, aok := asFloat(rows[i][field])
		b, bok := asFloat(rows[j][field])
		if aok && bok {
			return a < b
		}
		if aok != bok {
			return !aok
		}
		return fmt.Sprintf("%v", rows[i][field]) < fmt.Sprintf("%v", rows[j][field])
	})
}
