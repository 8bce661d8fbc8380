package domain

import (
	"fmt"
	"sort"
	"strconv"
	"strings"
)

// Operator is a comparison applied to a key attribute.
type Operator string

const (
	OpEqual      Operator = "EQ"
	OpNotEqual   Operator = "NE"
	OpLess       Operator = "LT"
	OpLessEq     Operator = "LE"
	OpGreater    Operator = "GT"
	OpGreaterEq  Operator = "GE"
	OpBetween    Operator = "BETWEEN"
	OpBeginsWith Operator = "BEGINS_WITH"
	OpIn         Operator = "IN"
)

// Condition is a single comparison against one attribute.
type Condition struct {
	Op     Operator   `json:"op"`
	Values []KeyValue `json:"values"`
}

// Eq is shorthand for an equality condition.
func Eq(v KeyValue) Condition { return Condition{Op: OpEqual, Values: []KeyValue{v}} }

// Between is shorthand for an inclusive range condition.
func Between(lo, hi KeyValue) Condition {
	return Condition{Op: OpBetween, Values: []KeyValue{lo, hi}}
}

func (c Condition) validate() error {
	want := 1
	switch c.Op {
	case OpEqual, OpNotEqual, OpLess, OpLessEq, OpGreater, OpGreaterEq, OpBeginsWith:
	case OpBetween:
		want = 2
	case OpIn:
		if len(c.Values) == 0 {
			return fmt.Errorf("condition %s needs at least one value", c.Op)
		}
		return nil
	default:
		return fmt.Errorf("unsupported operator %q", c.Op)
	}
	if len(c.Values) != want {
		return fmt.Errorf("condition %s needs %d value(s), got %d", c.Op, want, len(c.Values))
	}
	return nil
}

func (c Condition) matches(v KeyValue) bool {
	switch c.Op {
	case OpEqual:
		return v == c.Values[0]
	case OpNotEqual:
		return v != c.Values[0]
	case OpLess:
		return v.Kind() == c.Values[0].Kind() && v.Compare(c.Values[0]) < 0
	case OpLessEq:
		return v.Kind() == c.Values[0].Kind() && v.Compare(c.Values[0]) <= 0
	case OpGreater:
		return v.Kind() == c.Values[0].Kind() && v.Compare(c.Values[0]) > 0
	case OpGreaterEq:
		return v.Kind() == c.Values[0].Kind() && v.Compare(c.Values[0]) >= 0
	case OpBetween:
		lo, hi := c.Values[0], c.Values[1]
		return v.Kind() == lo.Kind() && v.Compare(lo) >= 0 && v.Compare(hi) <= 0
	case OpBeginsWith:
		p := c.Values[0]
		return v.Kind() == p.Kind() && v.Kind() != KindNumber && strings.HasPrefix(v.raw, p.raw)
	case OpIn:
		for _, want := range c.Values {
			if v == want {
				return true
			}
		}
	}
	return false
}

func (c Condition) String() string {
	parts := make([]string, len(c.Values))
	for i, v := range c.Values {
		parts[i] = v.String()
	}
	return string(c.Op) + "(" + strings.Join(parts, ",") + ")"
}

// Query is an opaque query descriptor: a set of conditions over named
// attributes, all of which must hold.
type Query struct {
	Conditions map[string][]Condition `json:"conditions"`
}

// NewQuery returns an empty query (a full scan).
func NewQuery() Query { return Query{Conditions: map[string][]Condition{}} }

// Where returns a copy of q with an additional condition on field.
func (q Query) Where(field string, c Condition) Query {
	out := Query{Conditions: make(map[string][]Condition, len(q.Conditions)+1)}
	for k, v := range q.Conditions {
		out.Conditions[k] = append([]Condition(nil), v...)
	}
	out.Conditions[field] = append(out.Conditions[field], c)
	return out
}

// Validate checks operator arity.
func (q Query) Validate() error {
	for field, conds := range q.Conditions {
		for _, c := range conds {
			if err := c.validate(); err != nil {
				return fmt.Errorf("field %s: %w", field, err)
			}
		}
	}
	return nil
}

// Match reports whether doc satisfies every condition. A missing or non-scalar
// attribute never matches.
func (q Query) Match(doc Document) bool {
	for field, conds := range q.Conditions {
		if len(conds) == 0 {
			continue
		}
		v, err := KeyValueOf(doc[field])
		if err != nil {
			return false
		}
		for _, c := range conds {
			if c.validate() != nil || !c.matches(v) {
				return false
			}
		}
	}
	return true
}

// EqualityValue returns the value of a single equality condition on field,
// which providers use to narrow a scan.
func (q Query) EqualityValue(field string) (KeyValue, bool) {
	for _, c := range q.Conditions[field] {
		if c.Op == OpEqual && len(c.Values) == 1 {
			return c.Values[0], true
		}
	}
	return KeyValue{}, false
}

// IndexKey returns a canonical name for the result set described by q. Field
// names are quoted so separators inside a name cannot forge another query.
func (q Query) IndexKey() string {
	fields := make([]string, 0, len(q.Conditions))
	for f, conds := range q.Conditions {
		if len(conds) > 0 {
			fields = append(fields, f)
		}
	}
	if len(fields) == 0 {
		return "*"
	}
	sort.Strings(fields)
	var b strings.Builder
	for i, f := range fields {
		if i > 0 {
			b.WriteByte(';')
		}
		conds := make([]string, len(q.Conditions[f]))
		for j, c := range q.Conditions[f] {
			conds[j] = c.String()
		}
		sort.Strings(conds)
		b.WriteString(strconv.Quote(f))
		b.WriteByte(' ')
		b.WriteString(strings.Join(conds, "&"))
	}
	return b.String()
}
