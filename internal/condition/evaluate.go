// Package condition evaluates rule condition trees against events.
//
// Evaluation is total and pure: missing fields, type mismatches and malformed
// nodes resolve to a non-match instead of an error, and the result depends
// only on the (event, condition) pair.
package condition

import (
	"encoding/json"
	"fmt"
	"math"
	"reflect"
	"strconv"
	"strings"

	"github.com/shopspring/decimal"

	"github.com/basel95f-code/solana-memecoin-bot-sub009/internal/model"
)

// Evaluate matches cond against ev.
func Evaluate(ev model.Event, cond model.Condition) model.MatchResult {
	var tr trace
	if !eval(ev, cond, &tr, 0) {
		return model.MatchResult{}
	}
	res := model.MatchResult{Matched: true, Reasons: tr.reasons}
	if len(tr.observed) > 0 {
		res.Values = make(map[string]any, len(tr.observed))
		for _, o := range tr.observed {
			res.Values[o.field] = o.value
		}
	}
	return res
}

type observation struct {
	field string
	value any
}

// trace collects what the matching leaves saw. Reasons and observations are
// appended together, so a failed branch rolls both back to the same mark.
type trace struct {
	reasons  []string
	observed []observation
}

type checkpoint struct{ reasons, observed int }

func (t *trace) mark() checkpoint { return checkpoint{len(t.reasons), len(t.observed)} }

func (t *trace) rollback(m checkpoint) {
	t.reasons = t.reasons[:m.reasons]
	t.observed = t.observed[:m.observed]
}

func eval(ev model.Event, c model.Condition, tr *trace, depth int) bool {
	if depth > 64 {
		return false
	}
	switch c.Kind {
	case model.NodeLeaf:
		observed, ok := ev.Lookup(c.Field)
		if !ok || !compare(observed, c.Operator, c.Value) {
			return false
		}
		tr.reasons = append(tr.reasons, c.Describe())
		tr.observed = append(tr.observed, observation{field: c.Field, value: observed})
		return true

	case model.NodeAnd:
		if len(c.Children) == 0 {
			return false
		}
		m := tr.mark()
		for _, child := range c.Children {
			if !eval(ev, child, tr, depth+1) {
				tr.rollback(m)
				return false
			}
		}
		return true

	case model.NodeOr:
		for _, child := range c.Children {
			m := tr.mark()
			if eval(ev, child, tr, depth+1) {
				return true
			}
			tr.rollback(m)
		}
		return false

	case model.NodeNot:
		if len(c.Children) != 1 {
			return false
		}
		// The child's own reasons describe why it matched; a NOT that holds
		// reports the negated node instead.
		var scratch trace
		if eval(ev, c.Children[0], &scratch, depth+1) {
			return false
		}
		tr.reasons = append(tr.reasons, "not("+describeTree(c.Children[0])+")")
		return true
	}
	return false
}

func describeTree(c model.Condition) string {
	switch c.Kind {
	case model.NodeLeaf:
		return c.Describe()
	case model.NodeNot:
		if len(c.Children) == 1 {
			return "not(" + describeTree(c.Children[0]) + ")"
		}
	case model.NodeAnd, model.NodeOr:
		parts := make([]string, 0, len(c.Children))
		for _, child := range c.Children {
			parts = append(parts, describeTree(child))
		}
		return string(c.Kind) + "(" + strings.Join(parts, ", ") + ")"
	}
	return "?"
}

func compare(observed any, op model.Operator, want any) bool {
	switch op {
	case model.OpGTE, model.OpLTE, model.OpGT, model.OpLT:
		a, ok := toDecimal(observed)
		if !ok {
			return false
		}
		b, ok := toDecimal(want)
		if !ok {
			return false
		}
		switch op {
		case model.OpGTE:
			return a.GreaterThanOrEqual(b)
		case model.OpLTE:
			return a.LessThanOrEqual(b)
		case model.OpGT:
			return a.GreaterThan(b)
		default:
			return a.LessThan(b)
		}

	case model.OpEQ:
		eq, ok := equal(observed, want)
		return ok && eq

	case model.OpNEQ:
		eq, ok := equal(observed, want)
		return ok && !eq

	case model.OpIn:
		items, ok := toList(want)
		if !ok {
			return false
		}
		for _, item := range items {
			if eq, ok := equal(observed, item); ok && eq {
				return true
			}
		}
		return false

	case model.OpContains:
		if s, ok := observed.(string); ok {
			sub, ok := want.(string)
			return ok && strings.Contains(s, sub)
		}
		items, ok := toList(observed)
		if !ok {
			return false
		}
		for _, item := range items {
			if eq, ok := equal(item, want); ok && eq {
				return true
			}
		}
		return false
	}
	return false
}

// equal compares numerically when both sides are numbers (or one is a
// numeric string), otherwise by scalar value. ok is false when the two sides
// are not comparable.
func equal(a, b any) (eq bool, ok bool) {
	da, aNum := toDecimal(a)
	db, bNum := toDecimal(b)
	switch {
	case aNum && bNum:
		return da.Equal(db), true
	case aNum:
		return equalNumericString(da, b)
	case bNum:
		return equalNumericString(db, a)
	}

	switch av := a.(type) {
	case string:
		bv, isStr := b.(string)
		return isStr && av == bv, isStr
	case bool:
		bv, isBool := b.(bool)
		return isBool && av == bv, isBool
	}
	return false, false
}

func equalNumericString(d decimal.Decimal, other any) (bool, bool) {
	s, isStr := other.(string)
	if !isStr {
		return false, false
	}
	parsed, err := decimal.NewFromString(strings.TrimSpace(s))
	if err != nil {
		return false, true
	}
	return d.Equal(parsed), true
}

func toDecimal(v any) (decimal.Decimal, bool) {
	switch n := v.(type) {
	case decimal.Decimal:
		return n, true
	case json.Number:
		d, err := decimal.NewFromString(n.String())
		return d, err == nil
	case float64:
		if math.IsNaN(n) || math.IsInf(n, 0) {
			return decimal.Decimal{}, false
		}
		return decimal.NewFromFloat(n), true
	case float32:
		if math.IsNaN(float64(n)) || math.IsInf(float64(n), 0) {
			return decimal.Decimal{}, false
		}
		return decimal.NewFromFloat32(n), true
	case int:
		return decimal.NewFromInt(int64(n)), true
	case int64:
		return decimal.NewFromInt(n), true
	case int32:
		return decimal.NewFromInt(int64(n)), true
	case uint64:
		d, err := decimal.NewFromString(strconv.FormatUint(n, 10))
		return d, err == nil
	case uint32:
		return decimal.NewFromInt(int64(n)), true
	}
	return decimal.Decimal{}, false
}

func toList(v any) ([]any, bool) {
	if v == nil {
		return nil, false
	}
	if items, ok := v.([]any); ok {
		return items, true
	}
	rv := reflect.ValueOf(v)
	if rv.Kind() != reflect.Slice && rv.Kind() != reflect.Array {
		return nil, false
	}
	out := make([]any, rv.Len())
	for i := range out {
		out[i] = rv.Index(i).Interface()
	}
	return out, true
}

// Explain renders a condition tree for logs and CLI output.
func Explain(c model.Condition) string {
	if err := c.Validate(); err != nil {
		return fmt.Sprintf("invalid: %v", err)
	}
	return describeTree(c)
}
