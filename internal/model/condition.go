package model

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"

	"gopkg.in/yaml.v3"
)

// ErrInvalidCondition is returned by Validate and the decoders for malformed trees.
var ErrInvalidCondition = errors.New("invalid condition")

// maxConditionDepth bounds how deeply composite nodes may nest.
const maxConditionDepth = 32

// NodeKind distinguishes leaf predicates from composite nodes.
type NodeKind string

const (
	NodeLeaf NodeKind = "leaf"
	NodeAnd  NodeKind = "and"
	NodeOr   NodeKind = "or"
	NodeNot  NodeKind = "not"
)

// Operator is a leaf comparison.
type Operator string

const (
	OpGTE      Operator = ">="
	OpLTE      Operator = "<="
	OpGT       Operator = ">"
	OpLT       Operator = "<"
	OpEQ       Operator = "=="
	OpNEQ      Operator = "!="
	OpIn       Operator = "in"
	OpContains Operator = "contains"
)

// Known reports whether op is a supported operator.
func (op Operator) Known() bool {
	switch op {
	case OpGTE, OpLTE, OpGT, OpLT, OpEQ, OpNEQ, OpIn, OpContains:
		return true
	}
	return false
}

// Condition is a node of a rule's condition tree: either a leaf predicate
// (Field, Operator, Value) or a composite (And, Or, Not) over Children.
type Condition struct {
	Kind     NodeKind
	Field    string
	Operator Operator
	Value    any
	Children []Condition
}

// Leaf builds a leaf predicate.
func Leaf(field string, op Operator, value any) Condition {
	return Condition{Kind: NodeLeaf, Field: field, Operator: op, Value: value}
}

// And builds a conjunction.
func And(children ...Condition) Condition {
	return Condition{Kind: NodeAnd, Children: children}
}

// Or builds a disjunction.
func Or(children ...Condition) Condition {
	return Condition{Kind: NodeOr, Children: children}
}

// Not inverts a single child.
func Not(child Condition) Condition {
	return Condition{Kind: NodeNot, Children: []Condition{child}}
}

// Describe renders a leaf as "field op value".
func (c Condition) Describe() string {
	return fmt.Sprintf("%s %s %v", c.Field, c.Operator, c.Value)
}

// Validate checks operator names, NOT arity and nesting depth.
func (c Condition) Validate() error {
	return c.validate(0)
}

func (c Condition) validate(depth int) error {
	if depth > maxConditionDepth {
		return fmt.Errorf("%w: nesting deeper than %d", ErrInvalidCondition, maxConditionDepth)
	}
	switch c.Kind {
	case NodeLeaf:
		if c.Field == "" {
			return fmt.Errorf("%w: leaf without field", ErrInvalidCondition)
		}
		if !c.Operator.Known() {
			return fmt.Errorf("%w: unknown operator %q", ErrInvalidCondition, c.Operator)
		}
		return nil
	case NodeAnd, NodeOr:
		if len(c.Children) == 0 {
			return fmt.Errorf("%w: %s without children", ErrInvalidCondition, c.Kind)
		}
	case NodeNot:
		if len(c.Children) != 1 {
			return fmt.Errorf("%w: not takes exactly one child, got %d", ErrInvalidCondition, len(c.Children))
		}
	default:
		return fmt.Errorf("%w: unknown node kind %q", ErrInvalidCondition, c.Kind)
	}
	for _, child := range c.Children {
		if err := child.validate(depth + 1); err != nil {
			return err
		}
	}
	return nil
}

// conditionWire is the encoded form shared by JSON and YAML:
//
//	{field: price_usd, op: ">=", value: 0.5}
//	{and: [...]} / {or: [...]} / {not: {...}}
type conditionWire struct {
	Field string      `json:"field,omitempty" yaml:"field,omitempty"`
	Op    Operator    `json:"op,omitempty" yaml:"op,omitempty"`
	Value any         `json:"value,omitempty" yaml:"value,omitempty"`
	And   []Condition `json:"and,omitempty" yaml:"and,omitempty"`
	Or    []Condition `json:"or,omitempty" yaml:"or,omitempty"`
	Not   *Condition  `json:"not,omitempty" yaml:"not,omitempty"`
}

func (c Condition) toWire() conditionWire {
	switch c.Kind {
	case NodeAnd:
		return conditionWire{And: c.Children}
	case NodeOr:
		return conditionWire{Or: c.Children}
	case NodeNot:
		if len(c.Children) == 1 {
			child := c.Children[0]
			return conditionWire{Not: &child}
		}
		return conditionWire{}
	default:
		return conditionWire{Field: c.Field, Op: c.Operator, Value: c.Value}
	}
}

func fromWire(w conditionWire) (Condition, error) {
	forms := 0
	if w.Field != "" || w.Op != "" {
		forms++
	}
	if w.And != nil {
		forms++
	}
	if w.Or != nil {
		forms++
	}
	if w.Not != nil {
		forms++
	}
	if forms != 1 {
		return Condition{}, fmt.Errorf("%w: node must be exactly one of leaf, and, or, not", ErrInvalidCondition)
	}

	switch {
	case w.And != nil:
		return And(w.And...), nil
	case w.Or != nil:
		return Or(w.Or...), nil
	case w.Not != nil:
		return Not(*w.Not), nil
	default:
		return Leaf(w.Field, w.Op, w.Value), nil
	}
}

// MarshalJSON implements json.Marshaler.
func (c Condition) MarshalJSON() ([]byte, error) {
	return json.Marshal(c.toWire())
}

// UnmarshalJSON implements json.Unmarshaler. Numbers are kept as json.Number
// so thresholds keep their exact decimal form.
func (c *Condition) UnmarshalJSON(data []byte) error {
	if bytes.Equal(bytes.TrimSpace(data), []byte("null")) {
		*c = Condition{}
		return nil
	}
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	var w conditionWire
	if err := dec.Decode(&w); err != nil {
		return err
	}
	parsed, err := fromWire(w)
	if err != nil {
		return err
	}
	*c = parsed
	return nil
}

// MarshalYAML implements yaml.Marshaler.
func (c Condition) MarshalYAML() (interface{}, error) {
	return c.toWire(), nil
}

// UnmarshalYAML implements yaml.Unmarshaler.
func (c *Condition) UnmarshalYAML(node *yaml.Node) error {
	var w conditionWire
	if err := node.Decode(&w); err != nil {
		return err
	}
	parsed, err := fromWire(w)
	if err != nil {
		return fmt.Errorf("line %d: %w", node.Line, err)
	}
	*c = parsed
	return nil
}
