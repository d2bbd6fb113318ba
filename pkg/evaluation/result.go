// Package evaluation turns the host's structured description of a binding
// into typed results that can be expanded lazily.
package evaluation

import (
	"context"
	"fmt"

	"github.com/harun/hostsession/pkg/host"
	"github.com/tidwall/gjson"
)

// Evaluator runs expressions against the host. Session and Evaluation turns
// both satisfy it.
type Evaluator interface {
	Evaluate(ctx context.Context, expr string, kind host.EvaluationKind) (*host.EvaluationResult, error)
}

// Result is one of ErrorResult, PromiseResult, ActiveBindingResult or
// *ValueResult.
type Result interface {
	Name() string
	Expression() string
	EnvironmentExpression() string
	isResult()
}

type base struct {
	name       string
	expression string
	env        string
}

func (b base) Name() string                  { return b.name }
func (b base) Expression() string            { return b.expression }
func (b base) EnvironmentExpression() string { return b.env }
func (base) isResult()                       {}

// ErrorResult reports that evaluating the binding raised an error.
type ErrorResult struct {
	base
	Message string
}

// PromiseResult is an unevaluated promise; Code is its source.
type PromiseResult struct {
	base
	Code string
}

// ActiveBindingResult is a binding backed by a function. It is never
// evaluated eagerly since doing so may have side effects.
type ActiveBindingResult struct {
	base
}

// Flag describes structural properties of a value.
type Flag int

const (
	FlagAtomic Flag = 1 << iota
	FlagRecursive
	FlagHasParentEnvironment
)

var flagNames = map[string]Flag{
	"atomic":         FlagAtomic,
	"recursive":      FlagRecursive,
	"has_parent_env": FlagHasParentEnvironment,
}

// Representation holds the textual renderings computed by the host.
type Representation struct {
	Deparse  string
	Str      string
	ToString string
}

// ValueResult is a concrete value. It keeps the evaluator and environment it
// came from so its children can be fetched on demand.
type ValueResult struct {
	base
	TypeName       string
	Classes        []string
	Length         int
	SlotCount      int
	AttributeCount int
	NameCount      int
	Dimensions     []int
	Representation Representation
	Flags          Flag

	evaluator Evaluator
}

// Has reports whether all flags in f are set.
func (v *ValueResult) Has(f Flag) bool {
	return v.Flags&f == f
}

// HasChildren reports whether the value can be expanded. Atomic vectors and
// closures of length one are leaves.
func (v *ValueResult) HasChildren() bool {
	if v.SlotCount > 0 {
		return true
	}
	if v.Has(FlagAtomic) || v.TypeName == "closure" {
		return v.Length > 1
	}
	return v.Length > 0
}

// Detach drops the evaluator, for results that outlive their frame.
func (v *ValueResult) Detach() {
	v.evaluator = nil
}

// ParseOptions carries what the host response does not: where the value
// lives and how to reach it again.
type ParseOptions struct {
	Evaluator             Evaluator
	EnvironmentExpression string
}

// Parse converts one host description into a Result. Discriminators are
// checked in order: error, promise, active binding, value. Anything that does
// not fit the contract is a *host.ProtocolError.
func Parse(raw []byte, opts ParseOptions) (Result, error) {
	if !gjson.ValidBytes(raw) {
		return nil, host.NewProtocolError("", "invalid JSON in evaluation result")
	}
	doc := gjson.ParseBytes(raw)
	if !doc.IsObject() {
		return nil, host.NewProtocolError("", "evaluation result is %s, not an object", doc.Type)
	}

	var err error
	b := base{env: opts.EnvironmentExpression}
	if b.name, err = optionalString(doc, "name"); err != nil {
		return nil, err
	}
	if b.expression, err = optionalString(doc, "expression"); err != nil {
		return nil, err
	}
	if b.expression == "" {
		b.expression = b.name
	}

	if f := doc.Get("error"); f.Exists() {
		if f.Type != gjson.String {
			return nil, host.NewProtocolError("error", "expected string, got %s", f.Type)
		}
		return &ErrorResult{base: b, Message: f.String()}, nil
	}
	if f := doc.Get("promise"); f.Exists() {
		if f.Type != gjson.String {
			return nil, host.NewProtocolError("promise", "expected string, got %s", f.Type)
		}
		return &PromiseResult{base: b, Code: f.String()}, nil
	}
	if f := doc.Get("active_binding"); f.Exists() {
		if !f.IsBool() {
			return nil, host.NewProtocolError("active_binding", "expected boolean, got %s", f.Type)
		}
		if f.Bool() {
			return &ActiveBindingResult{base: b}, nil
		}
	}

	return parseValue(doc, b, opts)
}

func parseValue(doc gjson.Result, b base, opts ParseOptions) (*ValueResult, error) {
	typ := doc.Get("type")
	if !typ.Exists() {
		return nil, host.NewProtocolError("type", "value has no type and no other discriminator")
	}
	if typ.Type != gjson.String {
		return nil, host.NewProtocolError("type", "expected string, got %s", typ.Type)
	}

	v := &ValueResult{base: b, TypeName: typ.String(), evaluator: opts.Evaluator}
	var err error
	if v.Classes, err = optionalStrings(doc, "classes"); err != nil {
		return nil, err
	}
	if v.Length, err = optionalInt(doc, "length"); err != nil {
		return nil, err
	}
	if v.SlotCount, err = optionalInt(doc, "slot_count"); err != nil {
		return nil, err
	}
	if v.AttributeCount, err = optionalInt(doc, "attribute_count"); err != nil {
		return nil, err
	}
	if v.NameCount, err = optionalInt(doc, "name_count"); err != nil {
		return nil, err
	}
	if v.Dimensions, err = optionalInts(doc, "dimensions"); err != nil {
		return nil, err
	}

	if repr := doc.Get("representation"); repr.Exists() {
		if !repr.IsObject() {
			return nil, host.NewProtocolError("representation", "expected object, got %s", repr.Type)
		}
		if v.Representation.Deparse, err = optionalString(repr, "deparse"); err != nil {
			return nil, err
		}
		if v.Representation.Str, err = optionalString(repr, "str"); err != nil {
			return nil, err
		}
		if v.Representation.ToString, err = optionalString(repr, "to_string"); err != nil {
			return nil, err
		}
	}

	flags, err := optionalStrings(doc, "flags")
	if err != nil {
		return nil, err
	}
	for _, name := range flags {
		f, ok := flagNames[name]
		if !ok {
			return nil, host.NewProtocolError("flags", "unknown flag %q", name)
		}
		v.Flags |= f
	}
	return v, nil
}

func optionalString(doc gjson.Result, field string) (string, error) {
	f := doc.Get(field)
	if !f.Exists() {
		return "", nil
	}
	if f.Type != gjson.String {
		return "", host.NewProtocolError(field, "expected string, got %s", f.Type)
	}
	return f.String(), nil
}

func optionalInt(doc gjson.Result, field string) (int, error) {
	f := doc.Get(field)
	if !f.Exists() {
		return 0, nil
	}
	if f.Type != gjson.Number || float64(f.Int()) != f.Float() {
		return 0, host.NewProtocolError(field, "expected integer, got %s", f.Raw)
	}
	return int(f.Int()), nil
}

func optionalStrings(doc gjson.Result, field string) ([]string, error) {
	f := doc.Get(field)
	if !f.Exists() {
		return nil, nil
	}
	if !f.IsArray() {
		return nil, host.NewProtocolError(field, "expected array, got %s", f.Type)
	}
	items := f.Array()
	out := make([]string, 0, len(items))
	for i, item := range items {
		if item.Type != gjson.String {
			return nil, host.NewProtocolError(fmt.Sprintf("%s[%d]", field, i), "expected string, got %s", item.Type)
		}
		out = append(out, item.String())
	}
	return out, nil
}

func optionalInts(doc gjson.Result, field string) ([]int, error) {
	f := doc.Get(field)
	if !f.Exists() {
		return nil, nil
	}
	if !f.IsArray() {
		return nil, host.NewProtocolError(field, "expected array, got %s", f.Type)
	}
	items := f.Array()
	out := make([]int, 0, len(items))
	for i, item := range items {
		if item.Type != gjson.Number || float64(item.Int()) != item.Float() {
			return nil, host.NewProtocolError(fmt.Sprintf("%s[%d]", field, i), "expected integer, got %s", item.Raw)
		}
		out = append(out, int(item.Int()))
	}
	return out, nil
}
