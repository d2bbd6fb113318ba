package evaluation

import (
	"context"
	"fmt"
	"strings"

	"github.com/harun/hostsession/pkg/host"
	"github.com/tidwall/gjson"
	"github.com/xeipuuv/gojsonschema"
)

// childrenSchema is the shape of describe_children() output. Field types
// are checked by Parse; the schema only guards the envelope.
const childrenSchema = `{
	"type": "array",
	"items": {
		"type": "object",
		"required": ["name"],
		"properties": {
			"name": {"type": "string"},
			"expression": {"type": "string"}
		}
	}
}`

var childrenSchemaLoader = gojsonschema.NewStringLoader(childrenSchema)

// Describe evaluates expr in env and returns its description.
func Describe(ctx context.Context, ev Evaluator, expr, env string, fields Fields, reprMaxLength int) (Result, error) {
	if env == "" {
		env = host.GlobalEnvironment
	}
	call := host.DescribeExpressionExpr(expr, env, fields.Names(), reprMaxLength)
	res, err := ev.Evaluate(ctx, call, host.KindJSON)
	if err != nil {
		return nil, err
	}
	raw, err := res.JSON(call)
	if err != nil {
		return nil, err
	}
	return Parse(raw, ParseOptions{Evaluator: ev, EnvironmentExpression: env})
}

// Children fetches the value's children from the host. maxLength limits how
// many are returned; negative means all. Results keep host order.
func (v *ValueResult) Children(ctx context.Context, fields Fields, maxLength, reprMaxLength int) ([]Result, error) {
	if v.evaluator == nil {
		return nil, fmt.Errorf("children of %q: %w", v.expression, host.ErrDetached)
	}

	call := host.DescribeChildrenExpr(v.expression, v.env, fields.Names(), maxLength, reprMaxLength)
	res, err := v.evaluator.Evaluate(ctx, call, host.KindJSON)
	if err != nil {
		return nil, err
	}
	raw, err := res.JSON(call)
	if err != nil {
		return nil, err
	}
	if err := validateChildren(raw); err != nil {
		return nil, err
	}

	opts := ParseOptions{Evaluator: v.evaluator, EnvironmentExpression: v.env}
	var (
		out      []Result
		parseErr error
	)
	gjson.ParseBytes(raw).ForEach(func(_, item gjson.Result) bool {
		child, err := Parse([]byte(item.Raw), opts)
		if err != nil {
			parseErr = err
			return false
		}
		out = append(out, child)
		return true
	})
	if parseErr != nil {
		return nil, parseErr
	}
	return out, nil
}

func validateChildren(raw []byte) error {
	result, err := gojsonschema.Validate(childrenSchemaLoader, gojsonschema.NewBytesLoader(raw))
	if err != nil {
		return host.NewProtocolError("children", "schema validation error: %v", err)
	}
	if !result.Valid() {
		msgs := make([]string, 0, len(result.Errors()))
		for _, e := range result.Errors() {
			msgs = append(msgs, e.String())
		}
		return host.NewProtocolError("children", "%s", strings.Join(msgs, "; "))
	}
	return nil
}
