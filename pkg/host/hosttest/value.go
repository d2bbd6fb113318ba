package hosttest

import (
	"encoding/json"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"sync"
)

// Values are plain Go types:
//
//	nil          NULL
//	float64      numeric scalar
//	string       character scalar
//	bool         logical scalar
//	[]float64    numeric vector
//	[]string     character vector
//	*listValue   generic vector, optionally named
//	*closure     user function
//	*env         environment
//	rawJSON      structured helper result
type value interface{}

type rawJSON json.RawMessage

type listValue struct {
	names []string
	items []value
}

type closure struct {
	params []string
	body   []stmt
	text   string
	file   string
	env    *env
}

type env struct {
	mu     sync.RWMutex
	name   string
	parent *env
	vars   map[string]value
}

func newEnv(name string, parent *env) *env {
	return &env{name: name, parent: parent, vars: make(map[string]value)}
}

func (e *env) lookup(name string) (value, bool) {
	for cur := e; cur != nil; cur = cur.parent {
		cur.mu.RLock()
		v, ok := cur.vars[name]
		cur.mu.RUnlock()
		if ok {
			return v, true
		}
	}
	return nil, false
}

func (e *env) set(name string, v value) {
	e.mu.Lock()
	e.vars[name] = v
	e.mu.Unlock()
}

func (e *env) names() []string {
	e.mu.RLock()
	defer e.mu.RUnlock()
	out := make([]string, 0, len(e.vars))
	for name := range e.vars {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}

func formatNumber(v float64) string {
	return strconv.FormatFloat(v, 'g', -1, 64)
}

func typeName(v value) string {
	switch v.(type) {
	case nil:
		return "NULL"
	case float64, []float64:
		return "double"
	case string, []string:
		return "character"
	case bool:
		return "logical"
	case *listValue:
		return "list"
	case *closure:
		return "closure"
	case *env:
		return "environment"
	default:
		return "raw"
	}
}

func className(v value) string {
	switch v.(type) {
	case float64, []float64:
		return "numeric"
	case *closure:
		return "function"
	default:
		return typeName(v)
	}
}

func length(v value) int {
	switch x := v.(type) {
	case nil:
		return 0
	case []float64:
		return len(x)
	case []string:
		return len(x)
	case *listValue:
		return len(x.items)
	case *env:
		return len(x.names())
	default:
		return 1
	}
}

func isAtomic(v value) bool {
	switch v.(type) {
	case float64, []float64, string, []string, bool:
		return true
	}
	return false
}

// deparse renders v as source text.
func deparse(v value) string {
	switch x := v.(type) {
	case nil:
		return "NULL"
	case float64:
		return formatNumber(x)
	case string:
		return strconv.Quote(x)
	case bool:
		if x {
			return "TRUE"
		}
		return "FALSE"
	case []float64:
		parts := make([]string, len(x))
		for i, f := range x {
			parts[i] = formatNumber(f)
		}
		return "c(" + strings.Join(parts, ", ") + ")"
	case []string:
		parts := make([]string, len(x))
		for i, s := range x {
			parts[i] = strconv.Quote(s)
		}
		return "c(" + strings.Join(parts, ", ") + ")"
	case *listValue:
		parts := make([]string, len(x.items))
		for i, item := range x.items {
			if x.names != nil && x.names[i] != "" {
				parts[i] = x.names[i] + " = " + deparse(item)
			} else {
				parts[i] = deparse(item)
			}
		}
		return "list(" + strings.Join(parts, ", ") + ")"
	case *closure:
		return x.text
	case *env:
		return "<environment>"
	case rawJSON:
		return string(x)
	}
	return fmt.Sprint(v)
}

// str renders the compact structure summary of v.
func str(v value) string {
	switch x := v.(type) {
	case nil:
		return " NULL"
	case float64:
		return " num " + formatNumber(x)
	case string:
		return " chr " + strconv.Quote(x)
	case bool:
		return " logi " + deparse(x)
	case []float64:
		parts := make([]string, len(x))
		for i, f := range x {
			parts[i] = formatNumber(f)
		}
		return fmt.Sprintf(" num [1:%d] %s", len(x), strings.Join(parts, " "))
	case []string:
		parts := make([]string, len(x))
		for i, s := range x {
			parts[i] = strconv.Quote(s)
		}
		return fmt.Sprintf(" chr [1:%d] %s", len(x), strings.Join(parts, " "))
	case *listValue:
		return fmt.Sprintf("List of %d", len(x.items))
	case *closure:
		return "function (" + strings.Join(x.params, ", ") + ")  "
	case *env:
		return "<environment>"
	}
	return deparse(v)
}

// toString renders v the way as.character/paste would.
func toString(v value) string {
	switch x := v.(type) {
	case nil:
		return ""
	case float64:
		return formatNumber(x)
	case string:
		return x
	case []float64:
		parts := make([]string, len(x))
		for i, f := range x {
			parts[i] = formatNumber(f)
		}
		return strings.Join(parts, ", ")
	case []string:
		return strings.Join(x, ", ")
	}
	return deparse(v)
}

// printed renders v as the console would echo it.
func printed(v value) string {
	switch x := v.(type) {
	case nil:
		return "NULL"
	case float64, string, bool:
		return "[1] " + deparse(x)
	case []float64:
		parts := make([]string, len(x))
		for i, f := range x {
			parts[i] = formatNumber(f)
		}
		return "[1] " + strings.Join(parts, " ")
	case []string:
		parts := make([]string, len(x))
		for i, s := range x {
			parts[i] = strconv.Quote(s)
		}
		return "[1] " + strings.Join(parts, " ")
	case *listValue:
		var b strings.Builder
		for i, item := range x.items {
			if x.names != nil && x.names[i] != "" {
				fmt.Fprintf(&b, "$%s\n", x.names[i])
			} else {
				fmt.Fprintf(&b, "[[%d]]\n", i+1)
			}
			b.WriteString(printed(item))
			b.WriteString("\n\n")
		}
		return strings.TrimRight(b.String(), "\n")
	}
	return deparse(v)
}

// toJSON converts v to its structured form.
func toJSON(v value) json.RawMessage {
	if raw, ok := v.(rawJSON); ok {
		return json.RawMessage(raw)
	}
	var out interface{}
	switch x := v.(type) {
	case float64, string, bool, []float64, []string:
		out = x
	case *listValue:
		if x.names == nil {
			items := make([]json.RawMessage, len(x.items))
			for i, item := range x.items {
				items[i] = toJSON(item)
			}
			out = items
		} else {
			fields := make(map[string]json.RawMessage, len(x.items))
			for i, item := range x.items {
				fields[x.names[i]] = toJSON(item)
			}
			out = fields
		}
	case nil:
		out = nil
	default:
		out = deparse(v)
	}
	data, err := json.Marshal(out)
	if err != nil {
		return json.RawMessage("null")
	}
	return data
}

// child is one element of a composite value.
type child struct {
	name       string
	expression string
	value      value
}

// children lists the elements of v, which was produced by expr.
func children(expr string, v value) []child {
	switch x := v.(type) {
	case []float64:
		if len(x) < 2 {
			return nil
		}
		out := make([]child, len(x))
		for i, f := range x {
			out[i] = child{name: fmt.Sprintf("[[%d]]", i+1), expression: fmt.Sprintf("%s[[%d]]", expr, i+1), value: f}
		}
		return out
	case []string:
		if len(x) < 2 {
			return nil
		}
		out := make([]child, len(x))
		for i, s := range x {
			out[i] = child{name: fmt.Sprintf("[[%d]]", i+1), expression: fmt.Sprintf("%s[[%d]]", expr, i+1), value: s}
		}
		return out
	case *listValue:
		out := make([]child, len(x.items))
		for i, item := range x.items {
			if x.names != nil && x.names[i] != "" {
				out[i] = child{name: x.names[i], expression: fmt.Sprintf("%s[[%s]]", expr, strconv.Quote(x.names[i])), value: item}
			} else {
				out[i] = child{name: fmt.Sprintf("[[%d]]", i+1), expression: fmt.Sprintf("%s[[%d]]", expr, i+1), value: item}
			}
		}
		return out
	case *env:
		names := x.names()
		out := make([]child, 0, len(names))
		for _, name := range names {
			item, _ := x.lookup(name)
			out = append(out, child{name: name, expression: name, value: item})
		}
		return out
	}
	return nil
}
