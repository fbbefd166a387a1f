// Package template resolves {{path}} tokens in node configuration before a
// handler sees it. Resolution is a pure function over the scope; no I/O.
package template

import (
	"encoding/json"
	"fmt"
	"regexp"
	"strconv"
	"strings"

	"github.com/aiinpocket/n3n/value"
)

// tokenPattern matches {{ path }} tokens. Paths are dotted identifiers with
// optional numeric segments for slice indexing.
var tokenPattern = regexp.MustCompile(`\{\{\s*([A-Za-z0-9_$][A-Za-z0-9_.\-$]*)\s*\}\}`)

// Scope is the lookup environment for token resolution.
type Scope struct {
	// Input is the node's merged upstream output, addressed as input.*
	Input value.Map
	// Nodes maps node id to that node's output, addressed as nodes.*
	Nodes map[string]value.Map
	// Trigger is the execution's trigger input, addressed as trigger.*
	Trigger value.Map
	// Env holds flow settings, addressed as env.*
	Env value.Map
}

// Resolve walks config and substitutes every {{path}} token against the
// scope. A string that is exactly one token is replaced by the referenced
// value with its type preserved; tokens embedded in a longer string render
// as text. Undefined paths resolve to null and never raise.
func Resolve(config value.Map, scope Scope) value.Map {
	if config == nil {
		return nil
	}
	out := make(value.Map, len(config))
	for k, v := range config {
		out[k] = resolveValue(v, scope)
	}
	return out
}

func resolveValue(v any, scope Scope) any {
	switch t := v.(type) {
	case string:
		return resolveString(t, scope)
	case value.Map:
		return Resolve(t, scope)
	case map[string]any:
		return Resolve(value.Normalize(t).(value.Map), scope)
	case []any:
		out := make([]any, len(t))
		for i, e := range t {
			out[i] = resolveValue(e, scope)
		}
		return out
	default:
		return t
	}
}

func resolveString(s string, scope Scope) any {
	matches := tokenPattern.FindAllStringSubmatchIndex(s, -1)
	if len(matches) == 0 {
		return s
	}

	// Whole-string token: substitute the raw value, preserving its type.
	if len(matches) == 1 && matches[0][0] == 0 && matches[0][1] == len(s) {
		v, _ := Lookup(s[matches[0][2]:matches[0][3]], scope)
		return v
	}

	var b strings.Builder
	last := 0
	for _, m := range matches {
		b.WriteString(s[last:m[0]])
		v, ok := Lookup(s[m[2]:m[3]], scope)
		if ok {
			b.WriteString(render(v))
		}
		// Undefined embedded tokens render as the empty string.
		last = m[1]
	}
	b.WriteString(s[last:])
	return b.String()
}

// Lookup resolves a dotted path against the scope. The first segment
// selects the namespace: input, nodes, trigger or env.
func Lookup(path string, scope Scope) (any, bool) {
	head, rest, _ := strings.Cut(path, ".")
	switch head {
	case "input":
		return lookupIn(scope.Input, rest)
	case "trigger":
		return lookupIn(scope.Trigger, rest)
	case "env":
		return lookupIn(scope.Env, rest)
	case "nodes":
		nodeID, nodePath, ok := strings.Cut(rest, ".")
		out, found := scope.Nodes[nodeID]
		if !found {
			return nil, false
		}
		if !ok {
			return out, true
		}
		return lookupIn(out, nodePath)
	default:
		return nil, false
	}
}

func lookupIn(m value.Map, path string) (any, bool) {
	if path == "" {
		if m == nil {
			return nil, false
		}
		return m, true
	}
	if m == nil {
		return nil, false
	}
	return m.GetPath(path)
}

// render converts a resolved value into its in-string representation.
func render(v any) string {
	switch t := v.(type) {
	case nil:
		return ""
	case string:
		return t
	case bool:
		return strconv.FormatBool(t)
	case float64:
		// Integral floats print without a decimal point.
		if t == float64(int64(t)) {
			return strconv.FormatInt(int64(t), 10)
		}
		return strconv.FormatFloat(t, 'f', -1, 64)
	default:
		data, err := json.Marshal(v)
		if err != nil {
			return fmt.Sprintf("%v", v)
		}
		return string(data)
	}
}
