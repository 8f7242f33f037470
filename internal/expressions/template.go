package expressions

import (
	"bytes"
	"encoding/json"
	"fmt"
	"math"
	"regexp"
	"strconv"
)

// templateRef matches a {{name}} reference. Names are word characters only.
var templateRef = regexp.MustCompile(`\{\{(\w+)\}\}`)

// Substitute replaces every {{name}} in template with the bound variable.
// References with no binding are left verbatim.
func Substitute(template string, variables map[string]any) string {
	if len(variables) == 0 || !templateRef.MatchString(template) {
		return template
	}
	return templateRef.ReplaceAllStringFunc(template, func(token string) string {
		name := token[2 : len(token)-2]
		val, ok := variables[name]
		if !ok {
			return token
		}
		return marshalInline(val)
	})
}

// SubstituteMap applies Substitute to every value of m. Keys are untouched.
func SubstituteMap(m map[string]string, variables map[string]any) map[string]string {
	out := make(map[string]string, len(m))
	for k, v := range m {
		out[k] = Substitute(v, variables)
	}
	return out
}

// References returns the distinct variable names template refers to, in order
// of first appearance.
func References(template string) []string {
	matches := templateRef.FindAllStringSubmatch(template, -1)
	if len(matches) == 0 {
		return nil
	}
	seen := make(map[string]bool, len(matches))
	names := make([]string, 0, len(matches))
	for _, m := range matches {
		if !seen[m[1]] {
			seen[m[1]] = true
			names = append(names, m[1])
		}
	}
	return names
}

// marshalInline renders a variable for embedding in a string. Strings are
// written as-is, numbers in shortest decimal form, and composite values as
// compact JSON.
func marshalInline(val any) string {
	switch v := val.(type) {
	case string:
		return v
	case nil:
		return "null"
	case bool:
		return strconv.FormatBool(v)
	case json.Number:
		return v.String()
	case float64:
		return formatFloat(v)
	case float32:
		return formatFloat(float64(v))
	case int:
		return strconv.Itoa(v)
	case int64:
		return strconv.FormatInt(v, 10)
	case json.RawMessage:
		return string(v)
	case fmt.Stringer:
		return v.String()
	default:
		var buf bytes.Buffer
		enc := json.NewEncoder(&buf)
		enc.SetEscapeHTML(false)
		if err := enc.Encode(v); err != nil {
			return fmt.Sprintf("%v", v)
		}
		return string(bytes.TrimRight(buf.Bytes(), "\n"))
	}
}

func formatFloat(f float64) string {
	switch {
	case math.IsNaN(f):
		return "NaN"
	case math.IsInf(f, 1):
		return "Infinity"
	case math.IsInf(f, -1):
		return "-Infinity"
	}
	if abs := math.Abs(f); abs != 0 && (abs >= 1e21 || abs < 1e-6) {
		return strconv.FormatFloat(f, 'g', -1, 64)
	}
	return strconv.FormatFloat(f, 'f', -1, 64)
}
