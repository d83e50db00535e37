// Package render substitutes {key} and {{key}} placeholders in notification
// templates.
package render

import (
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"
)

// Render replaces every {key} and {{key}} token with ctx[key]. Keys are made
// of letters, digits, '_' and '.'. Unknown keys render as the empty string.
// Braces that do not form a token are copied through.
func Render(tpl string, ctx map[string]string) string {
	var b strings.Builder
	b.Grow(len(tpl))
	for i := 0; i < len(tpl); {
		if tpl[i] != '{' {
			b.WriteByte(tpl[i])
			i++
			continue
		}
		if key, n, ok := token(tpl[i:]); ok {
			b.WriteString(ctx[key])
			i += n
			continue
		}
		b.WriteByte('{')
		i++
	}
	return b.String()
}

// token matches {{key}} or {key} at the start of s and returns the key and
// the number of bytes consumed.
func token(s string) (string, int, bool) {
	if strings.HasPrefix(s, "{{") {
		if k := keyLen(s[2:]); k > 0 && strings.HasPrefix(s[2+k:], "}}") {
			return s[2 : 2+k], k + 4, true
		}
	}
	if k := keyLen(s[1:]); k > 0 && strings.HasPrefix(s[1+k:], "}") {
		return s[1 : 1+k], k + 2, true
	}
	return "", 0, false
}

func keyLen(s string) int {
	n := 0
	for n < len(s) && isKeyByte(s[n]) {
		n++
	}
	return n
}

func isKeyByte(c byte) bool {
	return c == '_' || c == '.' ||
		('a' <= c && c <= 'z') || ('A' <= c && c <= 'Z') || ('0' <= c && c <= '9')
}

// Keys lists the distinct placeholder keys used by tpl in order of first use.
func Keys(tpl string) []string {
	var out []string
	seen := map[string]bool{}
	for i := 0; i < len(tpl); {
		if tpl[i] == '{' {
			if key, n, ok := token(tpl[i:]); ok {
				if !seen[key] {
					seen[key] = true
					out = append(out, key)
				}
				i += n
				continue
			}
		}
		i++
	}
	return out
}

// Flatten turns a nested value map into a rendering context. Nested map keys
// are joined with '.'.
func Flatten(in map[string]any) map[string]string {
	out := make(map[string]string, len(in))
	flattenInto(out, "", in)
	return out
}

func flattenInto(out map[string]string, prefix string, in map[string]any) {
	for k, v := range in {
		key := k
		if prefix != "" {
			key = prefix + "." + k
		}
		if nested, ok := v.(map[string]any); ok {
			flattenInto(out, key, nested)
			continue
		}
		out[key] = String(v)
	}
}

// String formats a single context value.
func String(v any) string {
	switch x := v.(type) {
	case nil:
		return ""
	case string:
		return x
	case time.Time:
		return x.Format(time.RFC3339)
	case *time.Time:
		if x == nil {
			return ""
		}
		return x.Format(time.RFC3339)
	case float64:
		return strconv.FormatFloat(x, 'f', -1, 64)
	case float32:
		return strconv.FormatFloat(float64(x), 'f', -1, 32)
	case bool:
		return strconv.FormatBool(x)
	case []any:
		parts := make([]string, len(x))
		for i, e := range x {
			parts[i] = String(e)
		}
		return strings.Join(parts, ", ")
	case []string:
		return strings.Join(x, ", ")
	case map[string]any:
		keys := make([]string, 0, len(x))
		for k := range x {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		parts := make([]string, len(keys))
		for i, k := range keys {
			parts[i] = k + "=" + String(x[k])
		}
		return strings.Join(parts, ", ")
	case fmt.Stringer:
		return x.String()
	}
	return fmt.Sprint(v)
}
