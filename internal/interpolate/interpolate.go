// Package interpolate substitutes {{name}} placeholders in parameter templates
// with values from an execution context.
package interpolate

import (
	"bytes"
	"encoding/json"
	"fmt"
	"reflect"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog"
)

// placeholderPattern matches {{ identifier }}; braces are not allowed inside.
var placeholderPattern = regexp.MustCompile(`\{\{([^{}]*)\}\}`)

// Interpolator renders templates against a context map. It is stateless apart
// from its logger and safe for concurrent use.
type Interpolator struct {
	logger zerolog.Logger
}

// New returns an Interpolator that reports unmatched placeholders at debug level.
func New(logger zerolog.Logger) *Interpolator {
	return &Interpolator{logger: logger.With().Str("component", "interpolate").Logger()}
}

var std = &Interpolator{logger: zerolog.Nop()}

// Interpolate replaces every {{identifier}} in template with the string form
// of vars[identifier]. Placeholders whose identifier is absent from vars are
// left verbatim so a later stage can fill them.
func (i *Interpolator) Interpolate(template string, vars map[string]any) string {
	if !strings.Contains(template, "{{") {
		return template
	}
	return placeholderPattern.ReplaceAllStringFunc(template, func(match string) string {
		name := strings.TrimSpace(match[2 : len(match)-2])
		if name == "" {
			i.logger.Debug().Str("placeholder", match).Msg("Empty placeholder left untouched")
			return match
		}
		v, ok := lookup(vars, name)
		if !ok {
			i.logger.Debug().Str("variable", name).Msg("Variable not in context, leaving placeholder")
			return match
		}
		return Stringify(v)
	})
}

// InterpolateObject returns a copy of obj with every string leaf interpolated.
// Nested maps are walked; other leaf types are copied unchanged.
func (i *Interpolator) InterpolateObject(obj map[string]any, vars map[string]any) map[string]any {
	if obj == nil {
		return nil
	}
	out := make(map[string]any, len(obj))
	for k, v := range obj {
		switch tv := v.(type) {
		case string:
			out[k] = i.Interpolate(tv, vars)
		case map[string]any:
			out[k] = i.InterpolateObject(tv, vars)
		case map[string]string:
			m := make(map[string]string, len(tv))
			for mk, mv := range tv {
				m[mk] = i.Interpolate(mv, vars)
			}
			out[k] = m
		default:
			out[k] = v
		}
	}
	return out
}

// HasVariables reports whether template contains at least one placeholder.
func HasVariables(template string) bool {
	for _, m := range placeholderPattern.FindAllStringSubmatch(template, -1) {
		if strings.TrimSpace(m[1]) != "" {
			return true
		}
	}
	return false
}

// ExtractVariableNames returns the distinct placeholder identifiers in
// template, in order of first appearance.
func ExtractVariableNames(template string) []string {
	matches := placeholderPattern.FindAllStringSubmatch(template, -1)
	names := make([]string, 0, len(matches))
	seen := make(map[string]struct{}, len(matches))
	for _, m := range matches {
		name := strings.TrimSpace(m[1])
		if name == "" {
			continue
		}
		if _, dup := seen[name]; dup {
			continue
		}
		seen[name] = struct{}{}
		names = append(names, name)
	}
	return names
}

// Unresolved lists the placeholder identifiers in template that vars cannot fill.
func Unresolved(template string, vars map[string]any) []string {
	var missing []string
	for _, name := range ExtractVariableNames(template) {
		if _, ok := lookup(vars, name); !ok {
			missing = append(missing, name)
		}
	}
	return missing
}

// Interpolate renders template with a silent default Interpolator.
func Interpolate(template string, vars map[string]any) string {
	return std.Interpolate(template, vars)
}

// InterpolateObject renders obj with a silent default Interpolator.
func InterpolateObject(obj map[string]any, vars map[string]any) map[string]any {
	return std.InterpolateObject(obj, vars)
}

// lookup resolves name directly, then as a dotted path through nested maps.
func lookup(vars map[string]any, name string) (any, bool) {
	if v, ok := vars[name]; ok {
		return v, true
	}
	if !strings.Contains(name, ".") {
		return nil, false
	}
	var cur any = vars
	for _, part := range strings.Split(name, ".") {
		m, ok := cur.(map[string]any)
		if !ok {
			return nil, false
		}
		if cur, ok = m[part]; !ok {
			return nil, false
		}
	}
	return cur, true
}

// Stringify converts a context value to its template form: nil becomes "",
// numbers and booleans use their canonical form, maps and slices become JSON.
func Stringify(v any) string {
	switch tv := v.(type) {
	case nil:
		return ""
	case string:
		return tv
	case []byte:
		return string(tv)
	case bool:
		return strconv.FormatBool(tv)
	case int:
		return strconv.Itoa(tv)
	case int8, int16, int32, int64:
		return strconv.FormatInt(reflect.ValueOf(tv).Int(), 10)
	case uint, uint8, uint16, uint32, uint64:
		return strconv.FormatUint(reflect.ValueOf(tv).Uint(), 10)
	case float32:
		return strconv.FormatFloat(float64(tv), 'f', -1, 32)
	case float64:
		return strconv.FormatFloat(tv, 'f', -1, 64)
	case json.Number:
		return tv.String()
	case time.Time:
		return tv.UTC().Format(time.RFC3339)
	case fmt.Stringer:
		return tv.String()
	case error:
		return tv.Error()
	}

	rv := reflect.ValueOf(v)
	switch rv.Kind() {
	case reflect.Ptr, reflect.Interface:
		if rv.IsNil() {
			return ""
		}
		return Stringify(rv.Elem().Interface())
	case reflect.Map, reflect.Slice, reflect.Array, reflect.Struct:
		if (rv.Kind() == reflect.Map || rv.Kind() == reflect.Slice) && rv.IsNil() {
			return "null"
		}
		return toJSON(v)
	default:
		return fmt.Sprint(v)
	}
}

func toJSON(v any) string {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(v); err != nil {
		return fmt.Sprint(v)
	}
	return strings.TrimRight(buf.String(), "\n")
}
