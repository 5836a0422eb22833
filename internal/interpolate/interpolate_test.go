package interpolate

import (
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
)

func TestInterpolate_Basic(t *testing.T) {
	assert.Equal(t, "Hello John!", Interpolate("Hello {{name}}!", map[string]any{"name": "John"}))
}

func TestInterpolate_MissingLeftVerbatim(t *testing.T) {
	got := Interpolate("Hello {{name}} and {{missing}}!", map[string]any{"name": "John"})
	assert.Equal(t, "Hello John and {{missing}}!", got)
}

func TestInterpolate_NilBecomesEmpty(t *testing.T) {
	assert.Equal(t, "Value: ", Interpolate("Value: {{value}}", map[string]any{"value": nil}))
}

func TestInterpolate_TrimsIdentifier(t *testing.T) {
	assert.Equal(t, "hi Ada", Interpolate("hi {{  name }}", map[string]any{"name": "Ada"}))
}

func TestInterpolate_ValueKinds(t *testing.T) {
	vars := map[string]any{
		"count":  42,
		"ratio":  1.5,
		"whole":  float64(3),
		"big":    int64(9007199254740993),
		"ok":     true,
		"tags":   []string{"a", "b"},
		"author": map[string]any{"login": "octo", "id": 7},
		"html":   "<b>&</b>",
		"when":   time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC),
	}

	assert.Equal(t, "42", Interpolate("{{count}}", vars))
	assert.Equal(t, "1.5", Interpolate("{{ratio}}", vars))
	assert.Equal(t, "3", Interpolate("{{whole}}", vars))
	assert.Equal(t, "9007199254740993", Interpolate("{{big}}", vars))
	assert.Equal(t, "true", Interpolate("{{ok}}", vars))
	assert.Equal(t, `["a","b"]`, Interpolate("{{tags}}", vars))
	assert.Equal(t, `{"id":7,"login":"octo"}`, Interpolate("{{author}}", vars))
	assert.Equal(t, "<b>&</b>", Interpolate("{{html}}", vars))
	assert.Equal(t, "2024-05-01T12:00:00Z", Interpolate("{{when}}", vars))
}

func TestInterpolate_DottedPath(t *testing.T) {
	vars := map[string]any{"author": map[string]any{"login": "octo"}}
	assert.Equal(t, "by octo", Interpolate("by {{author.login}}", vars))
	assert.Equal(t, "by {{author.email}}", Interpolate("by {{author.email}}", vars))
}

func TestInterpolate_NoPlaceholders(t *testing.T) {
	assert.Equal(t, "plain text", Interpolate("plain text", nil))
	assert.Equal(t, "{{}} stays", Interpolate("{{}} stays", map[string]any{"": "x"}))
}

func TestInterpolate_TotalSubstitution(t *testing.T) {
	templates := []string{
		"{{a}}",
		"{{a}}{{b}}",
		"x {{ a }} y {{b}} z {{a}}",
		"{{{a}}}",
	}
	vars := map[string]any{"a": "1", "b": 2}
	for _, tmpl := range templates {
		got := Interpolate(tmpl, vars)
		assert.False(t, strings.Contains(got, "{{") && strings.Contains(got, "}}"), "template %q rendered %q", tmpl, got)
	}
}

func TestInterpolate_PartialSafety(t *testing.T) {
	tmpl := "{{name}} / {{missing}}"
	base := map[string]any{"name": "John"}
	superset := map[string]any{"name": "John", "other": "x", "more": 1}
	assert.Equal(t, Interpolate(tmpl, base), Interpolate(tmpl, superset))
}

func TestInterpolate_WithLogger(t *testing.T) {
	i := New(zerolog.Nop())
	assert.Equal(t, "a {{b}}", i.Interpolate("a {{b}}", map[string]any{}))
}

func TestHasVariables(t *testing.T) {
	assert.True(t, HasVariables("Hi {{name}}"))
	assert.False(t, HasVariables("Hi name"))
	assert.False(t, HasVariables("Hi {{ }}"))
	assert.False(t, HasVariables("Hi {name}"))
}

func TestExtractVariableNames(t *testing.T) {
	assert.Equal(t, []string{"name"}, ExtractVariableNames("{{name}} said {{name}} again"))
	assert.Equal(t, []string{"b", "a"}, ExtractVariableNames("{{ b }} {{a}} {{b}}"))
	assert.Empty(t, ExtractVariableNames("nothing here"))
}

func TestUnresolved(t *testing.T) {
	vars := map[string]any{"title": "x", "empty": nil}
	assert.Equal(t, []string{"body"}, Unresolved("{{title}} {{body}} {{empty}}", vars))
	assert.Empty(t, Unresolved("{{title}}", vars))
}

func TestInterpolateObject(t *testing.T) {
	obj := map[string]any{
		"title": "New commit {{sha}}",
		"count": 3,
		"flag":  false,
		"list":  []any{"{{sha}}"},
		"nested": map[string]any{
			"body":  "by {{author}}",
			"depth": map[string]any{"leaf": "{{sha}}"},
		},
		"headers": map[string]string{"X-Sha": "{{sha}}"},
	}
	vars := map[string]any{"sha": "abc123", "author": "octo"}

	out := InterpolateObject(obj, vars)

	assert.Equal(t, "New commit abc123", out["title"])
	assert.Equal(t, 3, out["count"])
	assert.Equal(t, false, out["flag"])
	assert.Equal(t, []any{"{{sha}}"}, out["list"])
	nested := out["nested"].(map[string]any)
	assert.Equal(t, "by octo", nested["body"])
	assert.Equal(t, "abc123", nested["depth"].(map[string]any)["leaf"])
	assert.Equal(t, "abc123", out["headers"].(map[string]string)["X-Sha"])

	// source untouched
	assert.Equal(t, "New commit {{sha}}", obj["title"])
	assert.Nil(t, InterpolateObject(nil, vars))
}

func TestStringify(t *testing.T) {
	var nilMap map[string]any
	var nilPtr *int
	n := 5
	assert.Equal(t, "", Stringify(nil))
	assert.Equal(t, "null", Stringify(nilMap))
	assert.Equal(t, "", Stringify(nilPtr))
	assert.Equal(t, "5", Stringify(&n))
	assert.Equal(t, "7", Stringify(uint16(7)))
	assert.Equal(t, "-0.25", Stringify(float32(-0.25)))
}
