package testutils

import (
	"encoding/json"
	"fmt"
	"testing"

	"github.com/mcuadros/go-defaults"
	"github.com/yudai/gojsondiff"
	"github.com/yudai/gojsondiff/formatter"
)

// PresencePlaceholder in expected JSON matches any actual value for that key
const PresencePlaceholder = "<<PRESENCE>>"

type JSONAssertOptions struct {
	IgnoreExtraKeys          bool     `default:"true"`
	AllowPresencePlaceholder bool     `default:"true"`
	IgnoredFields            []string `default:""`
}

// JSONOption configures a JSONAsserter
type JSONOption func(*JSONAssertOptions)

// JSONAsserter compares JSON documents structurally and reports a readable diff
type JSONAsserter struct {
	t       *testing.T
	options JSONAssertOptions
}

func NewJSONAsserter(t *testing.T) *JSONAsserter {
	opts := JSONAssertOptions{}
	defaults.SetDefaults(&opts)
	return &JSONAsserter{t: t, options: opts}
}

func (ja *JSONAsserter) WithOptions(opts ...JSONOption) *JSONAsserter {
	for _, opt := range opts {
		opt(&ja.options)
	}
	return ja
}

// Assert fails the test when actualJSON does not match expectedJSON
func (ja *JSONAsserter) Assert(actualJSON, expectedJSON string) {
	ja.t.Helper()
	if diff := ja.Diff(actualJSON, expectedJSON); diff != "" {
		ja.t.Errorf("JSON assertion failed:\n%s", diff)
	}
}

// Diff returns an empty string when the documents match
func (ja *JSONAsserter) Diff(actualJSON, expectedJSON string) string {
	var expected, actual interface{}
	if err := json.Unmarshal([]byte(expectedJSON), &expected); err != nil {
		return fmt.Sprintf("invalid expected JSON: %v", err)
	}
	if err := json.Unmarshal([]byte(actualJSON), &actual); err != nil {
		return fmt.Sprintf("invalid actual JSON: %v", err)
	}

	// gojsondiff compares objects only
	if _, ok := expected.([]interface{}); ok {
		expected = map[string]interface{}{"array": expected}
		actual = map[string]interface{}{"array": actual}
	}

	for _, field := range ja.options.IgnoredFields {
		dropKey(expected, field)
		dropKey(actual, field)
	}
	walkPairs(expected, actual, func(exp, act map[string]interface{}) {
		for k, v := range exp {
			if s, ok := v.(string); ok && s == PresencePlaceholder && ja.options.AllowPresencePlaceholder {
				if av, present := act[k]; present {
					exp[k] = av
				}
			}
		}
		if ja.options.IgnoreExtraKeys {
			for k := range act {
				if _, ok := exp[k]; !ok {
					delete(act, k)
				}
			}
		}
	})

	expectedBytes, _ := json.Marshal(expected)
	actualBytes, _ := json.Marshal(actual)

	diff, err := gojsondiff.New().Compare(expectedBytes, actualBytes)
	if err != nil {
		return fmt.Sprintf("JSON comparison failed: %v", err)
	}
	if !diff.Modified() {
		return ""
	}

	f := formatter.NewAsciiFormatter(expected, formatter.AsciiFormatterConfig{ShowArrayIndex: true})
	out, _ := f.Format(diff)
	return out
}

func WithIgnoreExtraKeys(ignore bool) JSONOption {
	return func(o *JSONAssertOptions) { o.IgnoreExtraKeys = ignore }
}

func WithIgnoredFields(fields ...string) JSONOption {
	return func(o *JSONAssertOptions) { o.IgnoredFields = append(o.IgnoredFields, fields...) }
}

// MustJSON marshals v or panics
func MustJSON(v any) string {
	data, err := json.Marshal(v)
	if err != nil {
		panic(err)
	}
	return string(data)
}

// walkPairs calls fn for every pair of objects found at the same path in both trees
func walkPairs(expected, actual interface{}, fn func(exp, act map[string]interface{})) {
	switch exp := expected.(type) {
	case map[string]interface{}:
		act, ok := actual.(map[string]interface{})
		if !ok {
			return
		}
		fn(exp, act)
		for k, v := range exp {
			walkPairs(v, act[k], fn)
		}
	case []interface{}:
		act, ok := actual.([]interface{})
		if !ok {
			return
		}
		for i := range exp {
			if i < len(act) {
				walkPairs(exp[i], act[i], fn)
			}
		}
	}
}

func dropKey(v interface{}, key string) {
	switch t := v.(type) {
	case map[string]interface{}:
		delete(t, key)
		for _, child := range t {
			dropKey(child, key)
		}
	case []interface{}:
		for _, child := range t {
			dropKey(child, key)
		}
	}
}
