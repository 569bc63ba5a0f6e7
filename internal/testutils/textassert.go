package testutils

import (
	"fmt"
	"strings"

	"github.com/hexops/gotextdiff"
	"github.com/hexops/gotextdiff/myers"
	"github.com/mcuadros/go-defaults"
)

// TestingT is the subset of testing.T the asserters need
type TestingT interface {
	Errorf(format string, args ...interface{})
}

type TextAssertOptions struct {
	TrimSpace                bool `default:"true"`
	IgnoreTrailingWhitespace bool `default:"true"`
	IgnoreEmptyLines         bool `default:"false"`
}

// TextOption configures a TextAsserter
type TextOption func(*TextAssertOptions)

// TextAsserter compares multi-line output and reports a unified diff
type TextAsserter struct {
	t       TestingT
	options TextAssertOptions
}

func NewTextAsserter(t TestingT) *TextAsserter {
	opts := TextAssertOptions{}
	defaults.SetDefaults(&opts)
	return &TextAsserter{t: t, options: opts}
}

func (ta *TextAsserter) WithOptions(opts ...TextOption) *TextAsserter {
	for _, opt := range opts {
		opt(&ta.options)
	}
	return ta
}

// Assert fails the test when actual and expected differ after normalization
func (ta *TextAsserter) Assert(actual, expected string) {
	if diff := ta.Diff(actual, expected); diff != "" {
		ta.t.Errorf("Text assertion failed - unified diff:\n%s", diff)
	}
}

// Diff returns an empty string when the texts match
func (ta *TextAsserter) Diff(actual, expected string) string {
	a, e := ta.normalize(actual), ta.normalize(expected)
	if a == e {
		return ""
	}
	edits := myers.ComputeEdits("", e, a)
	return fmt.Sprint(gotextdiff.ToUnified("expected", "actual", e, edits))
}

func (ta *TextAsserter) normalize(text string) string {
	if ta.options.TrimSpace {
		text = strings.TrimSpace(text)
	}
	var lines []string
	for _, line := range strings.Split(text, "\n") {
		if ta.options.IgnoreTrailingWhitespace {
			line = strings.TrimRight(line, " \t\r")
		}
		if ta.options.IgnoreEmptyLines && strings.TrimSpace(line) == "" {
			continue
		}
		lines = append(lines, line)
	}
	return strings.Join(lines, "\n") + "\n"
}

func WithIgnoreEmptyLines(ignore bool) TextOption {
	return func(o *TextAssertOptions) { o.IgnoreEmptyLines = ignore }
}

func WithTrimSpace(trim bool) TextOption {
	return func(o *TextAssertOptions) { o.TrimSpace = trim }
}
