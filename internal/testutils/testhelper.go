// Package testutils provides simulated BLE peripherals, mocks and assertion
// helpers shared by package tests.
package testutils

import (
	"bytes"
	"sync"
	"testing"

	"github.com/sirupsen/logrus"
)

type TestHelper struct {
	T      *testing.T
	Logger *logrus.Logger
	output *syncBuffer
}

// NewTestHelper creates a test helper whose debug-level logger writes to an in-memory buffer.
func NewTestHelper(t *testing.T) *TestHelper {
	out := &syncBuffer{}
	logger := logrus.New()
	logger.SetLevel(logrus.DebugLevel) // enable debug logs to track execution flow
	logger.SetOutput(out)
	logger.SetFormatter(&logrus.TextFormatter{DisableColors: true, DisableTimestamp: true})

	h := &TestHelper{T: t, Logger: logger, output: out}
	t.Cleanup(func() {
		if t.Failed() {
			t.Logf("captured log:\n%s", out.String())
		}
	})
	return h
}

// LogOutput returns everything logged so far
func (h *TestHelper) LogOutput() string {
	return h.output.String()
}

type syncBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *syncBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *syncBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}
