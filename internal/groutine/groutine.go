// Package groutine starts named goroutines. The name is attached as a pprof
// label so goroutine profiles of a busy session stay readable.
package groutine

import (
	"context"
	"fmt"
	"runtime/pprof"

	"github.com/sirupsen/logrus"
)

const labelKey = "goroutine"

type nameKey struct{}

// Go runs fn on a new goroutine labelled name. A nil ctx means context.Background().
// The returned channel is closed once fn returns.
func Go(ctx context.Context, name string, fn func(ctx context.Context)) <-chan struct{} {
	if ctx == nil {
		ctx = context.Background()
	}
	done := make(chan struct{})

	go pprof.Do(ctx, pprof.Labels(labelKey, name), func(ctx context.Context) {
		defer close(done)
		fn(context.WithValue(ctx, nameKey{}, name))
	})
	return done
}

// Supervised is Go with panic recovery: a panic in fn is logged with the
// goroutine name and converted into an error passed to onPanic, if set.
func Supervised(ctx context.Context, logger *logrus.Logger, name string, fn func(ctx context.Context), onPanic func(error)) <-chan struct{} {
	if logger == nil {
		logger = logrus.New()
	}
	return Go(ctx, name, func(ctx context.Context) {
		defer func() {
			r := recover()
			if r == nil {
				return
			}
			err := fmt.Errorf("goroutine %s panicked: %v", name, r)
			logger.WithFields(logrus.Fields{
				"goroutine": name,
				"panic":     r,
			}).Error("Goroutine panicked")
			if onPanic != nil {
				onPanic(err)
			}
		}()
		fn(ctx)
	})
}

// Name returns the name given to the goroutine that owns ctx, or "" outside one.
func Name(ctx context.Context) string {
	if ctx == nil {
		return ""
	}
	name, _ := ctx.Value(nameKey{}).(string)
	return name
}
