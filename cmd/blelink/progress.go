package main

import (
	"fmt"
	"io"
	"sync"
	"sync/atomic"
	"time"
)

const (
	progressUpdateInterval = 100 * time.Millisecond
	clearLineSequence      = "\r\033[K"
)

// progressPrinter keeps a single status line updated with the elapsed or
// remaining time. It is single-use: Start once, Stop any number of times.
type progressPrinter struct {
	w        io.Writer
	prefix   string
	duration time.Duration // countdown when > 0, elapsed time otherwise

	started atomic.Bool
	once    sync.Once
	stop    chan struct{}
	done    chan struct{}
}

func newProgressPrinter(w io.Writer, prefix string, duration time.Duration) *progressPrinter {
	return &progressPrinter{
		w:        w,
		prefix:   prefix,
		duration: duration,
		stop:     make(chan struct{}),
		done:     make(chan struct{}),
	}
}

// Start begins updating the status line in the background
func (p *progressPrinter) Start() {
	if !p.started.CompareAndSwap(false, true) {
		return
	}
	started := time.Now()
	fmt.Fprintf(p.w, "\r%s...   ", p.prefix)

	go func() {
		defer close(p.done)
		ticker := time.NewTicker(progressUpdateInterval)
		defer ticker.Stop()

		for {
			select {
			case <-p.stop:
				return
			case <-ticker.C:
				elapsed := time.Since(started)
				if p.duration > 0 {
					remaining := p.duration - elapsed
					if remaining < 0 {
						remaining = 0
					}
					// round to the nearest second
					fmt.Fprintf(p.w, "\r%s (%ds left)   ", p.prefix, int(remaining.Seconds()+0.5))
				} else {
					fmt.Fprintf(p.w, "\r%s (%ds)   ", p.prefix, int(elapsed.Seconds()))
				}
			}
		}
	}()
}

// Stop halts updates and clears the line
func (p *progressPrinter) Stop() {
	if !p.started.Load() {
		return
	}
	p.once.Do(func() {
		close(p.stop)
		<-p.done
		fmt.Fprint(p.w, clearLineSequence)
	})
}
