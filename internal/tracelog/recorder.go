package tracelog

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"sync"
	"sync/atomic"

	"github.com/fxamacker/cbor/v2"
	"github.com/hedzr/go-ringbuf/v2/mpmc"
	"github.com/sirupsen/logrus"
	"github.com/srg/blelink/internal/events"
	"github.com/srg/blelink/internal/groutine"
)

// MaxBufferSize caps the in-memory record buffer
const MaxBufferSize uint32 = 1024 * 1024

// ErrClosed is returned by Flush after Close
var ErrClosed = errors.New("trace recorder is closed")

// Metrics counts recorder activity
type Metrics struct {
	Recorded    int64 // events accepted from the publisher
	Written     int64 // records encoded to the sink
	Overwritten int64 // records lost because the buffer was full
	Errors      int64 // encode or write failures
}

// Recorder is an events.Subscriber that appends every event to a CBOR sink.
// Handle never blocks the publisher: records go to an overlapped ring buffer
// drained by a background writer, so the oldest records are lost under burst.
type Recorder struct {
	logger *logrus.Logger
	buffer mpmc.RichOverlappedRingBuffer[Record]

	mu      sync.Mutex // guards encoder and sink
	encoder *cbor.Encoder
	sink    io.WriteCloser

	kick    chan struct{}
	cancel  context.CancelFunc
	done    <-chan struct{}
	closed  atomic.Bool
	metrics struct {
		recorded, written, overwritten, errors atomic.Int64
	}
}

// Create opens path for appending and starts a recorder on it
func Create(path string, bufferSize uint32, logger *logrus.Logger) (*Recorder, error) {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, fmt.Errorf("failed to open trace file: %w", err)
	}
	r, err := NewRecorder(f, bufferSize, logger)
	if err != nil {
		_ = f.Close()
		return nil, err
	}
	return r, nil
}

// NewRecorder starts a recorder writing to sink. The recorder owns sink and closes it on Close.
func NewRecorder(sink io.WriteCloser, bufferSize uint32, logger *logrus.Logger) (*Recorder, error) {
	if sink == nil {
		return nil, errors.New("trace sink cannot be nil")
	}
	if bufferSize == 0 {
		return nil, errors.New("buffer size must be > 0")
	}
	if bufferSize > MaxBufferSize {
		return nil, fmt.Errorf("buffer size %d exceeds maximum %d", bufferSize, MaxBufferSize)
	}
	if logger == nil {
		logger = logrus.New()
	}

	ctx, cancel := context.WithCancel(context.Background())
	r := &Recorder{
		logger:  logger,
		buffer:  mpmc.NewOverlappedRingBuffer[Record](bufferSize),
		encoder: newEncoder(sink),
		sink:    sink,
		kick:    make(chan struct{}, 1),
		cancel:  cancel,
	}
	r.done = groutine.Go(ctx, "trace-writer", r.run)
	return r, nil
}

// Handle implements events.Subscriber
func (r *Recorder) Handle(e events.Event) {
	if r.closed.Load() {
		return
	}

	overwrites, err := r.buffer.EnqueueM(NewRecord(e))
	if err != nil {
		r.metrics.errors.Add(1)
		r.logger.WithError(err).Warn("Failed to buffer trace record")
		return
	}
	r.metrics.recorded.Add(1)
	r.metrics.overwritten.Add(int64(overwrites))

	select {
	case r.kick <- struct{}{}:
	default:
	}
}

func (r *Recorder) run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-r.kick:
			if err := r.Flush(); err != nil && !errors.Is(err, ErrClosed) {
				r.logger.WithError(err).Warn("Failed to write trace records")
			}
		}
	}
}

// Flush writes all buffered records to the sink
func (r *Recorder) Flush() error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.encoder == nil {
		return ErrClosed
	}
	return r.drainLocked()
}

func (r *Recorder) drainLocked() error {
	var errs []error
	for !r.buffer.IsEmpty() {
		rec, err := r.buffer.Dequeue()
		if err != nil {
			break
		}
		if err := r.encoder.Encode(rec); err != nil {
			r.metrics.errors.Add(1)
			errs = append(errs, err)
			continue
		}
		r.metrics.written.Add(1)
	}
	return errors.Join(errs...)
}

// Close stops the writer, flushes what is buffered and closes the sink. It is idempotent.
func (r *Recorder) Close() error {
	if !r.closed.CompareAndSwap(false, true) {
		return nil
	}
	r.cancel()
	<-r.done

	r.mu.Lock()
	defer r.mu.Unlock()

	flushErr := r.drainLocked()
	r.encoder = nil
	closeErr := r.sink.Close()

	r.logger.WithFields(logrus.Fields{
		"written":     r.metrics.written.Load(),
		"overwritten": r.metrics.overwritten.Load(),
	}).Debug("Trace recorder closed")
	return errors.Join(flushErr, closeErr)
}

// Metrics returns a snapshot of the counters
func (r *Recorder) Metrics() Metrics {
	return Metrics{
		Recorded:    r.metrics.recorded.Load(),
		Written:     r.metrics.written.Load(),
		Overwritten: r.metrics.overwritten.Load(),
		Errors:      r.metrics.errors.Load(),
	}
}
