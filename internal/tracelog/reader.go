package tracelog

import (
	"errors"
	"io"
	"os"

	"github.com/fxamacker/cbor/v2"
	"github.com/srg/blelink/internal/events"
)

// Filter selects records by kind or peer. Empty fields match everything.
type Filter struct {
	Kinds   []events.Kind
	Address string
}

func (f Filter) matches(r Record) bool {
	if f.Address != "" && r.Address != f.Address {
		return false
	}
	if len(f.Kinds) == 0 {
		return true
	}
	kind, err := r.EventKind()
	if err != nil {
		return false
	}
	for _, k := range f.Kinds {
		if k == kind {
			return true
		}
	}
	return false
}

// Reader streams records from a trace
type Reader struct {
	closer  io.Closer
	decoder *cbor.Decoder
	filter  Filter
}

// Open opens a trace file for reading
func Open(path string, filter Filter) (*Reader, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	r := NewReader(f, filter)
	r.closer = f
	return r, nil
}

// NewReader reads records from src
func NewReader(src io.Reader, filter Filter) *Reader {
	return &Reader{decoder: newDecoder(src), filter: filter}
}

// Next returns the next record matching the filter, or io.EOF
func (r *Reader) Next() (Record, error) {
	for {
		var rec Record
		if err := r.decoder.Decode(&rec); err != nil {
			if errors.Is(err, io.EOF) {
				return Record{}, io.EOF
			}
			return Record{}, err
		}
		if r.filter.matches(rec) {
			return rec, nil
		}
	}
}

// ReadAll returns every remaining matching record
func (r *Reader) ReadAll() ([]Record, error) {
	var out []Record
	for {
		rec, err := r.Next()
		if errors.Is(err, io.EOF) {
			return out, nil
		}
		if err != nil {
			return out, err
		}
		out = append(out, rec)
	}
}

// Close closes the underlying file if the reader opened it
func (r *Reader) Close() error {
	if r.closer == nil {
		return nil
	}
	return r.closer.Close()
}
