package tracelog

import (
	"fmt"
	"io"

	"github.com/fxamacker/cbor/v2"
)

var (
	encMode cbor.EncMode
	decMode cbor.DecMode
)

func init() {
	var err error

	encMode, err = cbor.EncOptions{
		Sort:          cbor.SortCanonical,
		IndefLength:   cbor.IndefLengthForbidden,
		NilContainers: cbor.NilContainerAsNull,
		Time:          cbor.TimeRFC3339Nano,
	}.EncMode()
	if err != nil {
		panic(fmt.Sprintf("failed to create trace CBOR encoder mode: %v", err))
	}

	decMode, err = cbor.DecOptions{
		DupMapKey:   cbor.DupMapKeyQuiet,
		IndefLength: cbor.IndefLengthAllowed,
	}.DecMode()
	if err != nil {
		panic(fmt.Sprintf("failed to create trace CBOR decoder mode: %v", err))
	}
}

// Encode encodes a Record to CBOR bytes
func Encode(r Record) ([]byte, error) {
	return encMode.Marshal(r)
}

// Decode decodes CBOR bytes into a Record
func Decode(data []byte) (Record, error) {
	var r Record
	if err := decMode.Unmarshal(data, &r); err != nil {
		return Record{}, err
	}
	return r, nil
}

func newEncoder(w io.Writer) *cbor.Encoder {
	return encMode.NewEncoder(w)
}

func newDecoder(r io.Reader) *cbor.Decoder {
	return decMode.NewDecoder(r)
}
