package log

import (
	"io"

	"github.com/fxamacker/cbor/v2"
)

// .hlog files are a plain concatenation of CBOR-encoded events. Keys are
// sorted canonically and timestamps are RFC 3339 with nanoseconds, so the
// same event always encodes to the same bytes.
var (
	encMode = mustEncMode()
	decMode = mustDecMode()
)

func mustEncMode() cbor.EncMode {
	em, err := cbor.EncOptions{
		Sort:          cbor.SortCanonical,
		Time:          cbor.TimeRFC3339Nano,
		IndefLength:   cbor.IndefLengthForbidden,
		NilContainers: cbor.NilContainerAsNull,
	}.EncMode()
	if err != nil {
		panic("log: cbor encoder options: " + err.Error())
	}
	return em
}

func mustDecMode() cbor.DecMode {
	// Later duplicates win so hand-edited files still load.
	dm, err := cbor.DecOptions{
		DupMapKey:       cbor.DupMapKeyQuiet,
		MaxNestedLevels: 16,
	}.DecMode()
	if err != nil {
		panic("log: cbor decoder options: " + err.Error())
	}
	return dm
}

// EncodeEvent returns the CBOR encoding of event.
func EncodeEvent(event Event) ([]byte, error) {
	return encMode.Marshal(event)
}

// DecodeEvent decodes one CBOR-encoded event.
func DecodeEvent(data []byte) (Event, error) {
	var event Event
	err := decMode.Unmarshal(data, &event)
	return event, err
}

func newDecoder(r io.Reader) *cbor.Decoder {
	return decMode.NewDecoder(r)
}
