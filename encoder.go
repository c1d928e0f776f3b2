package docrelay

import (
	"encoding/json"

	"github.com/bytedance/sonic"
)

// Encoder serializes task records and broker payloads. Stores and engines
// accept an implementation so deployments can swap the wire format.
type Encoder interface {
	// Encode serializes a value to bytes.
	Encode(any) ([]byte, error)
	// Decode deserializes bytes to a value.
	Decode([]byte, any) error
}

// JSONEncoder is the default Encoder. It encodes with the standard library
// and decodes with sonic: task records are read far more often than written
// (status polls, cancellation checks at item boundaries), so the decode path
// gets the fast parser.
type JSONEncoder struct{}

// Encode serializes a value to JSON using the standard library.
func (*JSONEncoder) Encode(v any) ([]byte, error) {
	return json.Marshal(v)
}

// Decode deserializes JSON bytes using sonic.
func (*JSONEncoder) Decode(data []byte, v any) error {
	return sonic.Unmarshal(data, v)
}

// defaultEncoder fills in the Encoder of a config that left it nil.
func defaultEncoder(enc Encoder) Encoder {
	if enc == nil {
		return &JSONEncoder{}
	}
	return enc
}

// decodeTask parses a stored task record.
func decodeTask(enc Encoder, raw []byte) (*Task, error) {
	var t Task
	if err := enc.Decode(raw, &t); err != nil {
		return nil, err
	}
	return &t, nil
}
