package normalizer

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
)

// Decode parses a raw webhook body. Numbers are kept as json.Number so
// large amounts survive without float rounding.
func Decode(r io.Reader) (interface{}, error) {
	dec := json.NewDecoder(r)
	dec.UseNumber()

	var payload interface{}
	if err := dec.Decode(&payload); err != nil {
		return nil, fmt.Errorf("invalid webhook payload: %w", err)
	}
	if dec.More() {
		return nil, fmt.Errorf("invalid webhook payload: trailing data")
	}
	return payload, nil
}

func DecodeBytes(body []byte) (interface{}, error) {
	return Decode(bytes.NewReader(body))
}
