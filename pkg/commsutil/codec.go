package commsutil

import (
	"encoding/json"
	"errors"
	"fmt"
)

const codecLogPrefix = "commsutil:codec"

// EncodePayload serializes a message to JSON bytes.
func EncodePayload(v any) ([]byte, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("%s - failed to encode %T: %w", codecLogPrefix, v, err)
	}
	return data, nil
}

// DecodePayload deserializes JSON bytes into v. An empty payload is an error.
func DecodePayload(data []byte, v any) error {
	if len(data) == 0 {
		return errors.New(codecLogPrefix + " - empty payload")
	}
	if err := json.Unmarshal(data, v); err != nil {
		return fmt.Errorf("%s - failed to decode into %T: %w", codecLogPrefix, v, err)
	}
	return nil
}
