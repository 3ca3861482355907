package domain

import (
	"encoding/json"
	"fmt"
	"strings"
)

const ContentType = "application/json"

func Encode(o Order) ([]byte, error) {
	b, err := json.Marshal(o)
	if err != nil {
		return nil, fmt.Errorf("encode order %s: %w", o.ID, err)
	}
	return b, nil
}

// Decode parses a wire payload. Any failure is reported as ErrMalformedPayload.
func Decode(b []byte) (Order, error) {
	var o Order
	if err := json.Unmarshal(b, &o); err != nil {
		return Order{}, fmt.Errorf("%w: %v", ErrMalformedPayload, err)
	}
	if strings.TrimSpace(o.ID) == "" {
		return Order{}, fmt.Errorf("%w: missing id", ErrMalformedPayload)
	}
	if o.Status != "" && !o.Status.Valid() {
		return Order{}, fmt.Errorf("%w: unknown status %q", ErrMalformedPayload, o.Status)
	}
	return o, nil
}
