// Package codec serializes protocol messages for the bus. Every actor in a
// deployment must use the same codec; JSON is the default.
package codec

import (
	"fmt"
	"strings"
)

// Codec marshals typed messages.
type Codec interface {
	ContentType() string
	Marshal(v any) ([]byte, error)
	Unmarshal(data []byte, v any) error
}

// Names accepted by Lookup.
const (
	NameJSON = "json"
	NameCBOR = "cbor"
)

// Lookup returns the codec registered under name. The empty name selects JSON.
func Lookup(name string) (Codec, error) {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "", NameJSON, "application/json":
		return JSON(), nil
	case NameCBOR, "application/cbor":
		return CBOR()
	default:
		return nil, fmt.Errorf("codec: unknown codec %q", name)
	}
}

// Default is the codec used when none is configured.
func Default() Codec { return JSON() }
