package backplane

import (
	"fmt"

	"github.com/fxamacker/cbor/v2"
)

// Envelopes travel as deterministic CBOR. Timestamps keep nanosecond
// precision so receivers observe the exact record the store returned.
var (
	encMode cbor.EncMode
	decMode cbor.DecMode
)

func init() {
	var err error

	encOptions := cbor.CoreDetEncOptions()
	encOptions.Time = cbor.TimeRFC3339Nano
	encMode, err = encOptions.EncMode()
	if err != nil {
		panic("backplane: CBOR encoder initialization failed: " + err.Error())
	}

	decMode, err = cbor.DecOptions{}.DecMode()
	if err != nil {
		panic("backplane: CBOR decoder initialization failed: " + err.Error())
	}
}

// Encode serialises env for transport.
func Encode(env Envelope) ([]byte, error) {
	data, err := encMode.Marshal(env)
	if err != nil {
		return nil, fmt.Errorf("backplane: encode envelope: %w", err)
	}
	return data, nil
}

// Decode parses data produced by Encode.
func Decode(data []byte) (Envelope, error) {
	var env Envelope
	if err := decMode.Unmarshal(data, &env); err != nil {
		return Envelope{}, fmt.Errorf("backplane: decode envelope: %w", err)
	}
	return env, nil
}
