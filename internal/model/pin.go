package model

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
)

// PinAlgorithmScrypt is the only KDF used for new PIN verifiers
const PinAlgorithmScrypt = "scrypt"

// ErrUnknownPinParams is returned when stored PIN params match no known format
var ErrUnknownPinParams = errors.New("unknown pin params format")

// PinParams is the KDF metadata stored next to a PIN hash. It is either
// ScryptParams (structured) or LegacyPinParams (opaque string written by
// older clients).
type PinParams interface {
	pinParams()
}

// ScryptParams is the structured PIN params form
type ScryptParams struct {
	Algorithm string `json:"algorithm"`
	N         int    `json:"N"`
	R         int    `json:"r"`
	P         int    `json:"p"`
	KeyLen    int    `json:"keylen"`
}

// LegacyPinParams is the older "N:r:p[:keylen]" form, stored as a JSON string
type LegacyPinParams string

func (ScryptParams) pinParams()    {}
func (LegacyPinParams) pinParams() {}

// PinVerifier is everything needed to verify a PIN offline or online.
// Hash and Salt are base64 encoded.
type PinVerifier struct {
	Hash   string    `json:"hash"`
	Salt   string    `json:"salt"`
	Params PinParams `json:"params"`
}

// DecodePinParams decodes the JSON value of the pin params column. A JSON
// object decodes to ScryptParams and a JSON string to LegacyPinParams.
func DecodePinParams(raw []byte) (PinParams, error) {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 {
		return nil, ErrUnknownPinParams
	}

	switch raw[0] {
	case '{':
		var p ScryptParams
		if err := json.Unmarshal(raw, &p); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrUnknownPinParams, err)
		}
		return p, nil
	case '"':
		var s string
		if err := json.Unmarshal(raw, &s); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrUnknownPinParams, err)
		}
		return LegacyPinParams(s), nil
	default:
		return nil, ErrUnknownPinParams
	}
}

// EncodePinParams encodes params for the pin params column
func EncodePinParams(p PinParams) ([]byte, error) {
	switch v := p.(type) {
	case ScryptParams:
		return json.Marshal(v)
	case LegacyPinParams:
		return json.Marshal(string(v))
	default:
		return nil, ErrUnknownPinParams
	}
}

// MarshalJSON encodes the verifier with its params in column form
func (v PinVerifier) MarshalJSON() ([]byte, error) {
	params, err := EncodePinParams(v.Params)
	if err != nil {
		return nil, err
	}
	return json.Marshal(struct {
		Hash   string          `json:"hash"`
		Salt   string          `json:"salt"`
		Params json.RawMessage `json:"params"`
	}{v.Hash, v.Salt, params})
}

// UnmarshalJSON decodes a verifier written by MarshalJSON
func (v *PinVerifier) UnmarshalJSON(data []byte) error {
	var aux struct {
		Hash   string          `json:"hash"`
		Salt   string          `json:"salt"`
		Params json.RawMessage `json:"params"`
	}
	if err := json.Unmarshal(data, &aux); err != nil {
		return err
	}
	params, err := DecodePinParams(aux.Params)
	if err != nil {
		return err
	}
	v.Hash, v.Salt, v.Params = aux.Hash, aux.Salt, params
	return nil
}
