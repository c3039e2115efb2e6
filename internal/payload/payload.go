// Package payload defines the polymorphic data envelope that flows between
// pipeline stages. A Payload is cheap to copy: every variant wraps either a
// Go slice/string (already a reference type under assignment) or an escape
// hatch any value, so copying a Payload never duplicates the backing buffer.
package payload

import (
	"encoding/json"
	"fmt"
)

// Kind discriminates the variant currently held by a Payload.
type Kind int

const (
	// KindNone is the zero value: a Payload carrying no data.
	KindNone Kind = iota
	KindBytes
	KindF32
	KindText
	KindJSON
	KindAny
)

func (k Kind) String() string {
	switch k {
	case KindNone:
		return "None"
	case KindBytes:
		return "Bytes"
	case KindF32:
		return "F32"
	case KindText:
		return "Text"
	case KindJSON:
		return "Json"
	case KindAny:
		return "Any"
	default:
		return "Unknown"
	}
}

// Payload is a tagged union over the shapes of data a stage may produce or
// consume. The zero value is the None variant.
type Payload struct {
	kind  Kind
	bytes []byte
	f32   []float32
	text  string
	json  json.RawMessage
	any   any
}

// None returns the empty Payload variant.
func None() Payload {
	return Payload{kind: KindNone}
}

// Bytes wraps a byte slice. The caller must not mutate b after passing it in.
func Bytes(b []byte) Payload {
	return Payload{kind: KindBytes, bytes: b}
}

// F32 wraps a float32 slice. The caller must not mutate f after passing it in.
func F32(f []float32) Payload {
	return Payload{kind: KindF32, f32: f}
}

// Text wraps a UTF-8 string.
func Text(s string) Payload {
	return Payload{kind: KindText, text: s}
}

// JSON marshals v and wraps the result as a structured JSON payload.
func JSON(v any) (Payload, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return Payload{}, fmt.Errorf("payload: marshal json: %w", err)
	}
	return Payload{kind: KindJSON, json: raw}, nil
}

// RawJSON wraps an already-encoded JSON document without re-marshaling it.
func RawJSON(raw json.RawMessage) Payload {
	return Payload{kind: KindJSON, json: raw}
}

// Any wraps an arbitrary value for escape-hatch use between cooperating
// stages that share a private contract.
func Any(v any) Payload {
	return Payload{kind: KindAny, any: v}
}

// Kind reports which variant p currently holds.
func (p Payload) Kind() Kind {
	return p.kind
}

func typeError(want Kind, got Kind) error {
	return fmt.Errorf("payload: type error: expected %s variant, got %s", want, got)
}

// ToBytes returns the wrapped byte slice, or a type-mismatch error.
func (p Payload) ToBytes() ([]byte, error) {
	if p.kind != KindBytes {
		return nil, typeError(KindBytes, p.kind)
	}
	return p.bytes, nil
}

// ToF32Slice returns the wrapped float32 slice, or a type-mismatch error.
func (p Payload) ToF32Slice() ([]float32, error) {
	if p.kind != KindF32 {
		return nil, typeError(KindF32, p.kind)
	}
	return p.f32, nil
}

// ToString returns the wrapped string, or a type-mismatch error.
func (p Payload) ToString() (string, error) {
	if p.kind != KindText {
		return "", typeError(KindText, p.kind)
	}
	return p.text, nil
}

// ToJSON unmarshals the wrapped JSON document into v.
func (p Payload) ToJSON(v any) error {
	if p.kind != KindJSON {
		return typeError(KindJSON, p.kind)
	}
	return json.Unmarshal(p.json, v)
}

// ToRawJSON returns the wrapped JSON document without decoding it.
func (p Payload) ToRawJSON() (json.RawMessage, error) {
	if p.kind != KindJSON {
		return nil, typeError(KindJSON, p.kind)
	}
	return p.json, nil
}

// ToAny returns the wrapped escape-hatch value, or a type-mismatch error.
func (p Payload) ToAny() (any, error) {
	if p.kind != KindAny {
		return nil, typeError(KindAny, p.kind)
	}
	return p.any, nil
}

// IsNone reports whether p holds no data.
func (p Payload) IsNone() bool {
	return p.kind == KindNone
}
