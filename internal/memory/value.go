// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package memory

import (
	"encoding/json"
	"fmt"
	"strconv"
)

// =============================================================================
// VALUE KIND
// =============================================================================

// Kind identifies the type of a stored value.
type Kind int

const (
	// KindText - free-form text (search results, model output, stdout)
	KindText Kind = iota

	// KindNumber - a single numeric value
	KindNumber

	// KindRecord - a structured JSON object
	KindRecord

	// KindFile - a reference to a file written by a step
	KindFile
)

// String returns the string representation of a value kind.
func (k Kind) String() string {
	switch k {
	case KindText:
		return "text"
	case KindNumber:
		return "number"
	case KindRecord:
		return "record"
	case KindFile:
		return "file"
	default:
		return "unknown"
	}
}

// MarshalText encodes the kind by name so snapshots stay readable.
func (k Kind) MarshalText() ([]byte, error) {
	if k < KindText || k > KindFile {
		return nil, fmt.Errorf("unknown value kind %d", int(k))
	}
	return []byte(k.String()), nil
}

// UnmarshalText decodes a kind name.
func (k *Kind) UnmarshalText(b []byte) error {
	kind, err := ParseKind(string(b))
	if err != nil {
		return err
	}
	*k = kind
	return nil
}

// ParseKind parses a kind name produced by Kind.String.
func ParseKind(s string) (Kind, error) {
	switch s {
	case "text":
		return KindText, nil
	case "number":
		return KindNumber, nil
	case "record":
		return KindRecord, nil
	case "file":
		return KindFile, nil
	default:
		return KindText, fmt.Errorf("unknown value kind %q", s)
	}
}

// =============================================================================
// VALUE
// =============================================================================

// Value is a typed Memory Bank payload. Exactly one of the payload fields is
// meaningful, selected by Kind.
type Value struct {
	Kind   Kind                   `json:"kind"`
	Text   string                 `json:"text,omitempty"`
	Number float64                `json:"number,omitempty"`
	Record map[string]interface{} `json:"record,omitempty"`
	File   string                 `json:"file,omitempty"`
}

// Text returns a text value.
func Text(s string) Value {
	return Value{Kind: KindText, Text: s}
}

// Number returns a numeric value.
func Number(f float64) Value {
	return Value{Kind: KindNumber, Number: f}
}

// FileRef returns a file reference value.
func FileRef(path string) Value {
	return Value{Kind: KindFile, File: path}
}

// NewRecord returns a record value. The map is normalized through JSON so that
// numbers become float64 and the value survives a snapshot round-trip unchanged.
func NewRecord(m map[string]interface{}) (Value, error) {
	rec, err := normalizeRecord(m)
	if err != nil {
		return Value{}, err
	}
	return Value{Kind: KindRecord, Record: rec}, nil
}

// RecordFromJSON parses a JSON object into a record value.
func RecordFromJSON(data []byte) (Value, error) {
	var m map[string]interface{}
	if err := json.Unmarshal(data, &m); err != nil {
		return Value{}, fmt.Errorf("record is not a JSON object: %w", err)
	}
	return NewRecord(m)
}

func normalizeRecord(m map[string]interface{}) (map[string]interface{}, error) {
	if len(m) == 0 {
		return nil, nil
	}
	data, err := json.Marshal(m)
	if err != nil {
		return nil, fmt.Errorf("record is not JSON-encodable: %w", err)
	}
	var out map[string]interface{}
	if err := json.Unmarshal(data, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// String renders the value for substitution into step parameters.
func (v Value) String() string {
	switch v.Kind {
	case KindNumber:
		return strconv.FormatFloat(v.Number, 'f', -1, 64)
	case KindRecord:
		if v.Record == nil {
			return "{}"
		}
		data, err := json.Marshal(v.Record)
		if err != nil {
			return fmt.Sprintf("%v", v.Record)
		}
		return string(data)
	case KindFile:
		return v.File
	default:
		return v.Text
	}
}

// IsZero reports whether v is the empty text value.
func (v Value) IsZero() bool {
	return v.Kind == KindText && v.Text == ""
}
