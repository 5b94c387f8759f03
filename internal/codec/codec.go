// Package codec serializes cache values to a canonical text form.
//
// Decimal fields are rendered as exact decimal strings and timestamps as
// RFC3339 strings so money values round-trip losslessly. Payloads above
// CompressThreshold are s2-compressed behind a sentinel tag, letting readers
// distinguish compressed from raw bytes without external metadata.
package codec

import (
	"bytes"
	"encoding/json"

	"github.com/klauspost/compress/s2"
)

// CompressThreshold is the encoded size above which payloads are compressed.
const CompressThreshold = 512

var compressTag = []byte("s2:")

// Marshal encodes v as canonical JSON, compressing oversized payloads.
func Marshal(v any) ([]byte, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	if len(raw) <= CompressThreshold {
		return raw, nil
	}
	enc := s2.Encode(nil, raw)
	out := make([]byte, 0, len(compressTag)+len(enc))
	out = append(out, compressTag...)
	return append(out, enc...), nil
}

// Unmarshal decodes data produced by Marshal into v.
func Unmarshal(data []byte, v any) error {
	plain, err := expand(data)
	if err != nil {
		return err
	}
	return json.Unmarshal(plain, v)
}

// Decode dynamically decodes a blob into a map, reinterpreting every string
// that parses as an exact decimal into a Number. The heuristic must be
// applied on every read path whose write path used Marshal, or financial
// fields silently stay strings. Empty or corrupt blobs yield (nil, false),
// which callers treat as a cache miss.
func Decode(data []byte) (map[string]any, bool) {
	if len(data) == 0 {
		return nil, false
	}
	plain, err := expand(data)
	if err != nil {
		return nil, false
	}
	dec := json.NewDecoder(bytes.NewReader(plain))
	dec.UseNumber()
	var m map[string]any
	if err := dec.Decode(&m); err != nil {
		return nil, false
	}
	out, _ := reinterpret(m).(map[string]any)
	return out, out != nil
}

func expand(data []byte) ([]byte, error) {
	if !bytes.HasPrefix(data, compressTag) {
		return data, nil
	}
	return s2.Decode(nil, data[len(compressTag):])
}

func reinterpret(v any) any {
	switch vv := v.(type) {
	case map[string]any:
		for k, elem := range vv {
			vv[k] = reinterpret(elem)
		}
		return vv
	case []any:
		for i, elem := range vv {
			vv[i] = reinterpret(elem)
		}
		return vv
	case string:
		if n, err := ParseNumber(vv); err == nil {
			return n
		}
		return vv
	case json.Number:
		if n, err := ParseNumber(vv.String()); err == nil {
			return n
		}
		return vv
	default:
		return v
	}
}
