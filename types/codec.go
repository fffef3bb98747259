package types

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"reflect"
	"strconv"
	"unicode/utf16"
	"unicode/utf8"

	"github.com/fxamacker/cbor/v2"
)

// encMode uses Core Deterministic Encoding (RFC 8949 §4.2): sorted map keys,
// smallest integer encoding, no indefinite-length items. The same logical
// value always yields the same bytes, which hash preimages depend on.
var encMode cbor.EncMode

var decMode cbor.DecMode

func init() {
	var err error

	encOptions := cbor.CoreDetEncOptions()
	// Hash, Signature and MutationOp serialize as CBOR text via MarshalText.
	encOptions.TextMarshaler = cbor.TextMarshalerTextString
	// Keep nanoseconds; the default Unix encoding truncates to seconds.
	encOptions.Time = cbor.TimeRFC3339Nano
	encMode, err = encOptions.EncMode()
	if err != nil {
		panic("types: CBOR encoder initialization failed: " + err.Error())
	}

	decMode, err = cbor.DecOptions{
		DefaultMapType:  reflect.TypeOf(map[string]any(nil)),
		TextUnmarshaler: cbor.TextUnmarshalerTextString,
	}.DecMode()
	if err != nil {
		panic("types: CBOR decoder initialization failed: " + err.Error())
	}
}

// MarshalCBOR encodes v using Core Deterministic Encoding
func MarshalCBOR(v any) ([]byte, error) {
	return encMode.Marshal(v)
}

// UnmarshalCBOR decodes CBOR data into v
func UnmarshalCBOR(data []byte, v any) error {
	return decMode.Unmarshal(data, v)
}

// CanonicalJSON re-encodes a JSON document so that logically equal documents
// produce identical bytes: object keys sorted, no insignificant whitespace,
// numbers kept exactly as written, HTML characters left unescaped.
//
// Documents the decoder would silently rewrite are rejected: invalid UTF-8,
// unpaired surrogate escapes and duplicate object keys. Two different
// documents never share a canonical form.
func CanonicalJSON(raw []byte) ([]byte, error) {
	if len(bytes.TrimSpace(raw)) == 0 {
		return []byte("null"), nil
	}
	if !utf8.Valid(raw) {
		return nil, fmt.Errorf("canonical json: invalid UTF-8")
	}
	if err := checkSurrogates(raw); err != nil {
		return nil, err
	}
	if err := checkDuplicateKeys(raw); err != nil {
		return nil, err
	}

	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	var v any
	if err := dec.Decode(&v); err != nil {
		return nil, fmt.Errorf("canonical json: %w", err)
	}
	if dec.More() {
		return nil, fmt.Errorf("canonical json: trailing data after document")
	}

	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	// encoding/json writes map keys in sorted order.
	if err := enc.Encode(v); err != nil {
		return nil, fmt.Errorf("canonical json: %w", err)
	}
	return bytes.TrimSuffix(buf.Bytes(), []byte("\n")), nil
}

// checkSurrogates rejects \u escapes that decode to an unpaired UTF-16
// surrogate, which encoding/json would replace with U+FFFD
func checkSurrogates(raw []byte) error {
	for i := 0; i < len(raw); i++ {
		if raw[i] != '\\' {
			continue
		}
		r, ok := escapeAt(raw, i)
		if !ok {
			// any other escape, including \\, is two bytes
			i++
			continue
		}
		switch {
		case utf16.IsSurrogate(r) && r < 0xdc00:
			low, ok := escapeAt(raw, i+6)
			if !ok || low < 0xdc00 || low > 0xdfff {
				return fmt.Errorf("canonical json: unpaired surrogate at offset %d", i)
			}
			i += 11
		case utf16.IsSurrogate(r):
			return fmt.Errorf("canonical json: unpaired surrogate at offset %d", i)
		default:
			i += 5
		}
	}
	return nil
}

// escapeAt decodes a \uXXXX escape starting at raw[i]
func escapeAt(raw []byte, i int) (rune, bool) {
	if i+6 > len(raw) || raw[i] != '\\' || raw[i+1] != 'u' {
		return 0, false
	}
	v, err := strconv.ParseUint(string(raw[i+2:i+6]), 16, 16)
	if err != nil {
		return 0, false
	}
	return rune(v), true
}

// checkDuplicateKeys rejects objects that repeat a key at the same level.
// encoding/json keeps the last value, so a repeated key would hide bytes
// from the hash.
func checkDuplicateKeys(raw []byte) error {
	type level struct {
		keys      map[string]bool
		object    bool
		expectKey bool
	}
	var stack []*level

	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	for {
		tok, err := dec.Token()
		if err == io.EOF {
			return nil
		}
		if err != nil {
			return fmt.Errorf("canonical json: %w", err)
		}
		var top *level
		if len(stack) > 0 {
			top = stack[len(stack)-1]
		}

		if d, ok := tok.(json.Delim); ok {
			switch d {
			case '{', '[':
				if top != nil && top.object {
					top.expectKey = true
				}
				stack = append(stack, &level{keys: make(map[string]bool), object: d == '{', expectKey: d == '{'})
			case '}', ']':
				stack = stack[:len(stack)-1]
			}
			continue
		}

		if top == nil || !top.object {
			continue
		}
		if top.expectKey {
			key, _ := tok.(string)
			if top.keys[key] {
				return fmt.Errorf("canonical json: duplicate key %q", key)
			}
			top.keys[key] = true
			top.expectKey = false
			continue
		}
		top.expectKey = true
	}
}
