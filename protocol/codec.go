package protocol

import (
	"bytes"
	"encoding/json"
	"fmt"

	"github.com/blockberries/ledgerberry/types"
)

// Codec turns messages into bytes and back. Decoding validates the result.
type Codec interface {
	Name() string
	EncodeMessage(m Message) ([]byte, error)
	DecodeMessage(data []byte) (Message, error)
	EncodeResponse(r Response) ([]byte, error)
	DecodeResponse(data []byte) (Response, error)
}

// JSON is the reference encoding: {"type":"AnnounceCommit","commit":{...}}
var JSON Codec = jsonCodec{}

// CBOR is the compact deterministic encoding
var CBOR Codec = cborCodec{}

// CodecByName returns the codec called "json" or "cbor"
func CodecByName(name string) (Codec, error) {
	switch name {
	case "json", "":
		return JSON, nil
	case "cbor":
		return CBOR, nil
	}
	return nil, fmt.Errorf("unknown codec %q", name)
}

type jsonCodec struct{}

func (jsonCodec) Name() string { return "json" }

func (jsonCodec) EncodeMessage(m Message) ([]byte, error) {
	if err := m.Validate(); err != nil {
		return nil, err
	}
	return json.Marshal(m)
}

func (jsonCodec) DecodeMessage(data []byte) (Message, error) {
	var m Message
	if err := decodeJSONStrict(data, &m); err != nil {
		return Message{}, err
	}
	if err := m.Validate(); err != nil {
		return Message{}, err
	}
	return m, nil
}

func (jsonCodec) EncodeResponse(r Response) ([]byte, error) {
	if err := r.Validate(); err != nil {
		return nil, err
	}
	return json.Marshal(r)
}

func (jsonCodec) DecodeResponse(data []byte) (Response, error) {
	var r Response
	if err := decodeJSONStrict(data, &r); err != nil {
		return Response{}, err
	}
	if err := r.Validate(); err != nil {
		return Response{}, err
	}
	return r, nil
}

func decodeJSONStrict(data []byte, v any) error {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		return fmt.Errorf("%w: %v", types.ErrMalformedMessage, err)
	}
	if dec.More() {
		return fmt.Errorf("%w: trailing data", types.ErrMalformedMessage)
	}
	return nil
}

type cborCodec struct{}

func (cborCodec) Name() string { return "cbor" }

func (cborCodec) EncodeMessage(m Message) ([]byte, error) {
	if err := m.Validate(); err != nil {
		return nil, err
	}
	return types.MarshalCBOR(m)
}

func (cborCodec) DecodeMessage(data []byte) (Message, error) {
	var m Message
	if err := types.UnmarshalCBOR(data, &m); err != nil {
		return Message{}, fmt.Errorf("%w: %v", types.ErrMalformedMessage, err)
	}
	if err := m.Validate(); err != nil {
		return Message{}, err
	}
	return m, nil
}

func (cborCodec) EncodeResponse(r Response) ([]byte, error) {
	if err := r.Validate(); err != nil {
		return nil, err
	}
	return types.MarshalCBOR(r)
}

func (cborCodec) DecodeResponse(data []byte) (Response, error) {
	var r Response
	if err := types.UnmarshalCBOR(data, &r); err != nil {
		return Response{}, fmt.Errorf("%w: %v", types.ErrMalformedMessage, err)
	}
	if err := r.Validate(); err != nil {
		return Response{}, err
	}
	return r, nil
}
