// Package query decodes the query wrapper carried in relay payloads.
//
// A payload is a protobuf queryMessage whose field 1 is the JSON command
// list and whose repeated field 2 holds binary blobs. The relay never
// interprets a command; it only needs the key names of the first command
// object to drive subscriber filters.
package query

import (
	"bytes"
	"errors"
	"fmt"

	"github.com/buger/jsonparser"
	"google.golang.org/protobuf/encoding/protowire"
)

const (
	jsonField protowire.Number = 1
	blobField protowire.Number = 2
)

// ErrNoCommand is returned when a JSON body holds no command object.
var ErrNoCommand = errors.New("query holds no command object")

// Message is a decoded query wrapper.
type Message struct {
	JSON  []byte
	Blobs [][]byte
}

// Encode serializes m into the wire form of a queryMessage.
func Encode(m Message) []byte {
	var b []byte
	if len(m.JSON) > 0 {
		b = protowire.AppendTag(b, jsonField, protowire.BytesType)
		b = protowire.AppendBytes(b, m.JSON)
	}
	for _, blob := range m.Blobs {
		b = protowire.AppendTag(b, blobField, protowire.BytesType)
		b = protowire.AppendBytes(b, blob)
	}
	return b
}

// Decode parses a queryMessage. Unknown fields are skipped.
func Decode(payload []byte) (Message, error) {
	var m Message
	for len(payload) > 0 {
		num, typ, n := protowire.ConsumeTag(payload)
		if n < 0 {
			return Message{}, fmt.Errorf("decode tag: %w", protowire.ParseError(n))
		}
		payload = payload[n:]

		switch {
		case num == jsonField && typ == protowire.BytesType:
			v, n := protowire.ConsumeBytes(payload)
			if n < 0 {
				return Message{}, fmt.Errorf("decode json field: %w", protowire.ParseError(n))
			}
			m.JSON = v
			payload = payload[n:]
		case num == blobField && typ == protowire.BytesType:
			v, n := protowire.ConsumeBytes(payload)
			if n < 0 {
				return Message{}, fmt.Errorf("decode blob field: %w", protowire.ParseError(n))
			}
			m.Blobs = append(m.Blobs, v)
			payload = payload[n:]
		default:
			n := protowire.ConsumeFieldValue(num, typ, payload)
			if n < 0 {
				return Message{}, fmt.Errorf("skip field %d: %w", num, protowire.ParseError(n))
			}
			payload = payload[n:]
		}
	}
	return m, nil
}

// TopLevelKeys returns the key names of the first command object in body.
// body is either a JSON array of command objects or a single object.
func TopLevelKeys(body []byte) ([]string, error) {
	body = bytes.TrimSpace(body)
	if len(body) == 0 {
		return nil, ErrNoCommand
	}

	obj := body
	switch body[0] {
	case '[':
		first, typ, _, err := jsonparser.Get(body, "[0]")
		if errors.Is(err, jsonparser.KeyPathNotFoundError) {
			return nil, ErrNoCommand
		} else if err != nil {
			return nil, fmt.Errorf("read first command: %w", err)
		}
		if typ != jsonparser.Object {
			return nil, fmt.Errorf("first command is %s, not an object", typ)
		}
		obj = first
	case '{':
	default:
		return nil, fmt.Errorf("query body must be an array or object")
	}

	var keys []string
	if err := jsonparser.ObjectEach(obj, func(key []byte, _ []byte, _ jsonparser.ValueType, _ int) error {
		keys = append(keys, string(key))
		return nil
	}); err != nil {
		return nil, fmt.Errorf("read command keys: %w", err)
	}
	if len(keys) == 0 {
		return nil, ErrNoCommand
	}
	return keys, nil
}

// Keys decodes payload and returns the key names of its first command.
func Keys(payload []byte) ([]string, error) {
	m, err := Decode(payload)
	if err != nil {
		return nil, err
	}
	return TopLevelKeys(m.JSON)
}
