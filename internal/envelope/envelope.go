// Package envelope defines the two message shapes that travel through the
// runtime and their wire codec.
//
// The client envelope (PALM) is the end-to-end shape: it carries the
// application payload plus routing metadata that intermediate nodes must
// never touch. The broker envelope is the minimal (key, payload) pair used
// on every internal link; the broker itself only ever sees this shape.
//
// Both encodings are deterministic tagged binary records built on the
// protobuf wire format: varint tags, length-delimited strings and bytes.
// Fields with tags this package does not know are preserved verbatim and
// re-emitted on marshal, so envelopes survive round trips through older
// and newer nodes unchanged.
package envelope

import (
	"errors"
	"fmt"
	"sort"

	"github.com/google/uuid"
	"google.golang.org/protobuf/encoding/protowire"
)

// Field tags of the client envelope record.
const (
	clientTagClient   = 1
	clientTagPipeline = 2
	clientTagFunction = 3
	clientTagStage    = 4
	clientTagPayload  = 5
	clientTagCacheKey = 6
	clientTagMetadata = 7
)

// Field tags of the broker envelope record.
const (
	brokerTagKey     = 1
	brokerTagPayload = 2
)

// Field tags of a metadata entry (nested record).
const (
	metaTagKey   = 1
	metaTagValue = 2
)

// ErrMalformed is returned when envelope bytes cannot be parsed.
var ErrMalformed = errors.New("envelope: malformed message")

// Client is the PALM envelope. Only Payload is rewritten by the runtime;
// every other field, including unknown tags, survives a round trip
// byte-for-byte.
type Client struct {
	Client   string
	Pipeline string
	Function string
	Stage    string
	Payload  []byte
	CacheKey string
	Metadata map[string]string

	unknown []byte
}

// Broker is the internal envelope: an opaque correlation key and the
// payload bytes. The broker never parses Payload.
type Broker struct {
	Key     string
	Payload []byte

	unknown []byte
}

// NewKey returns a fresh correlation key. Keys are random 128-bit
// identifiers rendered as text, unique across the lifetime of any
// in-flight message.
func NewKey() string {
	return uuid.New().String()
}

// Marshal encodes the client envelope.
func (m *Client) Marshal() []byte {
	var b []byte
	b = appendString(b, clientTagClient, m.Client)
	b = appendString(b, clientTagPipeline, m.Pipeline)
	b = appendString(b, clientTagFunction, m.Function)
	b = appendString(b, clientTagStage, m.Stage)
	if m.Payload != nil {
		b = protowire.AppendTag(b, clientTagPayload, protowire.BytesType)
		b = protowire.AppendBytes(b, m.Payload)
	}
	b = appendString(b, clientTagCacheKey, m.CacheKey)

	// Deterministic metadata order
	keys := make([]string, 0, len(m.Metadata))
	for k := range m.Metadata {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		var entry []byte
		entry = appendString(entry, metaTagKey, k)
		entry = appendString(entry, metaTagValue, m.Metadata[k])
		b = protowire.AppendTag(b, clientTagMetadata, protowire.BytesType)
		b = protowire.AppendBytes(b, entry)
	}

	b = append(b, m.unknown...)
	return b
}

// Unmarshal decodes the client envelope, capturing unknown tags.
func (m *Client) Unmarshal(data []byte) error {
	*m = Client{}
	for len(data) > 0 {
		num, typ, n := protowire.ConsumeTag(data)
		if n < 0 {
			return fmt.Errorf("%w: %v", ErrMalformed, protowire.ParseError(n))
		}
		switch {
		case num == clientTagClient && typ == protowire.BytesType:
			v, n, err := consumeString(data[n:], n)
			if err != nil {
				return err
			}
			m.Client = v
			data = data[n:]
		case num == clientTagPipeline && typ == protowire.BytesType:
			v, n, err := consumeString(data[n:], n)
			if err != nil {
				return err
			}
			m.Pipeline = v
			data = data[n:]
		case num == clientTagFunction && typ == protowire.BytesType:
			v, n, err := consumeString(data[n:], n)
			if err != nil {
				return err
			}
			m.Function = v
			data = data[n:]
		case num == clientTagStage && typ == protowire.BytesType:
			v, n, err := consumeString(data[n:], n)
			if err != nil {
				return err
			}
			m.Stage = v
			data = data[n:]
		case num == clientTagPayload && typ == protowire.BytesType:
			v, sz := protowire.ConsumeBytes(data[n:])
			if sz < 0 {
				return fmt.Errorf("%w: %v", ErrMalformed, protowire.ParseError(sz))
			}
			m.Payload = make([]byte, len(v))
			copy(m.Payload, v)
			data = data[n+sz:]
		case num == clientTagCacheKey && typ == protowire.BytesType:
			v, n, err := consumeString(data[n:], n)
			if err != nil {
				return err
			}
			m.CacheKey = v
			data = data[n:]
		case num == clientTagMetadata && typ == protowire.BytesType:
			v, sz := protowire.ConsumeBytes(data[n:])
			if sz < 0 {
				return fmt.Errorf("%w: %v", ErrMalformed, protowire.ParseError(sz))
			}
			key, val, err := parseMetaEntry(v)
			if err != nil {
				return err
			}
			if m.Metadata == nil {
				m.Metadata = make(map[string]string)
			}
			m.Metadata[key] = val
			data = data[n+sz:]
		default:
			sz := protowire.ConsumeFieldValue(num, typ, data[n:])
			if sz < 0 {
				return fmt.Errorf("%w: %v", ErrMalformed, protowire.ParseError(sz))
			}
			m.unknown = append(m.unknown, data[:n+sz]...)
			data = data[n+sz:]
		}
	}
	return nil
}

// Marshal encodes the broker envelope.
func (m *Broker) Marshal() []byte {
	var b []byte
	b = appendString(b, brokerTagKey, m.Key)
	if m.Payload != nil {
		b = protowire.AppendTag(b, brokerTagPayload, protowire.BytesType)
		b = protowire.AppendBytes(b, m.Payload)
	}
	b = append(b, m.unknown...)
	return b
}

// Unmarshal decodes the broker envelope, capturing unknown tags.
func (m *Broker) Unmarshal(data []byte) error {
	*m = Broker{}
	for len(data) > 0 {
		num, typ, n := protowire.ConsumeTag(data)
		if n < 0 {
			return fmt.Errorf("%w: %v", ErrMalformed, protowire.ParseError(n))
		}
		switch {
		case num == brokerTagKey && typ == protowire.BytesType:
			v, n, err := consumeString(data[n:], n)
			if err != nil {
				return err
			}
			m.Key = v
			data = data[n:]
		case num == brokerTagPayload && typ == protowire.BytesType:
			v, sz := protowire.ConsumeBytes(data[n:])
			if sz < 0 {
				return fmt.Errorf("%w: %v", ErrMalformed, protowire.ParseError(sz))
			}
			m.Payload = make([]byte, len(v))
			copy(m.Payload, v)
			data = data[n+sz:]
		default:
			sz := protowire.ConsumeFieldValue(num, typ, data[n:])
			if sz < 0 {
				return fmt.Errorf("%w: %v", ErrMalformed, protowire.ParseError(sz))
			}
			m.unknown = append(m.unknown, data[:n+sz]...)
			data = data[n+sz:]
		}
	}
	return nil
}

// ParseClient decodes data into a fresh client envelope.
func ParseClient(data []byte) (*Client, error) {
	var m Client
	if err := m.Unmarshal(data); err != nil {
		return nil, err
	}
	return &m, nil
}

// ParseBroker decodes data into a fresh broker envelope.
func ParseBroker(data []byte) (*Broker, error) {
	var m Broker
	if err := m.Unmarshal(data); err != nil {
		return nil, err
	}
	return &m, nil
}

func appendString(b []byte, num protowire.Number, s string) []byte {
	if s == "" {
		return b
	}
	b = protowire.AppendTag(b, num, protowire.BytesType)
	return protowire.AppendString(b, s)
}

// consumeString consumes a length-delimited string and returns the total
// number of bytes advanced including the already-consumed tag prefix.
func consumeString(data []byte, tagLen int) (string, int, error) {
	v, sz := protowire.ConsumeString(data)
	if sz < 0 {
		return "", 0, fmt.Errorf("%w: %v", ErrMalformed, protowire.ParseError(sz))
	}
	return v, tagLen + sz, nil
}

func parseMetaEntry(data []byte) (string, string, error) {
	var key, val string
	for len(data) > 0 {
		num, typ, n := protowire.ConsumeTag(data)
		if n < 0 {
			return "", "", fmt.Errorf("%w: %v", ErrMalformed, protowire.ParseError(n))
		}
		if typ != protowire.BytesType {
			return "", "", fmt.Errorf("%w: unexpected metadata entry field %d", ErrMalformed, num)
		}
		v, sz := protowire.ConsumeString(data[n:])
		if sz < 0 {
			return "", "", fmt.Errorf("%w: %v", ErrMalformed, protowire.ParseError(sz))
		}
		switch num {
		case metaTagKey:
			key = v
		case metaTagValue:
			val = v
		}
		data = data[n+sz:]
	}
	return key, val, nil
}
