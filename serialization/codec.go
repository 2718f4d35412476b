// Package serialization converts messages to the wire body and back.
//
// The body is a gzip-compressed JSON document naming the payload's runtime type next to the
// payload itself, so a message reflected as an ancestor contract still decodes into its concrete
// type.
package serialization

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"reflect"

	"github.com/glimte/courier-go/contracts"
	"github.com/klauspost/compress/gzip"
)

const (
	ContentType     = "application/json"
	ContentEncoding = "gzip"
)

var (
	ErrUnsupportedContent = errors.New("serialization: unsupported content type or encoding")
	ErrMalformedBody      = errors.New("serialization: malformed message body")
)

type body struct {
	PayloadType string          `json:"payloadType"`
	Payload     json.RawMessage `json:"payload"`
}

// Envelope is the transport independent form of a message used by durable storage.
type Envelope struct {
	ReflectedType string            `json:"reflectedType"`
	Body          []byte            `json:"body"`
	Headers       map[string]string `json:"headers"`
}

// Codec encodes message payloads using the contract registry for type resolution.
type Codec struct {
	registry *contracts.Registry
	level    int
}

// CodecOption configures a Codec
type CodecOption func(*Codec)

// WithCompressionLevel sets the gzip level
func WithCompressionLevel(level int) CodecOption {
	return func(c *Codec) {
		c.level = level
	}
}

// NewCodec creates a codec resolving payload types through registry
func NewCodec(registry *contracts.Registry, opts ...CodecOption) *Codec {
	c := &Codec{registry: registry, level: gzip.DefaultCompression}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// EncodeBody serializes the payload of msg
func (c *Codec) EncodeBody(msg *contracts.Message) ([]byte, error) {
	payload := msg.Payload()
	runtime, err := c.registry.Of(payload)
	if err != nil {
		return nil, fmt.Errorf("encode %s: %w", msg, err)
	}
	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("encode %s: %w", msg, err)
	}
	doc, err := json.Marshal(body{PayloadType: runtime.Name, Payload: raw})
	if err != nil {
		return nil, fmt.Errorf("encode %s: %w", msg, err)
	}

	var buf bytes.Buffer
	zw, err := gzip.NewWriterLevel(&buf, c.level)
	if err != nil {
		return nil, err
	}
	if _, err := zw.Write(doc); err != nil {
		return nil, err
	}
	if err := zw.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// DecodeBody rebuilds a message from a body produced by EncodeBody. reflectedType names the
// contract the message is delivered as.
func (c *Codec) DecodeBody(data []byte, reflectedType string, headers *contracts.Headers) (*contracts.Message, error) {
	reflected, err := c.registry.MustLookup(reflectedType)
	if err != nil {
		return nil, err
	}

	b, err := readBody(data)
	if err != nil {
		return nil, err
	}
	runtime, err := c.registry.MustLookup(b.PayloadType)
	if err != nil {
		return nil, err
	}
	if runtime.IsAncestor() {
		return nil, fmt.Errorf("%w: payload type %s is an interface", ErrMalformedBody, runtime.Name)
	}

	ptr := reflect.New(runtime.GoType)
	if err := json.Unmarshal(b.Payload, ptr.Interface()); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedBody, err)
	}
	return contracts.NewMessage(ptr.Elem().Interface(), reflected, headers)
}

// Inspect returns the runtime payload type and the JSON payload of a body without resolving
// contracts. Tools reading dead letters use it.
func Inspect(data []byte) (string, json.RawMessage, error) {
	b, err := readBody(data)
	if err != nil {
		return "", nil, err
	}
	return b.PayloadType, b.Payload, nil
}

func readBody(data []byte) (body, error) {
	zr, err := gzip.NewReader(bytes.NewReader(data))
	if err != nil {
		return body{}, fmt.Errorf("%w: %v", ErrMalformedBody, err)
	}
	defer zr.Close()
	doc, err := io.ReadAll(zr)
	if err != nil {
		return body{}, fmt.Errorf("%w: %v", ErrMalformedBody, err)
	}

	var b body
	if err := json.Unmarshal(doc, &b); err != nil {
		return body{}, fmt.Errorf("%w: %v", ErrMalformedBody, err)
	}
	return b, nil
}

// CheckContent validates the content type and encoding announced by a transport.
func CheckContent(contentType, contentEncoding string) error {
	if contentType != ContentType || contentEncoding != ContentEncoding {
		return fmt.Errorf("%w: %q/%q", ErrUnsupportedContent, contentType, contentEncoding)
	}
	return nil
}

// Marshal converts msg into an Envelope.
func (c *Codec) Marshal(msg *contracts.Message) (Envelope, error) {
	data, err := c.EncodeBody(msg)
	if err != nil {
		return Envelope{}, err
	}
	return Envelope{
		ReflectedType: msg.ReflectedType().Name,
		Body:          data,
		Headers:       msg.Headers().Encode(),
	}, nil
}

// Unmarshal converts an Envelope back into a message.
func (c *Codec) Unmarshal(env Envelope) (*contracts.Message, error) {
	headers, err := contracts.DecodeHeaders(env.Headers)
	if err != nil {
		return nil, err
	}
	return c.DecodeBody(env.Body, env.ReflectedType, headers)
}
