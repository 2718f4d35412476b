package contracts

import (
	"fmt"
	"sort"
	"strconv"
	"sync"
	"time"
)

// HeaderKind identifies a header. The set of kinds is closed.
type HeaderKind string

const (
	HeaderSentFrom           HeaderKind = "SentFrom"
	HeaderHandledBy          HeaderKind = "HandledBy"
	HeaderDeferredUntil      HeaderKind = "DeferredUntil"
	HeaderRetryCounter       HeaderKind = "RetryCounter"
	HeaderRejectReason       HeaderKind = "RejectReason"
	HeaderActualDeliveryDate HeaderKind = "ActualDeliveryDate"
	HeaderDeliveryTag        HeaderKind = "DeliveryTag"
	HeaderID                 HeaderKind = "Id"
	HeaderConversationID     HeaderKind = "ConversationId"
	HeaderInitiatorMessageID HeaderKind = "InitiatorMessageId"
	HeaderReplyTo            HeaderKind = "ReplyTo"
)

// HeaderKinds lists every kind in a stable order.
var HeaderKinds = []HeaderKind{
	HeaderID,
	HeaderConversationID,
	HeaderInitiatorMessageID,
	HeaderSentFrom,
	HeaderReplyTo,
	HeaderHandledBy,
	HeaderDeferredUntil,
	HeaderRetryCounter,
	HeaderRejectReason,
	HeaderActualDeliveryDate,
	HeaderDeliveryTag,
}

type valueType uint8

const (
	textValue valueType = iota
	endpointValue
	timeValue
	numberValue
)

func (k HeaderKind) valueType() (valueType, bool) {
	switch k {
	case HeaderSentFrom, HeaderHandledBy, HeaderReplyTo:
		return endpointValue, true
	case HeaderDeferredUntil, HeaderActualDeliveryDate:
		return timeValue, true
	case HeaderRetryCounter, HeaderDeliveryTag:
		return numberValue, true
	case HeaderID, HeaderConversationID, HeaderInitiatorMessageID, HeaderRejectReason:
		return textValue, true
	}
	return 0, false
}

// Valid reports whether k belongs to the closed set of header kinds.
func (k HeaderKind) Valid() bool {
	_, ok := k.valueType()
	return ok
}

// Header is a typed fact attached to a message. Exactly one payload field is meaningful,
// selected by Kind.
type Header struct {
	Kind     HeaderKind
	endpoint EndpointIdentity
	at       time.Time
	number   uint64
	text     string
}

func SentFromHeader(e EndpointIdentity) Header  { return Header{Kind: HeaderSentFrom, endpoint: e} }
func HandledByHeader(e EndpointIdentity) Header { return Header{Kind: HeaderHandledBy, endpoint: e} }
func ReplyToHeader(e EndpointIdentity) Header   { return Header{Kind: HeaderReplyTo, endpoint: e} }

func DeferredUntilHeader(t time.Time) Header {
	return Header{Kind: HeaderDeferredUntil, at: t.UTC()}
}

func ActualDeliveryDateHeader(t time.Time) Header {
	return Header{Kind: HeaderActualDeliveryDate, at: t.UTC()}
}

func RetryCounterHeader(n int) Header {
	if n < 0 {
		n = 0
	}
	return Header{Kind: HeaderRetryCounter, number: uint64(n)}
}

func DeliveryTagHeader(tag uint64) Header { return Header{Kind: HeaderDeliveryTag, number: tag} }
func IDHeader(id string) Header           { return Header{Kind: HeaderID, text: id} }

func ConversationIDHeader(id string) Header {
	return Header{Kind: HeaderConversationID, text: id}
}

func InitiatorMessageIDHeader(id string) Header {
	return Header{Kind: HeaderInitiatorMessageID, text: id}
}

// RejectReasonHeader records the terminal cause of a rejected message.
func RejectReasonHeader(err error) Header {
	reason := "rejected"
	if err != nil {
		reason = err.Error()
	}
	return Header{Kind: HeaderRejectReason, text: reason}
}

func (h Header) Endpoint() EndpointIdentity { return h.endpoint }
func (h Header) Time() time.Time            { return h.at }
func (h Header) Number() uint64             { return h.number }
func (h Header) Text() string               { return h.text }

// String encodes the header value for transport header tables and storage.
func (h Header) String() string {
	vt, _ := h.Kind.valueType()
	switch vt {
	case endpointValue:
		return h.endpoint.String()
	case timeValue:
		return h.at.UTC().Format(time.RFC3339Nano)
	case numberValue:
		return strconv.FormatUint(h.number, 10)
	default:
		return h.text
	}
}

// ParseHeader decodes a value produced by Header.String.
func ParseHeader(kind HeaderKind, value string) (Header, error) {
	vt, ok := kind.valueType()
	if !ok {
		return Header{}, fmt.Errorf("%w: unknown kind %q", ErrInvalidHeader, kind)
	}
	h := Header{Kind: kind}
	switch vt {
	case endpointValue:
		e, err := ParseEndpointIdentity(value)
		if err != nil {
			return Header{}, fmt.Errorf("%w: %s: %v", ErrInvalidHeader, kind, err)
		}
		h.endpoint = e
	case timeValue:
		t, err := time.Parse(time.RFC3339Nano, value)
		if err != nil {
			return Header{}, fmt.Errorf("%w: %s: %v", ErrInvalidHeader, kind, err)
		}
		h.at = t.UTC()
	case numberValue:
		n, err := strconv.ParseUint(value, 10, 64)
		if err != nil {
			return Header{}, fmt.Errorf("%w: %s: %v", ErrInvalidHeader, kind, err)
		}
		h.number = n
	default:
		h.text = value
	}
	return h, nil
}

// Headers is the mutable header bag of a message. It is safe for concurrent use.
type Headers struct {
	mu     sync.RWMutex
	values map[HeaderKind]Header
}

// NewHeaders creates a bag holding hs. Later duplicates overwrite earlier ones.
func NewHeaders(hs ...Header) *Headers {
	b := &Headers{values: make(map[HeaderKind]Header, len(hs))}
	for _, h := range hs {
		b.values[h.Kind] = h
	}
	return b
}

// Write adds h and fails with ErrHeaderExists if a header of the same kind is present.
func (b *Headers) Write(h Header) error {
	if !h.Kind.Valid() {
		return fmt.Errorf("%w: unknown kind %q", ErrInvalidHeader, h.Kind)
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, exists := b.values[h.Kind]; exists {
		return fmt.Errorf("%w: %s", ErrHeaderExists, h.Kind)
	}
	b.values[h.Kind] = h
	return nil
}

// Overwrite sets h, replacing any header of the same kind.
func (b *Headers) Overwrite(h Header) {
	if !h.Kind.Valid() {
		return
	}
	b.mu.Lock()
	b.values[h.Kind] = h
	b.mu.Unlock()
}

func (b *Headers) Read(kind HeaderKind) (Header, bool) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	h, ok := b.values[kind]
	return h, ok
}

func (b *Headers) Has(kind HeaderKind) bool {
	_, ok := b.Read(kind)
	return ok
}

func (b *Headers) Delete(kinds ...HeaderKind) {
	b.mu.Lock()
	for _, k := range kinds {
		delete(b.values, k)
	}
	b.mu.Unlock()
}

func (b *Headers) Len() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.values)
}

// Clone returns an independent copy of the bag.
func (b *Headers) Clone() *Headers {
	b.mu.RLock()
	defer b.mu.RUnlock()
	c := &Headers{values: make(map[HeaderKind]Header, len(b.values))}
	for k, v := range b.values {
		c.values[k] = v
	}
	return c
}

// All returns the headers ordered as in HeaderKinds.
func (b *Headers) All() []Header {
	b.mu.RLock()
	defer b.mu.RUnlock()
	out := make([]Header, 0, len(b.values))
	for _, v := range b.values {
		out = append(out, v)
	}
	sort.Slice(out, func(i, j int) bool { return kindIndex(out[i].Kind) < kindIndex(out[j].Kind) })
	return out
}

func kindIndex(k HeaderKind) int {
	for i, kind := range HeaderKinds {
		if kind == k {
			return i
		}
	}
	return len(HeaderKinds)
}

// Encode renders every header as a string keyed by kind.
func (b *Headers) Encode() map[string]string {
	b.mu.RLock()
	defer b.mu.RUnlock()
	out := make(map[string]string, len(b.values))
	for k, v := range b.values {
		out[string(k)] = v.String()
	}
	return out
}

// DecodeHeaders rebuilds a bag from Encode output. Keys outside the closed set are ignored.
func DecodeHeaders(encoded map[string]string) (*Headers, error) {
	b := NewHeaders()
	for key, value := range encoded {
		kind := HeaderKind(key)
		if !kind.Valid() {
			continue
		}
		h, err := ParseHeader(kind, value)
		if err != nil {
			return nil, err
		}
		b.values[kind] = h
	}
	return b, nil
}

func (b *Headers) text(kind HeaderKind) string {
	h, _ := b.Read(kind)
	return h.text
}

func (b *Headers) endpoint(kind HeaderKind) (EndpointIdentity, bool) {
	h, ok := b.Read(kind)
	return h.endpoint, ok
}

func (b *Headers) time(kind HeaderKind) (time.Time, bool) {
	h, ok := b.Read(kind)
	return h.at, ok
}

func (b *Headers) ID() string                 { return b.text(HeaderID) }
func (b *Headers) ConversationID() string     { return b.text(HeaderConversationID) }
func (b *Headers) InitiatorMessageID() string { return b.text(HeaderInitiatorMessageID) }

func (b *Headers) SentFrom() (EndpointIdentity, bool)  { return b.endpoint(HeaderSentFrom) }
func (b *Headers) HandledBy() (EndpointIdentity, bool) { return b.endpoint(HeaderHandledBy) }
func (b *Headers) ReplyTo() (EndpointIdentity, bool)   { return b.endpoint(HeaderReplyTo) }

func (b *Headers) DeferredUntil() (time.Time, bool)      { return b.time(HeaderDeferredUntil) }
func (b *Headers) ActualDeliveryDate() (time.Time, bool) { return b.time(HeaderActualDeliveryDate) }

// RetryCounter returns the number of retries so far; zero when the header is absent.
func (b *Headers) RetryCounter() int {
	h, _ := b.Read(HeaderRetryCounter)
	return int(h.number)
}

func (b *Headers) DeliveryTag() (uint64, bool) {
	h, ok := b.Read(HeaderDeliveryTag)
	return h.number, ok
}

func (b *Headers) RejectReason() (string, bool) {
	h, ok := b.Read(HeaderRejectReason)
	return h.text, ok
}
