package contracts

import (
	"fmt"
	"reflect"

	"github.com/google/uuid"
)

// Message is the unit of transport: a payload, the contract type it is delivered as and a header
// bag. The payload and reflected type never change after creation; headers do.
type Message struct {
	payload   any
	reflected ContractType
	headers   *Headers
}

// NewMessage creates a message. Pointer payloads are carried by value. The payload's runtime type
// must be assignable to the reflected contract type.
func NewMessage(payload any, reflected ContractType, headers *Headers) (*Message, error) {
	payload, err := derefPayload(payload)
	if err != nil {
		return nil, err
	}
	if !reflected.Accepts(payload) {
		return nil, &AssignabilityError{Payload: reflect.TypeOf(payload), Reflected: reflected.Name}
	}
	if headers == nil {
		headers = NewHeaders()
	}
	return &Message{payload: payload, reflected: reflected, headers: headers}, nil
}

func derefPayload(payload any) (any, error) {
	if payload == nil {
		return nil, ErrNilPayload
	}
	v := reflect.ValueOf(payload)
	for v.Kind() == reflect.Pointer {
		if v.IsNil() {
			return nil, ErrNilPayload
		}
		v = v.Elem()
	}
	return v.Interface(), nil
}

func (m *Message) Payload() any                { return m.payload }
func (m *Message) ReflectedType() ContractType { return m.reflected }
func (m *Message) Headers() *Headers           { return m.headers }
func (m *Message) ID() string                  { return m.headers.ID() }

// Clone returns a message sharing the payload with an independent header bag.
func (m *Message) Clone() *Message {
	return &Message{payload: m.payload, reflected: m.reflected, headers: m.headers.Clone()}
}

// Reflect returns a copy delivered as ct, which must accept the payload.
func (m *Message) Reflect(ct ContractType) (*Message, error) {
	return NewMessage(m.payload, ct, m.headers.Clone())
}

func (m *Message) String() string {
	return fmt.Sprintf("%s %s", m.reflected.Name, m.headers.ID())
}

// MessageFactory creates outgoing messages on behalf of an endpoint.
type MessageFactory struct {
	registry *Registry
	endpoint EndpointIdentity
	newID    func() string
}

func NewMessageFactory(registry *Registry, endpoint EndpointIdentity) *MessageFactory {
	return &MessageFactory{
		registry: registry,
		endpoint: endpoint,
		newID:    func() string { return uuid.New().String() },
	}
}

// Create builds a message for payload delivered as its own contract type. When initiator is not
// nil the new message joins its conversation.
func (f *MessageFactory) Create(payload any, initiator *Message) (*Message, error) {
	ct, err := f.registry.Of(payload)
	if err != nil {
		return nil, err
	}
	return NewMessage(payload, ct, f.headers(initiator))
}

// CreateContravariant builds one message for the payload's own contract and one for every
// registered ancestor contract. Each message has its own Id; all share the conversation.
func (f *MessageFactory) CreateContravariant(payload any, initiator *Message) ([]*Message, error) {
	first, err := f.Create(payload, initiator)
	if err != nil {
		return nil, err
	}
	out := []*Message{first}
	for _, ancestor := range f.registry.Ancestors(first.reflected) {
		headers := first.headers.Clone()
		headers.Overwrite(IDHeader(f.newID()))
		msg, err := NewMessage(first.payload, ancestor, headers)
		if err != nil {
			return nil, err
		}
		out = append(out, msg)
	}
	return out, nil
}

func (f *MessageFactory) headers(initiator *Message) *Headers {
	conversation := f.newID()
	hs := []Header{IDHeader(f.newID()), SentFromHeader(f.endpoint)}
	if initiator != nil {
		if c := initiator.headers.ConversationID(); c != "" {
			conversation = c
		}
		hs = append(hs, InitiatorMessageIDHeader(initiator.ID()))
	}
	hs = append(hs, ConversationIDHeader(conversation))
	return NewHeaders(hs...)
}
