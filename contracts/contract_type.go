package contracts

import (
	"fmt"
	"reflect"
)

// ContractKind classifies a message contract.
type ContractKind int

const (
	KindCommand ContractKind = iota + 1
	KindEvent
	KindQuery
	KindRequest
	KindReply
)

func (k ContractKind) String() string {
	switch k {
	case KindCommand:
		return "command"
	case KindEvent:
		return "event"
	case KindQuery:
		return "query"
	case KindRequest:
		return "request"
	case KindReply:
		return "reply"
	default:
		return fmt.Sprintf("kind(%d)", int(k))
	}
}

// ExpectsReply reports whether handlers of this kind owe exactly one reply.
func (k ContractKind) ExpectsReply() bool {
	return k == KindQuery || k == KindRequest
}

// ContractType describes a message contract. Owner is the logical name of the owning endpoint:
// the receiver for commands, queries and requests, the publisher for events.
type ContractType struct {
	Name   string
	Kind   ContractKind
	Owner  string
	GoType reflect.Type
	Reply  *ContractType
}

func (c ContractType) IsZero() bool {
	return c.Name == ""
}

// IsAncestor reports whether the contract is an interface that concrete payloads implement.
func (c ContractType) IsAncestor() bool {
	return c.GoType != nil && c.GoType.Kind() == reflect.Interface
}

// Accepts reports whether payload may be carried with c as its reflected type.
func (c ContractType) Accepts(payload any) bool {
	if payload == nil || c.GoType == nil {
		return false
	}
	return reflect.TypeOf(payload).AssignableTo(c.GoType)
}

func (c ContractType) String() string {
	return c.Kind.String() + " " + c.Name
}

// TypeOf returns the reflect.Type of T, including interface types.
func TypeOf[T any]() reflect.Type {
	return reflect.TypeOf((*T)(nil)).Elem()
}

// TypeName returns the fully-qualified name of t: import path and type name.
func TypeName(t reflect.Type) (string, error) {
	for t != nil && t.Kind() == reflect.Pointer {
		t = t.Elem()
	}
	if t == nil || t.Name() == "" || t.PkgPath() == "" {
		return "", fmt.Errorf("%w: %v is not a named type", ErrUnknownContract, t)
	}
	return t.PkgPath() + "." + t.Name(), nil
}
