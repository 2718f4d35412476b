package contracts

import (
	"errors"
	"fmt"
	"reflect"
)

var (
	ErrHeaderExists      = errors.New("contracts: header already exists")
	ErrInvalidHeader     = errors.New("contracts: invalid header value")
	ErrInvalidEndpoint   = errors.New("contracts: invalid endpoint identity")
	ErrNotAssignable     = errors.New("contracts: payload is not assignable to reflected type")
	ErrUnknownContract   = errors.New("contracts: unknown contract type")
	ErrDuplicateContract = errors.New("contracts: contract type registered twice")
	ErrNilPayload        = errors.New("contracts: payload is nil")
	ErrUnexpectedKind    = errors.New("contracts: unexpected contract kind")
)

// AssignabilityError reports a payload whose runtime type does not match the reflected contract.
type AssignabilityError struct {
	Payload   reflect.Type
	Reflected string
}

func (e *AssignabilityError) Error() string {
	return fmt.Sprintf("contracts: payload of type %s is not assignable to %s", e.Payload, e.Reflected)
}

func (e *AssignabilityError) Unwrap() error {
	return ErrNotAssignable
}

// KindError reports a contract used where a different kind is required.
type KindError struct {
	Contract string
	Actual   ContractKind
	Expected []ContractKind
}

func (e *KindError) Error() string {
	return fmt.Sprintf("contracts: %s is a %s, expected %v", e.Contract, e.Actual, e.Expected)
}

func (e *KindError) Unwrap() error {
	return ErrUnexpectedKind
}

// ExpectKind returns a *KindError unless ct has one of the expected kinds.
func ExpectKind(ct ContractType, expected ...ContractKind) error {
	for _, k := range expected {
		if ct.Kind == k {
			return nil
		}
	}
	return &KindError{Contract: ct.Name, Actual: ct.Kind, Expected: expected}
}
