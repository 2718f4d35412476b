package contracts

import (
	"fmt"
	"reflect"
	"sort"
	"sync"
)

// Registry is the catalogue of contract types known to a host.
type Registry struct {
	mu     sync.RWMutex
	byName map[string]ContractType
	byType map[reflect.Type]string
}

func NewRegistry() *Registry {
	return &Registry{
		byName: make(map[string]ContractType),
		byType: make(map[reflect.Type]string),
	}
}

// Register adds ct. Registering an identical descriptor twice is a no-op.
func (r *Registry) Register(ct ContractType) error {
	if ct.GoType == nil {
		return fmt.Errorf("%w: %s has no Go type", ErrUnknownContract, ct.Name)
	}
	if ct.Name == "" {
		name, err := TypeName(ct.GoType)
		if err != nil {
			return err
		}
		ct.Name = name
	}
	if ct.GoType.Kind() == reflect.Pointer {
		return fmt.Errorf("%w: register %s by value, not by pointer", ErrUnknownContract, ct.Name)
	}
	if ct.IsAncestor() && ct.Kind != KindEvent {
		return fmt.Errorf("%w: only events may be declared as interfaces (%s)", ErrUnexpectedKind, ct.Name)
	}
	if !ct.IsAncestor() && ct.Kind != KindReply && ct.Owner == "" {
		return fmt.Errorf("%w: %s has no owner endpoint", ErrUnknownContract, ct.Name)
	}
	if ct.Kind.ExpectsReply() && ct.Reply == nil {
		return fmt.Errorf("%w: %s declares no reply contract", ErrUnknownContract, ct.Name)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if existing, ok := r.byName[ct.Name]; ok {
		if sameContract(existing, ct) {
			return nil
		}
		return fmt.Errorf("%w: %s", ErrDuplicateContract, ct.Name)
	}
	r.byName[ct.Name] = ct
	r.byType[ct.GoType] = ct.Name
	return nil
}

func sameContract(a, b ContractType) bool {
	if a.Name != b.Name || a.Kind != b.Kind || a.GoType != b.GoType {
		return false
	}
	// replies may be shared by several requests with different owners
	if a.Kind == KindReply {
		return true
	}
	if a.Owner != b.Owner {
		return false
	}
	if (a.Reply == nil) != (b.Reply == nil) {
		return false
	}
	return a.Reply == nil || a.Reply.Name == b.Reply.Name
}

// RegisterCommand registers T as a command handled by owner.
func RegisterCommand[T any](r *Registry, owner string) (ContractType, error) {
	return register(r, ContractType{Kind: KindCommand, Owner: owner, GoType: TypeOf[T]()})
}

// RegisterEvent registers T as an event published by owner. T may be an interface, in which case
// it is an ancestor contract and owner may be empty.
func RegisterEvent[T any](r *Registry, owner string) (ContractType, error) {
	return register(r, ContractType{Kind: KindEvent, Owner: owner, GoType: TypeOf[T]()})
}

// RegisterQuery registers Q as a query served by owner and R as its reply.
func RegisterQuery[Q, R any](r *Registry, owner string) (ContractType, error) {
	return registerWithReply(r, KindQuery, owner, TypeOf[Q](), TypeOf[R]())
}

// RegisterRequest registers Q as a request served by owner and R as its reply.
func RegisterRequest[Q, R any](r *Registry, owner string) (ContractType, error) {
	return registerWithReply(r, KindRequest, owner, TypeOf[Q](), TypeOf[R]())
}

func registerWithReply(r *Registry, kind ContractKind, owner string, q, reply reflect.Type) (ContractType, error) {
	rt, err := register(r, ContractType{Kind: KindReply, Owner: owner, GoType: reply})
	if err != nil {
		return ContractType{}, err
	}
	return register(r, ContractType{Kind: kind, Owner: owner, GoType: q, Reply: &rt})
}

func register(r *Registry, ct ContractType) (ContractType, error) {
	name, err := TypeName(ct.GoType)
	if err != nil {
		return ContractType{}, err
	}
	ct.Name = name
	if err := r.Register(ct); err != nil {
		return ContractType{}, err
	}
	registered, _ := r.Lookup(name)
	return registered, nil
}

func (r *Registry) Lookup(name string) (ContractType, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	ct, ok := r.byName[name]
	return ct, ok
}

// MustLookup returns the contract named name or an error wrapping ErrUnknownContract.
func (r *Registry) MustLookup(name string) (ContractType, error) {
	ct, ok := r.Lookup(name)
	if !ok {
		return ContractType{}, fmt.Errorf("%w: %s", ErrUnknownContract, name)
	}
	return ct, nil
}

// Of returns the contract registered for the runtime type of payload. Pointer payloads resolve to
// the contract of their element type.
func (r *Registry) Of(payload any) (ContractType, error) {
	if payload == nil {
		return ContractType{}, ErrNilPayload
	}
	t := reflect.TypeOf(payload)
	for t.Kind() == reflect.Pointer {
		t = t.Elem()
	}
	r.mu.RLock()
	name, ok := r.byType[t]
	ct := r.byName[name]
	r.mu.RUnlock()
	if !ok {
		return ContractType{}, fmt.Errorf("%w: %s", ErrUnknownContract, t)
	}
	return ct, nil
}

// ForType returns the contract registered for t.
func (r *Registry) ForType(t reflect.Type) (ContractType, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	name, ok := r.byType[t]
	if !ok {
		return ContractType{}, false
	}
	return r.byName[name], true
}

// Ancestors returns the registered interface contracts of the same kind that ct implements,
// ordered by name.
func (r *Registry) Ancestors(ct ContractType) []ContractType {
	if ct.GoType == nil || ct.IsAncestor() {
		return nil
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []ContractType
	for _, candidate := range r.byName {
		if candidate.Kind != ct.Kind || !candidate.IsAncestor() {
			continue
		}
		if ct.GoType.Implements(candidate.GoType) {
			out = append(out, candidate)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// ReplyTypes returns every registered reply contract ordered by name.
func (r *Registry) ReplyTypes() []ContractType {
	return r.filter(func(ct ContractType) bool { return ct.Kind == KindReply })
}

// All returns every registered contract ordered by name.
func (r *Registry) All() []ContractType {
	return r.filter(func(ContractType) bool { return true })
}

func (r *Registry) filter(keep func(ContractType) bool) []ContractType {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]ContractType, 0, len(r.byName))
	for _, ct := range r.byName {
		if keep(ct) {
			out = append(out, ct)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}
