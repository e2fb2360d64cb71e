package state

import (
	"fmt"

	"epaxoskv/epaxosproto"
)

// Maelstrom error codes.
const (
	ErrNotSupported           = 10
	ErrTemporarilyUnavailable = 11
	ErrCrash                  = 13
	ErrKeyDoesNotExist        = 20
	ErrPreconditionFailed     = 22
)

// OperationError is the typed failure of an operation; it becomes an error
// reply to the client and does not stop the instance from being executed.
type OperationError struct {
	Code int
	Text string
}

func (e *OperationError) Error() string {
	return fmt.Sprintf("operation error %d: %s", e.Code, e.Text)
}

// Operation interprets one kind of Command against the storage.
type Operation interface {
	Execute(st Storage, cmd *epaxosproto.Command) (result string, err error)
	ReadOnly() bool
}

type getOp struct{}

func (getOp) Execute(st Storage, cmd *epaxosproto.Command) (string, error) {
	v, present := st.Get(cmd.Key)
	if !present {
		return "", &OperationError{ErrKeyDoesNotExist, fmt.Sprintf("key %s does not exist", cmd.Key)}
	}
	return v, nil
}

func (getOp) ReadOnly() bool { return true }

type putOp struct{}

func (putOp) Execute(st Storage, cmd *epaxosproto.Command) (string, error) {
	st.Put(cmd.Key, cmd.Value)
	return cmd.Value, nil
}

func (putOp) ReadOnly() bool { return false }

type casOp struct{}

func (casOp) Execute(st Storage, cmd *epaxosproto.Command) (string, error) {
	cur, present := st.Get(cmd.Key)
	if !present {
		return "", &OperationError{ErrKeyDoesNotExist, fmt.Sprintf("key %s does not exist", cmd.Key)}
	}
	if !st.Cas(cmd.Key, cmd.Value, cmd.IfValue) {
		return "", &OperationError{ErrPreconditionFailed, fmt.Sprintf("expected %s, but had %s", cmd.IfValue, cur)}
	}
	return cmd.Value, nil
}

func (casOp) ReadOnly() bool { return false }

type noopOp struct{}

func (noopOp) Execute(Storage, *epaxosproto.Command) (string, error) { return "", nil }

func (noopOp) ReadOnly() bool { return true }

var (
	Get  Operation = getOp{}
	Put  Operation = putOp{}
	Cas  Operation = casOp{}
	Noop Operation = noopOp{}
)

// Registry maps Command.Operation to its implementation. The noop operation is
// always registered.
type Registry struct {
	ops map[string]Operation
}

func NewRegistry() *Registry {
	return &Registry{ops: map[string]Operation{epaxosproto.NoopOperation: Noop}}
}

// KVRegistry knows get, put and cas.
func KVRegistry() *Registry {
	r := NewRegistry()
	r.Register(epaxosproto.GetOperation, Get)
	r.Register(epaxosproto.PutOperation, Put)
	r.Register(epaxosproto.CasOperation, Cas)
	return r
}

func (r *Registry) Register(id string, op Operation) *Registry {
	r.ops[id] = op
	return r
}

// Operation panics on an unregistered id: every id that reaches the protocol
// has to be known to every replica.
func (r *Registry) Operation(id string) Operation {
	op, ok := r.ops[id]
	if !ok {
		panic(fmt.Sprintf("operation %q is not registered", id))
	}
	return op
}

func (r *Registry) Has(id string) bool {
	_, ok := r.ops[id]
	return ok
}

// Conflict reports whether two commands must be ordered: same key and at
// least one of them writes.
func (r *Registry) Conflict(gamma *epaxosproto.Command, delta *epaxosproto.Command) bool {
	if gamma == nil || delta == nil || gamma.IsNoop() || delta.IsNoop() {
		return false
	}
	if gamma.Key != delta.Key {
		return false
	}
	return !r.Operation(gamma.Operation).ReadOnly() || !r.Operation(delta.Operation).ReadOnly()
}

func (r *Registry) IsRead(command *epaxosproto.Command) bool {
	return command == nil || r.Operation(command.Operation).ReadOnly()
}
