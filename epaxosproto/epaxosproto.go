package epaxosproto

import (
	"fmt"
	"sort"
	"strings"
)

type InstanceStatus uint8

const (
	NONE InstanceStatus = iota
	PREACCEPTED
	PREACCEPTED_EQ
	ACCEPTED
	COMMITTED
	EXECUTED
)

func (s InstanceStatus) String() string {
	switch s {
	case NONE:
		return "NONE"
	case PREACCEPTED:
		return "PREACCEPTED"
	case PREACCEPTED_EQ:
		return "PREACCEPTED_EQ"
	case ACCEPTED:
		return "ACCEPTED"
	case COMMITTED:
		return "COMMITTED"
	case EXECUTED:
		return "EXECUTED"
	}
	return fmt.Sprintf("InstanceStatus(%d)", uint8(s))
}

// Decided reports whether the instance can no longer change its command or attributes.
func (s InstanceStatus) Decided() bool {
	return s == COMMITTED || s == EXECUTED
}

// Ballot is ordered by Number and then by ReplicaId. Two ballots are the same
// round only when both fields match.
type Ballot struct {
	Number    int32  `json:"number"`
	ReplicaId string `json:"replica_id"`
}

func InitialBallot(replicaId string) Ballot {
	return Ballot{0, replicaId}
}

func (b Ballot) Compare(o Ballot) int {
	if b.Number != o.Number {
		if b.Number < o.Number {
			return -1
		}
		return 1
	}
	return strings.Compare(b.ReplicaId, o.ReplicaId)
}

func (b Ballot) LessThan(o Ballot) bool {
	return b.Compare(o) < 0
}

func (b Ballot) GreaterThan(o Ballot) bool {
	return b.Compare(o) > 0
}

func (b Ballot) IsInitial() bool {
	return b.Number == 0
}

// Next returns the smallest ballot owned by owner that is larger than b.
func (b Ballot) Next(owner string) Ballot {
	return Ballot{b.Number + 1, owner}
}

func (b Ballot) String() string {
	return fmt.Sprintf("%d.%s", b.Number, b.ReplicaId)
}

// NoDep marks a replica row with no dependency.
const NoDep int32 = -1

// Attributes are treated as values: Deps is never mutated once the
// Attributes are stored on an instance, updates build a new map.
type Attributes struct {
	Seq  int32            `json:"seq"`
	Deps map[string]int32 `json:"deps"`
}

func NewAttributes(seq int32, deps map[string]int32) Attributes {
	if deps == nil {
		deps = make(map[string]int32)
	}
	return Attributes{seq, deps}
}

func (a Attributes) Dep(replicaId string) int32 {
	if d, ok := a.Deps[replicaId]; ok {
		return d
	}
	return NoDep
}

func (a Attributes) Clone() Attributes {
	deps := make(map[string]int32, len(a.Deps))
	for r, d := range a.Deps {
		deps[r] = d
	}
	return Attributes{a.Seq, deps}
}

// Equal treats a missing dependency and an explicit NoDep as the same thing.
func (a Attributes) Equal(o Attributes) bool {
	if a.Seq != o.Seq {
		return false
	}
	for r, d := range a.Deps {
		if o.Dep(r) != d {
			return false
		}
	}
	for r, d := range o.Deps {
		if a.Dep(r) != d {
			return false
		}
	}
	return true
}

func (a Attributes) String() string {
	ids := make([]string, 0, len(a.Deps))
	for r := range a.Deps {
		ids = append(ids, r)
	}
	sort.Strings(ids)
	b := strings.Builder{}
	b.WriteString(fmt.Sprintf("seq=%d deps=[", a.Seq))
	for i, r := range ids {
		if i > 0 {
			b.WriteString(" ")
		}
		b.WriteString(fmt.Sprintf("%s:%d", r, a.Deps[r]))
	}
	b.WriteString("]")
	return b.String()
}

// Command is opaque to the protocol apart from Key; Operation selects the
// registered operation that interprets Value and IfValue.
type Command struct {
	Operation string `json:"op"`
	Key       string `json:"key"`
	Value     string `json:"value,omitempty"`
	IfValue   string `json:"if_value,omitempty"`
}

const NoopOperation = "noop"

var NOOP = Command{Operation: NoopOperation}

func (c *Command) IsNoop() bool {
	return c != nil && c.Operation == NoopOperation
}

func (c *Command) String() string {
	if c == nil {
		return "<nil>"
	}
	return fmt.Sprintf("%s(%s)", c.Operation, c.Key)
}

type InstanceKey struct {
	ReplicaId  string
	InstanceId int32
}

func (k InstanceKey) String() string {
	return fmt.Sprintf("%s.%d", k.ReplicaId, k.InstanceId)
}

// ReplyType tells the command leader when and how to answer the client.
type ReplyType uint8

const (
	// REQUEST is answered at commit time without a value.
	REQUEST ReplyType = iota
	// READ is answered after execution with the operation result.
	READ
	// REQUEST_AND_READ is answered after execution, result or error.
	REQUEST_AND_READ
)

func (t ReplyType) String() string {
	switch t {
	case REQUEST:
		return "REQUEST"
	case READ:
		return "READ"
	case REQUEST_AND_READ:
		return "REQUEST_AND_READ"
	}
	return fmt.Sprintf("ReplyType(%d)", uint8(t))
}
