package epaxos

import (
	"time"

	"epaxoskv/epaxosproto"
)

// Cluster is the static membership a replica runs in.
type Cluster interface {
	CurrentReplicaId() string
	// ReplicaIds is sorted and includes the current replica.
	ReplicaIds() []string
}

// Network delivers messages with no ordering or delivery guarantee.
type Network interface {
	Send(m epaxosproto.Message)
	RegisterHandler(kind epaxosproto.MessageKind, handler func(epaxosproto.Message))
}

// ExecutingDriver owns the two contexts a replica runs in. Tasks handed to
// Enqueue run one at a time on the protocol context; Schedule installs the
// periodic execution pass.
type ExecutingDriver interface {
	Enqueue(task func())
	Schedule(task func())
	Sleep(d time.Duration)
	Shutdown()
}

// Journal receives every instance this replica learns as committed.
type Journal interface {
	RecordCommit(key epaxosproto.InstanceKey, cmd *epaxosproto.Command, attrs epaxosproto.Attributes) error
}

// Recorder is notified of protocol milestones.
type Recorder interface {
	Proposed(key epaxosproto.InstanceKey)
	Committed(key epaxosproto.InstanceKey, fast bool)
	Executed(key epaxosproto.InstanceKey)
	Recovering(key epaxosproto.InstanceKey)
	// Stalled is called once per instance the execution pass finds blocking.
	Stalled(key epaxosproto.InstanceKey)
}

type nopRecorder struct{}

func (nopRecorder) Proposed(epaxosproto.InstanceKey)        {}
func (nopRecorder) Committed(epaxosproto.InstanceKey, bool) {}
func (nopRecorder) Executed(epaxosproto.InstanceKey)        {}
func (nopRecorder) Recovering(epaxosproto.InstanceKey)      {}
func (nopRecorder) Stalled(epaxosproto.InstanceKey)         {}
