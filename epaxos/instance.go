package epaxos

import (
	"time"

	"epaxoskv/epaxosproto"
)

// ReplyData binds an instance to the client request that created it. Only the
// command leader holds one.
type ReplyData struct {
	Type      epaxosproto.ReplyType
	ClientId  string
	ReplyKind epaxosproto.MessageKind
	Meta      epaxosproto.Metadata
}

// Instance is handed out by InstanceSpace as a copy. Command and the Deps map
// inside Attributes are shared with the stored record and must not be
// mutated.
type Instance struct {
	Key              epaxosproto.InstanceKey
	Command          *epaxosproto.Command
	Ballot           epaxosproto.Ballot
	AcceptedBallot   epaxosproto.Ballot
	Status           epaxosproto.InstanceStatus
	Attributes       epaxosproto.Attributes
	ReplyData        *ReplyData
	LastStatusChange time.Time
}

func (i *Instance) ReplicaId() string {
	return i.Key.ReplicaId
}

func (i *Instance) InstanceId() int32 {
	return i.Key.InstanceId
}

func (i *Instance) setStatus(s epaxosproto.InstanceStatus) {
	if i.Status != s {
		i.Status = s
		i.LastStatusChange = time.Now()
	}
}

// sortable orders the members of one strongly connected component.
type sortable []Instance

func (s sortable) Len() int { return len(s) }

func (s sortable) Less(i, j int) bool {
	a, b := s[i], s[j]
	if a.Attributes.Seq != b.Attributes.Seq {
		return a.Attributes.Seq < b.Attributes.Seq
	}
	if a.Key.ReplicaId != b.Key.ReplicaId {
		return a.Key.ReplicaId < b.Key.ReplicaId
	}
	return a.Key.InstanceId < b.Key.InstanceId
}

func (s sortable) Swap(i, j int) { s[i], s[j] = s[j], s[i] }
