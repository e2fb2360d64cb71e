package epaxos

import (
	"epaxoskv/epaxosproto"
	"epaxoskv/quorum"
)

// RecoveryInstance is the best candidate value a recovering leader has
// learned from Prepare replies so far.
type RecoveryInstance struct {
	Command         *epaxosproto.Command
	Status          epaxosproto.InstanceStatus
	Attributes      epaxosproto.Attributes
	Ballot          epaxosproto.Ballot
	PreAcceptCount  int
	LeaderResponded bool
}

// LeaderBookkeeping is the leader-side scratch state for one instance. It
// lives in Replica.bookkeeping, keyed by the instance, and is replaced when
// this replica starts a new round for the instance.
type LeaderBookkeeping struct {
	PreAcceptOKs    *quorum.CountingQuorumTally
	AcceptOKs       *quorum.CountingQuorumTally
	PrepareOKs      *quorum.CountingQuorumTally
	TryPreAcceptOKs *quorum.CountingQuorumTally
	Rejections      *quorum.CountingQuorumTally
	MaxRecvBallot   epaxosproto.Ballot
	AllEqual        bool
	OriginalDeps    map[string]int32
	CommittedDeps   map[string]int32

	PossibleQuorum    *quorum.PossibleQuorum
	RecoveryInstance  *RecoveryInstance
	TryingToPreAccept bool
	Preparing         bool
}

func newLeaderBookkeeping(replicaIds []string, originalDeps map[string]int32) *LeaderBookkeeping {
	n := len(replicaIds)
	lb := &LeaderBookkeeping{
		PreAcceptOKs:    quorum.CountingQuorumTallyNew(quorum.Majority(n)),
		AcceptOKs:       quorum.CountingQuorumTallyNew(quorum.Majority(n)),
		PrepareOKs:      quorum.CountingQuorumTallyNew(quorum.Majority(n)),
		TryPreAcceptOKs: quorum.CountingQuorumTallyNew(quorum.Majority(n)),
		Rejections:      quorum.CountingQuorumTallyNew(quorum.Majority(n)),
		AllEqual:        true,
		OriginalDeps:    originalDeps,
		CommittedDeps:   make(map[string]int32, n),
		PossibleQuorum:  quorum.PossibleQuorumNew(replicaIds),
	}
	for _, id := range replicaIds {
		lb.CommittedDeps[id] = epaxosproto.NoDep
	}
	return lb
}

func newRecoveryBookkeeping(replicaIds []string) *LeaderBookkeeping {
	lb := newLeaderBookkeeping(replicaIds, nil)
	lb.Preparing = true
	return lb
}

// recordNack reports whether the round has now been rejected by more than a
// majority of the other replicas.
func (lb *LeaderBookkeeping) recordNack(acceptorId string, ballot epaxosproto.Ballot) bool {
	lb.Rejections.AddNack(acceptorId)
	if ballot.GreaterThan(lb.MaxRecvBallot) {
		lb.MaxRecvBallot = ballot
	}
	return lb.Rejections.NackCount() > lb.Rejections.Threshold
}
