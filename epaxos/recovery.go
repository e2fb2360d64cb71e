package epaxos

import (
	"epaxoskv/dlog"
	"epaxoskv/epaxosproto"
)

// RecoveryInitiator takes over instances whose command leader appears to
// have stalled.
type RecoveryInitiator struct {
	r *Replica
}

// StartRecoveryForInstance must run on the protocol context.
func (ri *RecoveryInitiator) StartRecoveryForInstance(replicaId string, instanceId int32) {
	r := ri.r
	if !r.space.Knows(replicaId) {
		return
	}
	key := epaxosproto.InstanceKey{ReplicaId: replicaId, InstanceId: instanceId}
	inst, exists := r.space.Get(key)
	if !exists {
		inst = r.space.registerNewInstance(key, nil, epaxosproto.InitialBallot(replicaId), epaxosproto.NONE,
			epaxosproto.NewAttributes(0, nil))
	}
	if inst.Status.Decided() {
		return
	}
	r.space.adjustCrtInstanceId(replicaId, instanceId)

	floor := inst.Ballot
	if old := r.bookkeeping[key]; old != nil && old.MaxRecvBallot.GreaterThan(floor) {
		floor = old.MaxRecvBallot
	}
	lb := newRecoveryBookkeeping(r.space.ReplicaIds())
	switch {
	case inst.Status == epaxosproto.ACCEPTED:
		lb.RecoveryInstance = &RecoveryInstance{
			Command:    inst.Command,
			Status:     inst.Status,
			Attributes: inst.Attributes,
			Ballot:     inst.AcceptedBallot,
		}
		lb.MaxRecvBallot = inst.Ballot
	case inst.Status != epaxosproto.NONE:
		lb.RecoveryInstance = &RecoveryInstance{
			Command:         inst.Command,
			Status:          inst.Status,
			Attributes:      inst.Attributes,
			Ballot:          inst.AcceptedBallot,
			PreAcceptCount:  1,
			LeaderResponded: r.Id == replicaId,
		}
	}
	r.bookkeeping[key] = lb

	inst.Ballot = floor.Next(r.Id)
	r.space.save(inst)
	r.Stats.Recovering(key)
	dlog.AgentPrintfN(r.Id, "Recovering instance %v (status %v) with ballot %v", key, inst.Status, inst.Ballot)

	ballot := inst.Ballot
	r.broadcast(func(dest string) epaxosproto.Message {
		return &epaxosproto.Prepare{
			Header:     epaxosproto.Route(r.Id, dest, nil),
			LeaderId:   r.Id,
			ReplicaId:  replicaId,
			InstanceId: instanceId,
			Ballot:     ballot,
		}
	})
}
