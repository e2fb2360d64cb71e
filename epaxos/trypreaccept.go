package epaxos

import (
	"epaxoskv/dlog"
	"epaxoskv/epaxosproto"
)

// handleTryPreAccept votes on whether the recovered attributes can still be
// pre-accepted here without hiding a conflict.
func (r *Replica) handleTryPreAccept(m *epaxosproto.TryPreAccept) {
	if !r.space.Knows(m.ReplicaId) {
		dlog.Warningf("Replica %s: trypreaccept for unknown replica %s", r.Id, m.ReplicaId)
		return
	}
	key := epaxosproto.InstanceKey{ReplicaId: m.ReplicaId, InstanceId: m.InstanceId}
	inst, exists := r.space.Get(key)
	nack := func(ballot epaxosproto.Ballot, conflict epaxosproto.InstanceKey, status epaxosproto.InstanceStatus) {
		r.network.Send(&epaxosproto.TryPreAcceptReply{
			Header:             epaxosproto.Route(r.Id, m.Src, m.Meta),
			AcceptorId:         r.Id,
			ReplicaId:          m.ReplicaId,
			InstanceId:         m.InstanceId,
			Ok:                 false,
			Ballot:             ballot,
			ConflictReplicaId:  conflict.ReplicaId,
			ConflictInstanceId: conflict.InstanceId,
			ConflictStatus:     status,
		})
	}

	if exists && inst.Ballot.GreaterThan(m.Ballot) {
		nack(inst.Ballot, key, inst.Status)
		return
	}
	if conflict, ckey, cstatus := r.space.findPreAcceptConflicts(m.Command, m.ReplicaId, m.InstanceId, m.Attributes); conflict {
		nack(m.Ballot, ckey, cstatus)
		return
	}

	r.space.adjustCrtInstanceId(m.ReplicaId, m.InstanceId)
	if exists {
		inst.Command = m.Command
		inst.Attributes = m.Attributes
		inst.Ballot = m.Ballot
		inst.AcceptedBallot = m.Ballot
		inst.setStatus(epaxosproto.PREACCEPTED)
		r.space.save(inst)
	} else {
		r.space.registerNewInstance(key, m.Command, m.Ballot, epaxosproto.PREACCEPTED, m.Attributes)
	}
	r.space.updateConflicts(m.Command, m.ReplicaId, m.InstanceId, m.Attributes.Seq)

	r.network.Send(&epaxosproto.TryPreAcceptReply{
		Header:     epaxosproto.Route(r.Id, m.Src, m.Meta),
		AcceptorId: r.Id,
		ReplicaId:  m.ReplicaId,
		InstanceId: m.InstanceId,
		Ok:         true,
		Ballot:     m.Ballot,
	})
}

func (r *Replica) handleTryPreAcceptReply(m *epaxosproto.TryPreAcceptReply) {
	key := epaxosproto.InstanceKey{ReplicaId: m.ReplicaId, InstanceId: m.InstanceId}
	inst, found := r.space.Get(key)
	lb := r.bookkeeping[key]
	if !found || lb == nil || !lb.TryingToPreAccept || lb.RecoveryInstance == nil {
		return
	}
	ri := lb.RecoveryInstance

	if m.Ok {
		if m.Ballot != inst.Ballot || lb.TryPreAcceptOKs.Acknowledged(m.AcceptorId) {
			return
		}
		lb.PreAcceptOKs.Add(m.AcceptorId)
		lb.TryPreAcceptOKs.Add(m.AcceptorId)
		if lb.PreAcceptOKs.Acks() > r.N/2 {
			inst.Command = ri.Command
			inst.Attributes = ri.Attributes
			lb.TryingToPreAccept = false
			r.startAccept(inst, lb)
		}
		return
	}

	if m.Ballot.GreaterThan(inst.Ballot) {
		lb.recordNack(m.AcceptorId, m.Ballot)
		return
	}
	lb.Rejections.AddNack(m.AcceptorId)
	if lb.TryPreAcceptOKs.Acknowledged(m.AcceptorId) {
		return
	}
	lb.TryPreAcceptOKs.Add(m.AcceptorId)
	if m.ConflictReplicaId == m.ReplicaId && m.ConflictInstanceId == m.InstanceId {
		// the acceptor is already past pre-accept for this very instance
		lb.TryingToPreAccept = false
		return
	}
	lb.PossibleQuorum.Exclude(m.AcceptorId)
	lb.PossibleQuorum.Exclude(m.ConflictReplicaId)
	notInQuorum := lb.PossibleQuorum.Excluded()
	if m.ConflictStatus.Decided() || notInQuorum > r.N/2 {
		lb.TryingToPreAccept = false
		r.restartPhase1(inst, ri.Command)
		return
	}
	if notInQuorum == r.N/2 {
		// the deferred instance's leader would have been in our quorum
		if deferred, dkey := r.space.deferredByInstance(m.ReplicaId, m.InstanceId); deferred &&
			lb.PossibleQuorum.Contains(dkey.ReplicaId) {
			lb.TryingToPreAccept = false
			r.restartPhase1(inst, ri.Command)
			return
		}
	}
	if lb.TryPreAcceptOKs.Acks() >= r.majority() {
		r.space.updateDeferred(m.ReplicaId, m.InstanceId, m.ConflictReplicaId, m.ConflictInstanceId)
		lb.TryingToPreAccept = false
	}
}
