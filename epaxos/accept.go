package epaxos

import (
	"epaxoskv/dlog"
	"epaxoskv/epaxosproto"
)

func (r *Replica) handleAccept(m *epaxosproto.Accept) {
	if !r.space.Knows(m.ReplicaId) {
		dlog.Warningf("Replica %s: accept for unknown replica %s", r.Id, m.ReplicaId)
		return
	}
	key := epaxosproto.InstanceKey{ReplicaId: m.ReplicaId, InstanceId: m.InstanceId}
	inst, exists := r.space.Get(key)
	r.space.trackSeq(m.Command, m.Attributes.Seq)
	if exists && inst.Status.Decided() {
		return
	}
	r.space.adjustCrtInstanceId(m.ReplicaId, m.InstanceId)

	if exists {
		if m.Ballot.LessThan(inst.Ballot) {
			r.network.Send(&epaxosproto.AcceptReply{
				Header:     epaxosproto.Route(r.Id, m.Src, m.Meta),
				ReplicaId:  m.ReplicaId,
				InstanceId: m.InstanceId,
				Ok:         false,
				Ballot:     inst.Ballot,
			})
			return
		}
		inst.Command = m.Command
		inst.Attributes = m.Attributes
		inst.Ballot = m.Ballot
		inst.AcceptedBallot = m.Ballot
		inst.setStatus(epaxosproto.ACCEPTED)
		r.space.save(inst)
	} else {
		r.space.registerNewInstance(key, m.Command, m.Ballot, epaxosproto.ACCEPTED, m.Attributes)
	}
	r.space.updateConflicts(m.Command, m.ReplicaId, m.InstanceId, m.Attributes.Seq)

	r.network.Send(&epaxosproto.AcceptReply{
		Header:     epaxosproto.Route(r.Id, m.Src, m.Meta),
		ReplicaId:  m.ReplicaId,
		InstanceId: m.InstanceId,
		Ok:         true,
		Ballot:     m.Ballot,
	})
}

// handleAcceptReply commits once a majority accepted. A nack only raises
// MaxRecvBallot for a later recovery to start above it.
func (r *Replica) handleAcceptReply(m *epaxosproto.AcceptReply) {
	key := epaxosproto.InstanceKey{ReplicaId: m.ReplicaId, InstanceId: m.InstanceId}
	inst, ok := r.space.Get(key)
	lb := r.bookkeeping[key]
	if !ok || lb == nil || inst.Status != epaxosproto.ACCEPTED {
		return
	}
	if !m.Ok {
		lb.recordNack(m.Src, m.Ballot)
		return
	}
	if inst.Ballot != m.Ballot {
		return
	}
	lb.AcceptOKs.Add(m.Src)
	if lb.AcceptOKs.Reached() {
		r.commit(inst, false)
	}
}
