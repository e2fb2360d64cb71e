package epaxos

import (
	"epaxoskv/dlog"
	"epaxoskv/epaxosproto"
	"epaxoskv/quorum"
)

func (r *Replica) handlePreAccept(m *epaxosproto.PreAccept) {
	if !r.space.Knows(m.ReplicaId) {
		dlog.Warningf("Replica %s: preaccept for unknown replica %s", r.Id, m.ReplicaId)
		return
	}
	key := epaxosproto.InstanceKey{ReplicaId: m.ReplicaId, InstanceId: m.InstanceId}
	inst, exists := r.space.Get(key)

	if exists && inst.Status >= epaxosproto.ACCEPTED {
		// already past this phase, only fill in a command we never saw
		if inst.Command == nil && m.Command != nil {
			inst.Command = m.Command
			r.space.save(inst)
			r.space.updateConflicts(m.Command, m.ReplicaId, m.InstanceId, m.Attributes.Seq)
		}
		return
	}

	r.space.adjustCrtInstanceId(m.ReplicaId, m.InstanceId)
	changed, attrs := r.space.updateAttributes(m.ReplicaId, m.InstanceId, m.Command, m.Attributes)
	uncommittedDeps := r.space.hasUncommittedDeps(attrs.Deps)
	status := epaxosproto.PREACCEPTED_EQ
	if changed {
		status = epaxosproto.PREACCEPTED
	}

	if exists {
		if inst.Ballot.GreaterThan(m.Ballot) {
			r.network.Send(&epaxosproto.PreAcceptReply{
				Header:        epaxosproto.Route(r.Id, m.Src, m.Meta),
				ReplicaId:     m.ReplicaId,
				InstanceId:    m.InstanceId,
				Ok:            false,
				Ballot:        inst.Ballot,
				Attributes:    inst.Attributes,
				CommittedDeps: r.space.committedUpToVector(),
			})
			return
		}
		inst.Command = m.Command
		inst.Attributes = attrs
		inst.Ballot = m.Ballot
		inst.AcceptedBallot = m.Ballot
		inst.setStatus(status)
		r.space.save(inst)
	} else {
		r.space.registerNewInstance(key, m.Command, m.Ballot, status, attrs)
	}

	seq := m.Attributes.Seq
	if r.cfg.ConflictSeqFromMerged {
		seq = attrs.Seq
	}
	r.space.updateConflicts(m.Command, m.ReplicaId, m.InstanceId, seq)

	if changed || uncommittedDeps || m.Src != m.ReplicaId || !m.Ballot.IsInitial() {
		r.network.Send(&epaxosproto.PreAcceptReply{
			Header:        epaxosproto.Route(r.Id, m.Src, m.Meta),
			ReplicaId:     m.ReplicaId,
			InstanceId:    m.InstanceId,
			Ok:            true,
			Ballot:        m.Ballot,
			Attributes:    attrs,
			CommittedDeps: r.space.committedUpToVector(),
		})
		return
	}
	r.network.Send(&epaxosproto.PreAcceptOK{
		Header:     epaxosproto.Route(r.Id, m.Src, m.Meta),
		InstanceId: m.InstanceId,
	})
}

// handlePreAcceptOK counts an acceptor that agreed with the proposal as sent
// and had all its dependencies committed.
func (r *Replica) handlePreAcceptOK(m *epaxosproto.PreAcceptOK) {
	key := epaxosproto.InstanceKey{ReplicaId: r.Id, InstanceId: m.InstanceId}
	inst, ok := r.space.Get(key)
	lb := r.bookkeeping[key]
	if !ok || lb == nil || inst.Status != epaxosproto.PREACCEPTED || !inst.Ballot.IsInitial() {
		return
	}
	if lb.PreAcceptOKs.Acknowledged(m.Src) {
		return
	}
	lb.PreAcceptOKs.Add(m.Src)
	allCommitted := r.space.updateCommittedDeps(lb, inst.Attributes.Deps, lb.OriginalDeps)
	r.decidePreAccept(inst, lb, allCommitted)
}

func (r *Replica) handlePreAcceptReply(m *epaxosproto.PreAcceptReply) {
	key := epaxosproto.InstanceKey{ReplicaId: m.ReplicaId, InstanceId: m.InstanceId}
	inst, ok := r.space.Get(key)
	lb := r.bookkeeping[key]
	if !ok || lb == nil || inst.Status != epaxosproto.PREACCEPTED {
		// delayed reply, we've moved on
		return
	}
	if !m.Ok {
		// there is probably another active leader
		if lb.recordNack(m.Src, m.Ballot) {
			dlog.Printf("Replica %s: pre-accept of %v rejected by a majority, highest ballot %v", r.Id, key, lb.MaxRecvBallot)
		}
		return
	}
	if inst.Ballot != m.Ballot {
		return
	}
	if lb.PreAcceptOKs.Acknowledged(m.Src) {
		return
	}
	lb.PreAcceptOKs.Add(m.Src)

	equal, merged := r.space.mergeAttributes(inst.Attributes, m.Attributes)
	if r.N <= 3 || lb.PreAcceptOKs.Acks() > 1 {
		lb.AllEqual = lb.AllEqual && equal
	}
	inst.Attributes = merged
	r.space.save(inst)
	allCommitted := r.space.updateCommittedDeps(lb, merged.Deps, m.CommittedDeps)
	r.decidePreAccept(inst, lb, allCommitted)
}

// decidePreAccept picks the fast or the slow path once a classic quorum has
// answered. With seven or more replicas a fast commit needs more replies than
// that; until they arrive the instance stays pre-accepted.
func (r *Replica) decidePreAccept(inst Instance, lb *LeaderBookkeeping, allCommitted bool) {
	oks := lb.PreAcceptOKs.Acks()
	if oks < r.majority() {
		return
	}
	fast := lb.AllEqual && allCommitted && inst.Ballot.IsInitial()
	if !fast {
		r.startAccept(inst, lb)
		return
	}
	if oks < quorum.FastQuorum(r.N) {
		return
	}
	r.commit(inst, true)
}
