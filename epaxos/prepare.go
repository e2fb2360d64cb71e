package epaxos

import (
	"epaxoskv/dlog"
	"epaxoskv/epaxosproto"
	"epaxoskv/quorum"
)

func (r *Replica) handlePrepare(m *epaxosproto.Prepare) {
	if !r.space.Knows(m.ReplicaId) {
		dlog.Warningf("Replica %s: prepare for unknown replica %s", r.Id, m.ReplicaId)
		return
	}
	key := epaxosproto.InstanceKey{ReplicaId: m.ReplicaId, InstanceId: m.InstanceId}
	r.space.adjustCrtInstanceId(m.ReplicaId, m.InstanceId)
	inst, exists := r.space.Get(key)
	ok := true
	if !exists {
		inst = r.space.registerNewInstance(key, nil, m.Ballot, epaxosproto.NONE,
			epaxosproto.NewAttributes(0, nil))
	} else if m.Ballot.LessThan(inst.Ballot) {
		ok = false
	} else {
		inst.Ballot = m.Ballot
		r.space.save(inst)
		// a new round started elsewhere, our own round is over
		delete(r.bookkeeping, key)
	}
	r.network.Send(&epaxosproto.PrepareReply{
		Header:         epaxosproto.Route(r.Id, m.Src, m.Meta),
		AcceptorId:     r.Id,
		ReplicaId:      m.ReplicaId,
		InstanceId:     m.InstanceId,
		Ok:             ok,
		Ballot:         inst.Ballot,
		Status:         inst.Status,
		Command:        inst.Command,
		Attributes:     inst.Attributes,
		AcceptedBallot: inst.AcceptedBallot,
	})
}

func (r *Replica) handlePrepareReply(m *epaxosproto.PrepareReply) {
	key := epaxosproto.InstanceKey{ReplicaId: m.ReplicaId, InstanceId: m.InstanceId}
	inst, found := r.space.Get(key)
	lb := r.bookkeeping[key]
	if !found || lb == nil || !lb.Preparing {
		return
	}
	if !m.Ok {
		// another replica is recovering with a higher ballot
		lb.recordNack(m.AcceptorId, m.Ballot)
		return
	}
	if m.Ballot != inst.Ballot || lb.PrepareOKs.Acknowledged(m.AcceptorId) {
		return
	}
	lb.PrepareOKs.Add(m.AcceptorId)

	switch m.Status {
	case epaxosproto.COMMITTED, epaxosproto.EXECUTED:
		dlog.Printf("Replica %s: recovered %v already decided at %s", r.Id, key, m.AcceptorId)
		lb.Preparing = false
		inst.Command = m.Command
		inst.Attributes = m.Attributes
		r.commit(inst, false)
		return
	case epaxosproto.ACCEPTED:
		ri := lb.RecoveryInstance
		if ri == nil || ri.Status != epaxosproto.ACCEPTED || ri.Ballot.LessThan(m.AcceptedBallot) {
			lb.RecoveryInstance = &RecoveryInstance{
				Command:    m.Command,
				Status:     m.Status,
				Attributes: m.Attributes,
				Ballot:     m.AcceptedBallot,
			}
		}
	case epaxosproto.PREACCEPTED, epaxosproto.PREACCEPTED_EQ:
		ri := lb.RecoveryInstance
		if ri == nil || ri.Status < epaxosproto.ACCEPTED {
			switch {
			case ri == nil:
				ri = &RecoveryInstance{Command: m.Command, Status: m.Status, Attributes: m.Attributes,
					Ballot: m.AcceptedBallot, PreAcceptCount: 1}
				lb.RecoveryInstance = ri
			case m.Attributes.Equal(ri.Attributes):
				ri.PreAcceptCount++
			case m.Status == epaxosproto.PREACCEPTED_EQ && ri.Status != epaxosproto.PREACCEPTED_EQ:
				leaderResponded := ri.LeaderResponded
				ri = &RecoveryInstance{Command: m.Command, Status: m.Status, Attributes: m.Attributes,
					Ballot: m.AcceptedBallot, PreAcceptCount: 1, LeaderResponded: leaderResponded}
				lb.RecoveryInstance = ri
			}
			if m.AcceptorId == m.ReplicaId {
				// the original command leader is alive
				ri.LeaderResponded = true
				return
			}
		}
	}

	if lb.PrepareOKs.Acks() < r.majority() {
		return
	}
	r.concludePrepare(inst, lb)
}

// concludePrepare picks how to finish a recovery once a majority answered
// the Prepare.
func (r *Replica) concludePrepare(inst Instance, lb *LeaderBookkeeping) {
	key := inst.Key
	ri := lb.RecoveryInstance
	if ri == nil {
		// nobody has seen a command for this slot
		noop := epaxosproto.NOOP
		deps := map[string]int32{}
		if key.InstanceId > 0 {
			deps[key.ReplicaId] = key.InstanceId - 1
		}
		inst.Command = &noop
		inst.Attributes = epaxosproto.NewAttributes(0, deps)
		lb.Preparing = false
		dlog.Printf("Replica %s: recovering %v as noop", r.Id, key)
		r.startAccept(inst, lb)
		return
	}

	if ri.Status == epaxosproto.ACCEPTED ||
		(!ri.LeaderResponded && ri.PreAcceptCount >= r.majority() && ri.Status == epaxosproto.PREACCEPTED_EQ) {
		inst.Command = ri.Command
		inst.Attributes = ri.Attributes
		lb.Preparing = false
		r.startAccept(inst, lb)
		return
	}

	if !ri.LeaderResponded && ri.PreAcceptCount >= (r.majority()+1)/2 {
		lb.PreAcceptOKs.Reset()
		lb.TryPreAcceptOKs.Reset()
		lb.Rejections.Reset()
		lb.PossibleQuorum = quorum.PossibleQuorumNew(r.space.ReplicaIds())
		conflict, ckey, cstatus := r.space.findPreAcceptConflicts(ri.Command, key.ReplicaId, key.InstanceId, ri.Attributes)
		if conflict {
			if cstatus.Decided() {
				// a committed instance this candidate never saw, start over
				lb.Preparing = false
				r.restartPhase1(inst, ri.Command)
				return
			}
			dlog.Printf("Replica %s: candidate for %v conflicts locally with %v", r.Id, key, ckey)
			lb.Rejections.AddNack(r.Id)
			lb.PossibleQuorum.Exclude(r.Id)
		} else {
			inst.Command = ri.Command
			inst.Attributes = ri.Attributes
			inst.AcceptedBallot = inst.Ballot
			inst.setStatus(epaxosproto.PREACCEPTED)
			r.space.save(inst)
			lb.PreAcceptOKs.Add(r.Id)
		}
		lb.Preparing = false
		lb.TryingToPreAccept = true
		r.broadcast(func(dest string) epaxosproto.Message {
			return &epaxosproto.TryPreAccept{
				Header:     epaxosproto.Route(r.Id, dest, nil),
				LeaderId:   r.Id,
				ReplicaId:  key.ReplicaId,
				InstanceId: key.InstanceId,
				Ballot:     inst.Ballot,
				Command:    ri.Command,
				Attributes: ri.Attributes,
			}
		})
		return
	}

	lb.Preparing = false
	r.restartPhase1(inst, ri.Command)
}

// restartPhase1 runs the instance again from PreAccept under its current
// recovery ballot, with attributes computed from this replica's view.
func (r *Replica) restartPhase1(inst Instance, cmd *epaxosproto.Command) {
	key := inst.Key
	if cmd == nil {
		noop := epaxosproto.NOOP
		cmd = &noop
	}
	_, attrs := r.space.updateAttributes("", key.InstanceId, cmd, epaxosproto.NewAttributes(0, nil))
	if d, ok := attrs.Deps[key.ReplicaId]; ok && d >= key.InstanceId {
		if key.InstanceId > 0 {
			attrs.Deps[key.ReplicaId] = key.InstanceId - 1
		} else {
			delete(attrs.Deps, key.ReplicaId)
		}
	}
	inst.Command = cmd
	inst.Attributes = attrs
	inst.AcceptedBallot = inst.Ballot
	inst.setStatus(epaxosproto.PREACCEPTED)
	r.space.save(inst)
	lb := newLeaderBookkeeping(r.space.ReplicaIds(), attrs.Deps)
	r.bookkeeping[key] = lb
	r.space.updateConflicts(cmd, key.ReplicaId, key.InstanceId, attrs.Seq)
	dlog.Printf("Replica %s: restarting %v from phase 1 at %v with %v", r.Id, key, inst.Ballot, attrs)

	r.broadcast(func(dest string) epaxosproto.Message {
		return &epaxosproto.PreAccept{
			Header:     epaxosproto.Route(r.Id, dest, nil),
			LeaderId:   r.Id,
			ReplicaId:  key.ReplicaId,
			InstanceId: key.InstanceId,
			Ballot:     inst.Ballot,
			Command:    cmd,
			Attributes: attrs,
		}
	})
}
