package epaxos

import (
	"epaxoskv/dlog"
	"epaxoskv/epaxosproto"
)

// handleCommit adopts a decided value. Duplicates and late commits for an
// instance that is already decided change nothing.
func (r *Replica) handleCommit(m *epaxosproto.Commit) {
	if !r.space.Knows(m.ReplicaId) {
		dlog.Warningf("Replica %s: commit for unknown replica %s", r.Id, m.ReplicaId)
		return
	}
	key := epaxosproto.InstanceKey{ReplicaId: m.ReplicaId, InstanceId: m.InstanceId}
	inst, exists := r.space.Get(key)
	if exists && inst.Status.Decided() {
		return
	}
	r.space.adjustCrtInstanceId(m.ReplicaId, m.InstanceId)
	if exists {
		inst.Command = m.Command
		inst.Attributes = m.Attributes
		inst.setStatus(epaxosproto.COMMITTED)
		r.space.save(inst)
	} else {
		inst = r.space.registerNewInstance(key, m.Command, epaxosproto.InitialBallot(m.ReplicaId),
			epaxosproto.COMMITTED, m.Attributes)
	}
	r.learnCommit(inst, false)
	// our own instance, decided by whoever recovered it
	r.replyOnCommit(inst)
	delete(r.bookkeeping, key)
}
