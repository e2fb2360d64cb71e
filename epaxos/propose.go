package epaxos

import (
	"fmt"

	"epaxoskv/dlog"
	"epaxoskv/epaxosproto"
	"epaxoskv/state"
)

func (r *Replica) handleRequest(m *epaxosproto.Request) {
	r.propose(m.Header, m.Command, epaxosproto.REQUEST, epaxosproto.REQUEST_REPLY)
}

func (r *Replica) handleRead(m *epaxosproto.Read) {
	r.propose(m.Header, m.Command, epaxosproto.READ, epaxosproto.READ_REPLY)
}

func (r *Replica) handleRequestAndRead(m *epaxosproto.RequestAndRead) {
	r.propose(m.Header, m.Command, epaxosproto.REQUEST_AND_READ, epaxosproto.REQUEST_AND_READ_REPLY)
}

// propose makes this replica the command leader of a new instance for cmd.
func (r *Replica) propose(h epaxosproto.Header, cmd epaxosproto.Command, replyType epaxosproto.ReplyType,
	replyKind epaxosproto.MessageKind) {
	if cmd.IsNoop() || !r.registry.Has(cmd.Operation) {
		r.network.Send(epaxosproto.ErrorReply(replyKind, r.Id, h.Src, h.Meta, state.ErrNotSupported,
			fmt.Sprintf("operation %q is not supported", cmd.Operation)))
		return
	}
	reply := &ReplyData{Type: replyType, ClientId: h.Src, ReplyKind: replyKind, Meta: h.Meta}
	inst := r.space.registerNewCommandLeaderInstance(&cmd, reply)
	lb := newLeaderBookkeeping(r.space.ReplicaIds(), inst.Attributes.Deps)
	r.bookkeeping[inst.Key] = lb
	r.Stats.Proposed(inst.Key)
	dlog.Printf("Replica %s: proposing %v as %v with %v", r.Id, inst.Command, inst.Key, inst.Attributes)

	if r.majority() == 0 {
		r.commit(inst, true)
		return
	}
	r.broadcast(func(dest string) epaxosproto.Message {
		return &epaxosproto.PreAccept{
			Header:     epaxosproto.Route(r.Id, dest, nil),
			LeaderId:   r.Id,
			ReplicaId:  inst.Key.ReplicaId,
			InstanceId: inst.Key.InstanceId,
			Ballot:     inst.Ballot,
			Command:    inst.Command,
			Attributes: inst.Attributes,
		}
	})
}
