package epaxos

import (
	"errors"
	"fmt"

	"epaxoskv/dlog"
	"epaxoskv/epaxosproto"
	"epaxoskv/quorum"
	"epaxoskv/state"
)

type Replica struct {
	Id string
	N  int

	cluster  Cluster
	network  Network
	driver   ExecutingDriver
	storage  state.Storage
	registry *state.Registry
	cfg      Config

	space       *InstanceSpace
	bookkeeping map[epaxosproto.InstanceKey]*LeaderBookkeeping
	recovery    *RecoveryInitiator
	processor   *CommandProcessor

	// Journal and Stats are optional and must be set before Start.
	Journal Journal
	Stats   Recorder

	started bool
}

func NewReplica(cluster Cluster, storage state.Storage, network Network, driver ExecutingDriver,
	registry *state.Registry, cfg Config) (*Replica, error) {
	if cluster == nil || storage == nil || network == nil || driver == nil {
		return nil, errors.New("epaxos: cluster, storage, network and driver are required")
	}
	if registry == nil {
		registry = state.KVRegistry()
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	self := cluster.CurrentReplicaId()
	ids := cluster.ReplicaIds()
	found := false
	for _, id := range ids {
		if id == self {
			found = true
		}
	}
	if !found {
		return nil, fmt.Errorf("epaxos: replica %q is not a member of %v", self, ids)
	}

	r := &Replica{
		Id:          self,
		N:           len(ids),
		cluster:     cluster,
		network:     network,
		driver:      driver,
		storage:     storage,
		registry:    registry,
		cfg:         cfg,
		space:       NewInstanceSpace(self, ids, registry),
		bookkeeping: make(map[epaxosproto.InstanceKey]*LeaderBookkeeping),
		Stats:       nopRecorder{},
	}
	r.recovery = &RecoveryInitiator{r: r}
	r.processor = newCommandProcessor(r)
	return r, nil
}

// Start registers the message handlers and the execution pass.
func (r *Replica) Start() {
	if r.started {
		return
	}
	r.started = true
	if r.Stats == nil {
		r.Stats = nopRecorder{}
	}
	handlers := map[epaxosproto.MessageKind]func(epaxosproto.Message){
		epaxosproto.REQUEST_MSG:          func(m epaxosproto.Message) { r.handleRequest(m.(*epaxosproto.Request)) },
		epaxosproto.READ_MSG:             func(m epaxosproto.Message) { r.handleRead(m.(*epaxosproto.Read)) },
		epaxosproto.REQUEST_AND_READ_MSG: func(m epaxosproto.Message) { r.handleRequestAndRead(m.(*epaxosproto.RequestAndRead)) },
		epaxosproto.PREACCEPT:            func(m epaxosproto.Message) { r.handlePreAccept(m.(*epaxosproto.PreAccept)) },
		epaxosproto.PREACCEPT_OK:         func(m epaxosproto.Message) { r.handlePreAcceptOK(m.(*epaxosproto.PreAcceptOK)) },
		epaxosproto.PREACCEPT_REPLY:      func(m epaxosproto.Message) { r.handlePreAcceptReply(m.(*epaxosproto.PreAcceptReply)) },
		epaxosproto.ACCEPT:               func(m epaxosproto.Message) { r.handleAccept(m.(*epaxosproto.Accept)) },
		epaxosproto.ACCEPT_REPLY:         func(m epaxosproto.Message) { r.handleAcceptReply(m.(*epaxosproto.AcceptReply)) },
		epaxosproto.COMMIT:               func(m epaxosproto.Message) { r.handleCommit(m.(*epaxosproto.Commit)) },
		epaxosproto.PREPARE:              func(m epaxosproto.Message) { r.handlePrepare(m.(*epaxosproto.Prepare)) },
		epaxosproto.PREPARE_REPLY:        func(m epaxosproto.Message) { r.handlePrepareReply(m.(*epaxosproto.PrepareReply)) },
		epaxosproto.TRY_PREACCEPT:        func(m epaxosproto.Message) { r.handleTryPreAccept(m.(*epaxosproto.TryPreAccept)) },
		epaxosproto.TRY_PREACCEPT_REPLY:  func(m epaxosproto.Message) { r.handleTryPreAcceptReply(m.(*epaxosproto.TryPreAcceptReply)) },
	}
	for kind, handler := range handlers {
		r.route(kind, handler)
	}
	r.driver.Schedule(func() {
		r.runTask("execute", r.processor.executeCommands)
	})
	dlog.AgentPrintfN(r.Id, "Started replica in a cluster of %d: %v", r.N, r.space.ReplicaIds())
}

func (r *Replica) Shutdown() {
	r.driver.Shutdown()
}

func (r *Replica) route(kind epaxosproto.MessageKind, handler func(epaxosproto.Message)) {
	name := kind.String()
	r.network.RegisterHandler(kind, func(m epaxosproto.Message) {
		r.driver.Enqueue(func() {
			r.runTask(name, func() { handler(m) })
		})
	})
}

// runTask keeps a failing task from taking its context down with it.
func (r *Replica) runTask(name string, task func()) {
	defer func() {
		if p := recover(); p != nil {
			dlog.Errorf("Replica %s: %s task failed: %v", r.Id, name, p)
		}
	}()
	task()
}

// Space exposes the instance space for inspection.
func (r *Replica) Space() *InstanceSpace {
	return r.space
}

func (r *Replica) Bookkeeping(key epaxosproto.InstanceKey) *LeaderBookkeeping {
	return r.bookkeeping[key]
}

// StartRecovery asks the protocol context to take over the instance.
func (r *Replica) StartRecovery(replicaId string, instanceId int32) {
	r.driver.Enqueue(func() {
		r.runTask("recovery", func() {
			r.recovery.StartRecoveryForInstance(replicaId, instanceId)
		})
	})
}

func (r *Replica) broadcast(build func(dest string) epaxosproto.Message) {
	for _, id := range r.space.ReplicaIds() {
		if id == r.Id {
			continue
		}
		r.network.Send(build(id))
	}
}

func (r *Replica) majority() int {
	return quorum.Majority(r.N)
}

// replyOnCommit answers a plain write once its instance is decided.
func (r *Replica) replyOnCommit(inst Instance) {
	rd := inst.ReplyData
	if rd == nil || rd.Type != epaxosproto.REQUEST {
		return
	}
	if inst.Command == nil || inst.Command.IsNoop() {
		r.network.Send(epaxosproto.ErrorReply(rd.ReplyKind, r.Id, rd.ClientId, rd.Meta,
			state.ErrTemporarilyUnavailable, "command was replaced during recovery"))
		return
	}
	r.network.Send(epaxosproto.OkReply(rd.ReplyKind, r.Id, rd.ClientId, rd.Meta))
}

// learnCommit does the local bookkeeping every replica runs when an
// instance becomes COMMITTED.
func (r *Replica) learnCommit(inst Instance, fast bool) {
	r.space.updateConflicts(inst.Command, inst.Key.ReplicaId, inst.Key.InstanceId, inst.Attributes.Seq)
	r.space.updateCommitted(inst.Key.ReplicaId)
	if r.Journal != nil {
		if err := r.Journal.RecordCommit(inst.Key, inst.Command, inst.Attributes); err != nil {
			dlog.Warningf("Replica %s: could not journal %v: %v", r.Id, inst.Key, err)
		}
	}
	r.Stats.Committed(inst.Key, fast)
	dlog.Printf("Replica %s: committed %v %v %v (fast=%t)", r.Id, inst.Key, inst.Command, inst.Attributes, fast)
}

// commit decides inst as the leader of its current ballot.
func (r *Replica) commit(inst Instance, fast bool) {
	inst.setStatus(epaxosproto.COMMITTED)
	r.space.save(inst)
	r.learnCommit(inst, fast)
	r.replyOnCommit(inst)
	delete(r.bookkeeping, inst.Key)
	r.broadcast(func(dest string) epaxosproto.Message {
		return &epaxosproto.Commit{
			Header:     epaxosproto.Route(r.Id, dest, nil),
			LeaderId:   r.Id,
			ReplicaId:  inst.Key.ReplicaId,
			InstanceId: inst.Key.InstanceId,
			Command:    inst.Command,
			Attributes: inst.Attributes,
		}
	})
}

// startAccept moves inst to the slow path under its current ballot.
func (r *Replica) startAccept(inst Instance, lb *LeaderBookkeeping) {
	inst.setStatus(epaxosproto.ACCEPTED)
	r.space.save(inst)
	r.space.updateConflicts(inst.Command, inst.Key.ReplicaId, inst.Key.InstanceId, inst.Attributes.Seq)
	lb.AcceptOKs.Reset()
	lb.Rejections.Reset()
	if r.majority() == 0 {
		r.commit(inst, false)
		return
	}
	r.broadcast(func(dest string) epaxosproto.Message {
		return &epaxosproto.Accept{
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
