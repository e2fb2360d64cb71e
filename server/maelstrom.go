package main

import (
	"epaxoskv/dlog"
	"epaxoskv/epaxos"
	"epaxoskv/epaxosproto"
	"epaxoskv/genericsmr"
	"epaxoskv/state"
)

// maelstromNode builds its replica on the init message and then runs one
// execution pass after every message it handles, all on the reading
// goroutine.
type maelstromNode struct {
	network *genericsmr.StdioNetwork
	driver  *genericsmr.ManualDriver
	cfg     epaxos.Config
	replica *epaxos.Replica
	extras  *extras
}

func newMaelstromNode(network *genericsmr.StdioNetwork, cfg epaxos.Config) *maelstromNode {
	return &maelstromNode{
		network: network,
		driver:  genericsmr.NewManualDriver(),
		cfg:     cfg,
	}
}

func (n *maelstromNode) serve() error {
	return n.network.Serve(n.handle)
}

func (n *maelstromNode) handle(m epaxosproto.Message) {
	h := m.Head()
	if init, ok := m.(*epaxosproto.Init); ok {
		n.init(init)
		return
	}
	if n.replica == nil {
		n.network.Send(epaxosproto.ErrorReply(epaxosproto.ReplyKindFor(m.Kind()), h.Dest, h.Src, h.Meta,
			state.ErrPreconditionFailed, "replica must be initialized first"))
		return
	}
	if !n.network.Dispatch(m) {
		dlog.Warningf("Replica %s: no handler for %s from %s", n.replica.Id, m.Kind(), h.Src)
	}
	n.driver.RunScheduled()
}

func (n *maelstromNode) init(m *epaxosproto.Init) {
	if n.replica != nil {
		dlog.Warningf("Replica %s: ignoring a second init from %s", n.replica.Id, m.Src)
		n.network.Send(&epaxosproto.InitOk{Header: epaxosproto.Route(n.replica.Id, m.Src, m.Meta)})
		return
	}
	fail := func(err error) {
		dlog.Errorf("cannot initialize %s: %v", m.NodeId, err)
		n.network.Send(epaxosproto.ErrorReply(epaxosproto.REQUEST_REPLY, m.NodeId, m.Src, m.Meta,
			state.ErrCrash, err.Error()))
	}
	cluster, err := genericsmr.NewStaticCluster(m.NodeId, m.NodeIds)
	if err != nil {
		fail(err)
		return
	}
	rep, err := epaxos.NewReplica(cluster, state.InitState(), n.network, n.driver, state.KVRegistry(), n.cfg)
	if err != nil {
		fail(err)
		return
	}
	ext, err := attachExtras(rep)
	if err != nil {
		fail(err)
		return
	}
	rep.Start()
	n.replica = rep
	n.extras = ext
	n.network.Send(&epaxosproto.InitOk{Header: epaxosproto.Route(m.NodeId, m.Src, m.Meta)})
}

func (n *maelstromNode) close() {
	if n.replica != nil {
		n.replica.Shutdown()
	}
	if n.extras != nil {
		n.extras.close()
	}
}
