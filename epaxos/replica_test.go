package epaxos

import (
	"fmt"
	"testing"
	"time"

	"epaxoskv/epaxosproto"
	"epaxoskv/genericsmr"
	"epaxoskv/state"
)

type recorder struct {
	proposed   []epaxosproto.InstanceKey
	committed  map[epaxosproto.InstanceKey]int
	fast       map[epaxosproto.InstanceKey]bool
	executed   []epaxosproto.InstanceKey
	recovering []epaxosproto.InstanceKey
	stalled    []epaxosproto.InstanceKey
}

func newRecorder() *recorder {
	return &recorder{
		committed: make(map[epaxosproto.InstanceKey]int),
		fast:      make(map[epaxosproto.InstanceKey]bool),
	}
}

func (rec *recorder) Proposed(key epaxosproto.InstanceKey) { rec.proposed = append(rec.proposed, key) }

func (rec *recorder) Committed(key epaxosproto.InstanceKey, fast bool) {
	rec.committed[key]++
	rec.fast[key] = fast
}

func (rec *recorder) Executed(key epaxosproto.InstanceKey) { rec.executed = append(rec.executed, key) }

func (rec *recorder) Recovering(key epaxosproto.InstanceKey) {
	rec.recovering = append(rec.recovering, key)
}

func (rec *recorder) Stalled(key epaxosproto.InstanceKey) { rec.stalled = append(rec.stalled, key) }

type testNet struct {
	t        *testing.T
	bus      *genericsmr.LocalBus
	ids      []string
	replicas map[string]*Replica
	drivers  map[string]*genericsmr.ManualDriver
	stores   map[string]*state.State
	recs     map[string]*recorder
	msgId    int64
}

func newTestNet(t *testing.T, n int, cfg Config) *testNet {
	t.Helper()
	tn := &testNet{
		t:        t,
		bus:      genericsmr.NewLocalBus(),
		replicas: make(map[string]*Replica),
		drivers:  make(map[string]*genericsmr.ManualDriver),
		stores:   make(map[string]*state.State),
		recs:     make(map[string]*recorder),
	}
	for i := 1; i <= n; i++ {
		tn.ids = append(tn.ids, fmt.Sprintf("n%d", i))
	}
	for _, id := range tn.ids {
		cluster, err := genericsmr.NewStaticCluster(id, tn.ids)
		if err != nil {
			t.Fatal(err)
		}
		store := state.InitState()
		driver := genericsmr.NewManualDriver()
		r, err := NewReplica(cluster, store, tn.bus.Node(id), driver, state.KVRegistry(), cfg)
		if err != nil {
			t.Fatal(err)
		}
		rec := newRecorder()
		r.Stats = rec
		r.Start()
		tn.replicas[id] = r
		tn.drivers[id] = driver
		tn.stores[id] = store
		tn.recs[id] = rec
	}
	return tn
}

func put(key, value string) epaxosproto.Command {
	return epaxosproto.Command{Operation: epaxosproto.PutOperation, Key: key, Value: value}
}

func get(key string) epaxosproto.Command {
	return epaxosproto.Command{Operation: epaxosproto.GetOperation, Key: key}
}

func (tn *testNet) meta() epaxosproto.Metadata {
	tn.msgId++
	return epaxosproto.Metadata{epaxosproto.MetaMsgId: tn.msgId}
}

func (tn *testNet) write(client, replica string, cmd epaxosproto.Command) {
	tn.bus.Node(replica).Receive(&epaxosproto.Request{Header: epaxosproto.Route(client, replica, tn.meta()), Command: cmd})
}

func (tn *testNet) read(client, replica string, cmd epaxosproto.Command) {
	tn.bus.Node(replica).Receive(&epaxosproto.Read{Header: epaxosproto.Route(client, replica, tn.meta()), Command: cmd})
}

func (tn *testNet) execute() {
	for _, id := range tn.ids {
		tn.drivers[id].RunScheduled()
	}
}

func (tn *testNet) instance(at string, key epaxosproto.InstanceKey) Instance {
	tn.t.Helper()
	inst, ok := tn.replicas[at].Space().Get(key)
	if !ok {
		tn.t.Fatalf("%s does not know %v", at, key)
	}
	return inst
}

func (tn *testNet) requireCommitted(key epaxosproto.InstanceKey, ids ...string) Instance {
	tn.t.Helper()
	var first Instance
	for i, id := range ids {
		inst := tn.instance(id, key)
		if !inst.Status.Decided() {
			tn.t.Fatalf("%v at %s is %v, want decided", key, id, inst.Status)
		}
		if i == 0 {
			first = inst
			continue
		}
		if *inst.Command != *first.Command || !inst.Attributes.Equal(first.Attributes) {
			tn.t.Fatalf("%v disagrees: %s has %v %v, %s has %v %v", key, ids[0], first.Command,
				first.Attributes, id, inst.Command, inst.Attributes)
		}
	}
	return first
}

func replies(t *testing.T, msgs []epaxosproto.Message) []*epaxosproto.ClientReply {
	t.Helper()
	var out []*epaxosproto.ClientReply
	for _, m := range msgs {
		reply, ok := m.(*epaxosproto.ClientReply)
		if !ok {
			t.Fatalf("client got %T", m)
		}
		out = append(out, reply)
	}
	return out
}

func ikey(replicaId string, instanceId int32) epaxosproto.InstanceKey {
	return epaxosproto.InstanceKey{ReplicaId: replicaId, InstanceId: instanceId}
}

func TestNewReplicaRejectsBadSetup(t *testing.T) {
	bus := genericsmr.NewLocalBus()
	cluster, _ := genericsmr.NewStaticCluster("n1", []string{"n1", "n2", "n3"})
	if _, err := NewReplica(cluster, state.InitState(), bus.Node("n1"), genericsmr.NewManualDriver(),
		nil, Config{CommitGracePeriod: -time.Second}); err == nil {
		t.Error("negative grace period accepted")
	}
	if _, err := NewReplica(cluster, nil, bus.Node("n1"), genericsmr.NewManualDriver(), nil, Config{}); err == nil {
		t.Error("missing storage accepted")
	}
}

func TestConfigValidate(t *testing.T) {
	if err := DefaultConfig().Validate(); err != nil {
		t.Fatal(err)
	}
	err := Config{MaxWaitCommitTries: -1}.Validate()
	cerr, ok := err.(*ConfigError)
	if !ok || cerr.Field != "MaxWaitCommitTries" {
		t.Fatalf("unexpected error %v", err)
	}
}

func TestSingleReplicaCommitsImmediately(t *testing.T) {
	tn := newTestNet(t, 1, Config{})
	tn.write("c1", "n1", put("x", "1"))
	tn.bus.Flush()
	got := replies(t, tn.bus.ClientInbox("c1"))
	if len(got) != 1 || !got[0].Ok || got[0].ReplyKind != epaxosproto.REQUEST_REPLY {
		t.Fatalf("unexpected replies %+v", got)
	}
	tn.execute()
	if v, _ := tn.stores["n1"].Get("x"); v != "1" {
		t.Fatalf("x = %q", v)
	}
}

func TestFastPathThreeReplicas(t *testing.T) {
	tn := newTestNet(t, 3, Config{})
	tn.write("c1", "n1", put("x", "1"))
	tn.bus.Flush()

	key := ikey("n1", 0)
	inst := tn.requireCommitted(key, tn.ids...)
	if inst.Attributes.Seq != 0 || len(inst.Attributes.Deps) != 0 {
		t.Errorf("unexpected attributes %v", inst.Attributes)
	}
	if !tn.recs["n1"].fast[key] {
		t.Error("leader did not take the fast path")
	}
	for _, id := range tn.ids {
		if tn.recs[id].committed[key] != 1 {
			t.Errorf("%s learned the commit %d times", id, tn.recs[id].committed[key])
		}
	}
	got := replies(t, tn.bus.ClientInbox("c1"))
	if len(got) != 1 || !got[0].Ok {
		t.Fatalf("unexpected replies %+v", got)
	}
	if id, _ := got[0].Meta.Int64(epaxosproto.MetaMsgId); id != 1 {
		t.Errorf("reply is for msg %d", id)
	}

	tn.execute()
	for _, id := range tn.ids {
		if v, _ := tn.stores[id].Get("x"); v != "1" {
			t.Errorf("x at %s = %q", id, v)
		}
		if tn.replicas[id].Space().ExecutedUpTo("n1") != 0 {
			t.Errorf("%s did not execute n1.0", id)
		}
	}
}

func TestFastQuorumWaitsForEnoughReplies(t *testing.T) {
	tn := newTestNet(t, 7, Config{})
	tn.write("c1", "n1", put("x", "1"))
	preaccepts := tn.bus.Node("n1").Drain()
	if len(preaccepts) != 6 {
		t.Fatalf("leader sent %d preaccepts", len(preaccepts))
	}
	for _, m := range preaccepts[:3] {
		tn.bus.Deliver(m)
	}
	tn.bus.Flush()
	key := ikey("n1", 0)
	if inst := tn.instance("n1", key); inst.Status != epaxosproto.PREACCEPTED {
		t.Fatalf("three replies moved the instance to %v", inst.Status)
	}
	if len(tn.bus.ClientInbox("c1")) != 0 {
		t.Fatal("client answered before commit")
	}

	tn.bus.Deliver(preaccepts[3])
	tn.bus.Flush()
	tn.requireCommitted(key, tn.ids...)
	if !tn.recs["n1"].fast[key] {
		t.Error("commit was not fast")
	}
}

func TestDuplicatePreAcceptOKCountsOnce(t *testing.T) {
	tn := newTestNet(t, 5, Config{})
	tn.write("c1", "n1", put("x", "1"))
	preaccepts := tn.bus.Node("n1").Drain()
	tn.bus.Deliver(preaccepts[0])
	oks := tn.bus.Node("n2").Drain()
	if len(oks) != 1 || oks[0].Kind() != epaxosproto.PREACCEPT_OK {
		t.Fatalf("n2 answered %v", oks)
	}
	tn.bus.Deliver(oks[0])
	tn.bus.Deliver(oks[0])
	key := ikey("n1", 0)
	if inst := tn.instance("n1", key); inst.Status != epaxosproto.PREACCEPTED {
		t.Fatalf("duplicate reply moved the instance to %v", inst.Status)
	}
	tn.bus.Deliver(preaccepts[1])
	tn.bus.Flush()
	if inst := tn.instance("n1", key); !inst.Status.Decided() {
		t.Fatalf("instance is %v after two distinct replies", inst.Status)
	}
}

func TestInterferingProposalsAgree(t *testing.T) {
	tn := newTestNet(t, 3, Config{})
	tn.write("c1", "n1", put("x", "1"))
	tn.write("c2", "n2", put("x", "2"))
	tn.bus.Flush()

	a := tn.requireCommitted(ikey("n1", 0), tn.ids...)
	b := tn.requireCommitted(ikey("n2", 0), tn.ids...)
	if a.Attributes.Dep("n2") < 0 && b.Attributes.Dep("n1") < 0 {
		t.Fatalf("conflicting instances do not depend on each other: %v %v", a.Attributes, b.Attributes)
	}
	slow := 0
	for _, key := range []epaxosproto.InstanceKey{a.Key, b.Key} {
		if !tn.recs[key.ReplicaId].fast[key] {
			slow++
		}
	}
	if slow == 0 {
		t.Error("disagreeing replies should force one instance onto the slow path")
	}
	if len(tn.bus.ClientInbox("c1")) != 1 || len(tn.bus.ClientInbox("c2")) != 1 {
		t.Error("every client should get exactly one reply")
	}

	tn.execute()
	want, _ := tn.stores["n1"].Get("x")
	for _, id := range tn.ids {
		if v, _ := tn.stores[id].Get("x"); v != want {
			t.Errorf("x at %s = %q, n1 has %q", id, v, want)
		}
	}
}

func TestConcurrentWritesExecuteInOneOrder(t *testing.T) {
	tn := newTestNet(t, 3, Config{})
	for round := 0; round < 3; round++ {
		for i, id := range tn.ids {
			tn.write(fmt.Sprintf("c%d", i), id, put("x", fmt.Sprintf("%s-%d", id, round)))
		}
		tn.write("c9", "n3", put("y", fmt.Sprint(round)))
	}
	tn.bus.Flush()
	tn.execute()

	for _, id := range tn.ids {
		for _, q := range tn.ids {
			if up := tn.replicas[id].Space().ExecutedUpTo(q); up < 2 {
				t.Errorf("%s executed row %s only up to %d", id, q, up)
			}
		}
	}
	order := func(id string) []epaxosproto.InstanceKey {
		var keys []epaxosproto.InstanceKey
		for _, key := range tn.recs[id].executed {
			inst := tn.instance(id, key)
			if inst.Command.Key == "x" {
				keys = append(keys, key)
			}
		}
		return keys
	}
	want := order("n1")
	if len(want) != 9 {
		t.Fatalf("n1 executed %d writes to x", len(want))
	}
	for _, id := range tn.ids[1:] {
		got := order(id)
		if fmt.Sprint(got) != fmt.Sprint(want) {
			t.Errorf("%s executed %v, n1 executed %v", id, got, want)
		}
	}
	x, _ := tn.stores["n1"].Get("x")
	for _, id := range tn.ids {
		if v, _ := tn.stores[id].Get("x"); v != x {
			t.Errorf("x at %s = %q, want %q", id, v, x)
		}
		if v, _ := tn.stores[id].Get("y"); v != "2" {
			t.Errorf("y at %s = %q", id, v)
		}
	}
}

func TestReadAnsweredAfterExecution(t *testing.T) {
	tn := newTestNet(t, 3, Config{})
	tn.write("c1", "n1", put("x", "5"))
	tn.bus.Flush()
	tn.bus.ClientInbox("c1")

	tn.read("c2", "n2", get("x"))
	tn.bus.Flush()
	tn.requireCommitted(ikey("n2", 0), tn.ids...)
	if len(tn.bus.ClientInbox("c2")) != 0 {
		t.Fatal("read answered before execution")
	}
	tn.execute()
	tn.bus.Flush()
	got := replies(t, tn.bus.ClientInbox("c2"))
	if len(got) != 1 || !got[0].Ok || !got[0].HasValue || got[0].Value != "5" ||
		got[0].ReplyKind != epaxosproto.READ_REPLY {
		t.Fatalf("unexpected read replies %+v", got)
	}

	tn.read("c2", "n3", get("nope"))
	tn.bus.Flush()
	tn.execute()
	tn.bus.Flush()
	got = replies(t, tn.bus.ClientInbox("c2"))
	if len(got) != 1 || got[0].Ok || got[0].ErrorCode != state.ErrKeyDoesNotExist {
		t.Fatalf("unexpected replies for a missing key %+v", got)
	}
}

func TestUnsupportedOperationIsRejected(t *testing.T) {
	tn := newTestNet(t, 3, Config{})
	tn.write("c1", "n1", epaxosproto.Command{Operation: "scan", Key: "x"})
	tn.bus.Flush()
	got := replies(t, tn.bus.ClientInbox("c1"))
	if len(got) != 1 || got[0].ErrorCode != state.ErrNotSupported {
		t.Fatalf("unexpected replies %+v", got)
	}
	if _, ok := tn.replicas["n1"].Space().Get(ikey("n1", 0)); ok {
		t.Error("rejected command took an instance")
	}
}

func TestStaleMessagesAreNacked(t *testing.T) {
	tn := newTestNet(t, 3, Config{})
	n2 := tn.bus.Node("n2")
	cmd := put("x", "1")
	high := epaxosproto.Ballot{Number: 2, ReplicaId: "n3"}

	n2.Receive(&epaxosproto.Prepare{Header: epaxosproto.Route("n3", "n2", nil), LeaderId: "n3",
		ReplicaId: "n1", InstanceId: 5, Ballot: high})
	out := n2.Drain()
	if pr, ok := out[0].(*epaxosproto.PrepareReply); len(out) != 1 || !ok || !pr.Ok || pr.Status != epaxosproto.NONE {
		t.Fatalf("unexpected prepare reply %v", out)
	}

	n2.Receive(&epaxosproto.Accept{Header: epaxosproto.Route("n1", "n2", nil), LeaderId: "n1",
		ReplicaId: "n1", InstanceId: 5, Ballot: epaxosproto.Ballot{Number: 1, ReplicaId: "n1"},
		Command: &cmd, Attributes: epaxosproto.NewAttributes(0, nil)})
	out = n2.Drain()
	if ar, ok := out[0].(*epaxosproto.AcceptReply); len(out) != 1 || !ok || ar.Ok || ar.Ballot != high ||
		ar.Dest != "n1" {
		t.Fatalf("unexpected accept reply %v", out)
	}

	n2.Receive(&epaxosproto.PreAccept{Header: epaxosproto.Route("n1", "n2", nil), LeaderId: "n1",
		ReplicaId: "n1", InstanceId: 5, Ballot: epaxosproto.InitialBallot("n1"),
		Command: &cmd, Attributes: epaxosproto.NewAttributes(0, nil)})
	out = n2.Drain()
	if pr, ok := out[0].(*epaxosproto.PreAcceptReply); len(out) != 1 || !ok || pr.Ok || pr.Ballot != high {
		t.Fatalf("unexpected preaccept reply %v", out)
	}

	n2.Receive(&epaxosproto.Prepare{Header: epaxosproto.Route("n1", "n2", nil), LeaderId: "n1",
		ReplicaId: "n1", InstanceId: 5, Ballot: epaxosproto.Ballot{Number: 1, ReplicaId: "n1"}})
	out = n2.Drain()
	if pr, ok := out[0].(*epaxosproto.PrepareReply); len(out) != 1 || !ok || pr.Ok || pr.Ballot != high {
		t.Fatalf("unexpected prepare reply %v", out)
	}

	n2.Receive(&epaxosproto.TryPreAccept{Header: epaxosproto.Route("n3", "n2", nil), LeaderId: "n3",
		ReplicaId: "n1", InstanceId: 5, Ballot: epaxosproto.Ballot{Number: 1, ReplicaId: "n3"},
		Command: &cmd, Attributes: epaxosproto.NewAttributes(0, nil)})
	out = n2.Drain()
	if tr, ok := out[0].(*epaxosproto.TryPreAcceptReply); len(out) != 1 || !ok || tr.Ok || tr.Ballot != high {
		t.Fatalf("unexpected trypreaccept reply %v", out)
	}

	if inst := tn.instance("n2", ikey("n1", 5)); inst.Status != epaxosproto.NONE || inst.Command != nil {
		t.Fatalf("stale messages changed the instance: %+v", inst)
	}
}

func TestCommittedInstanceIsImmutable(t *testing.T) {
	tn := newTestNet(t, 3, Config{})
	n2 := tn.bus.Node("n2")
	first, second := put("x", "1"), put("x", "2")
	commit := &epaxosproto.Commit{Header: epaxosproto.Route("n1", "n2", nil), LeaderId: "n1",
		ReplicaId: "n1", InstanceId: 0, Command: &first, Attributes: epaxosproto.NewAttributes(0, nil)}
	n2.Receive(commit)
	n2.Receive(commit)
	key := ikey("n1", 0)
	if tn.recs["n2"].committed[key] != 1 {
		t.Fatalf("commit learned %d times", tn.recs["n2"].committed[key])
	}

	later := epaxosproto.Ballot{Number: 4, ReplicaId: "n3"}
	attrs := epaxosproto.NewAttributes(7, map[string]int32{"n3": 3})
	n2.Receive(&epaxosproto.Accept{Header: epaxosproto.Route("n3", "n2", nil), LeaderId: "n3",
		ReplicaId: "n1", InstanceId: 0, Ballot: later, Command: &second, Attributes: attrs})
	n2.Receive(&epaxosproto.PreAccept{Header: epaxosproto.Route("n3", "n2", nil), LeaderId: "n3",
		ReplicaId: "n1", InstanceId: 0, Ballot: later, Command: &second, Attributes: attrs})
	n2.Receive(&epaxosproto.Commit{Header: epaxosproto.Route("n3", "n2", nil), LeaderId: "n3",
		ReplicaId: "n1", InstanceId: 0, Command: &second, Attributes: attrs})
	n2.Receive(&epaxosproto.TryPreAccept{Header: epaxosproto.Route("n3", "n2", nil), LeaderId: "n3",
		ReplicaId: "n1", InstanceId: 0, Ballot: later, Command: &second, Attributes: attrs})

	inst := tn.instance("n2", key)
	if inst.Status != epaxosproto.COMMITTED || *inst.Command != first || inst.Attributes.Seq != 0 {
		t.Fatalf("decided instance changed: %+v", inst)
	}
	for _, m := range n2.Drain() {
		if tr, ok := m.(*epaxosproto.TryPreAcceptReply); ok && tr.Ok {
			t.Fatal("trypreaccept accepted over a committed instance")
		}
		if ar, ok := m.(*epaxosproto.AcceptReply); ok && ar.Ok {
			t.Fatal("accept acknowledged over a committed instance")
		}
	}
}

func TestCommittedWatermarkIsContiguous(t *testing.T) {
	tn := newTestNet(t, 3, DefaultConfig())
	n2 := tn.bus.Node("n2")
	space := tn.replicas["n2"].Space()
	commit := func(id int32, value string) {
		cmd := put("x", value)
		deps := map[string]int32{}
		if id > 0 {
			deps["n1"] = id - 1
		}
		n2.Receive(&epaxosproto.Commit{Header: epaxosproto.Route("n1", "n2", nil), LeaderId: "n1",
			ReplicaId: "n1", InstanceId: id, Command: &cmd, Attributes: epaxosproto.NewAttributes(id, deps)})
	}

	commit(1, "b")
	if space.CommittedUpTo("n1") != -1 {
		t.Fatalf("watermark skipped a gap: %d", space.CommittedUpTo("n1"))
	}
	tn.drivers["n2"].RunScheduled()
	if space.ExecutedUpTo("n1") != -1 {
		t.Fatal("executed past a gap")
	}
	if len(tn.recs["n2"].stalled) != 1 || tn.recs["n2"].stalled[0] != ikey("n1", 0) {
		t.Errorf("stalled %v", tn.recs["n2"].stalled)
	}
	if len(n2.Pending()) != 0 {
		t.Error("recovery started inside the grace period")
	}

	commit(0, "a")
	if space.CommittedUpTo("n1") != 1 {
		t.Fatalf("watermark = %d, want 1", space.CommittedUpTo("n1"))
	}
	tn.drivers["n2"].RunScheduled()
	if space.ExecutedUpTo("n1") != 1 {
		t.Fatalf("executed up to %d", space.ExecutedUpTo("n1"))
	}
	if v, _ := tn.stores["n2"].Get("x"); v != "b" {
		t.Errorf("x = %q", v)
	}
}

func TestConflictIndexUsesProposedSeq(t *testing.T) {
	for _, merged := range []bool{false, true} {
		tn := newTestNet(t, 3, Config{ConflictSeqFromMerged: merged})
		tn.write("c1", "n2", put("x", "0"))
		tn.bus.Node("n2").Drain()

		cmd := put("x", "1")
		tn.bus.Node("n2").Receive(&epaxosproto.PreAccept{Header: epaxosproto.Route("n1", "n2", nil),
			LeaderId: "n1", ReplicaId: "n1", InstanceId: 0, Ballot: epaxosproto.InitialBallot("n1"),
			Command: &cmd, Attributes: epaxosproto.NewAttributes(0, nil)})

		out := tn.bus.Node("n2").Drain()
		reply, ok := out[0].(*epaxosproto.PreAcceptReply)
		if len(out) != 1 || !ok || !reply.Ok {
			t.Fatalf("unexpected answer %v", out)
		}
		if reply.Attributes.Seq != 1 || reply.Attributes.Dep("n2") != 0 {
			t.Errorf("updated attributes = %v", reply.Attributes)
		}
		want := int32(0)
		if merged {
			want = 1
		}
		if got := tn.replicas["n2"].space.knownMaxSeq("x"); got != want {
			t.Errorf("merged=%t: max seq for x = %d, want %d", merged, got, want)
		}
	}
}

func TestRecoveryReplacesCommandWithNoopReply(t *testing.T) {
	tn := newTestNet(t, 3, Config{})
	tn.write("c1", "n1", put("x", "1"))
	tn.bus.Node("n1").Drain()
	noop := epaxosproto.NOOP
	tn.bus.Node("n1").Receive(&epaxosproto.Commit{Header: epaxosproto.Route("n2", "n1", nil), LeaderId: "n2",
		ReplicaId: "n1", InstanceId: 0, Command: &noop, Attributes: epaxosproto.NewAttributes(0, nil)})
	tn.bus.Flush()
	got := replies(t, tn.bus.ClientInbox("c1"))
	if len(got) != 1 || got[0].Ok || got[0].ErrorCode != state.ErrTemporarilyUnavailable {
		t.Fatalf("unexpected replies %+v", got)
	}
	if tn.replicas["n1"].Bookkeeping(ikey("n1", 0)) != nil {
		t.Error("bookkeeping kept after commit")
	}
}

func TestSequentialWritesThroughDifferentLeaders(t *testing.T) {
	tn := newTestNet(t, 3, Config{})
	tn.write("c1", "n1", put("x", "value1"))
	tn.bus.Flush()
	tn.execute()
	tn.write("c2", "n2", put("x", "value2"))
	tn.bus.Flush()
	tn.execute()

	second := tn.requireCommitted(ikey("n2", 0), tn.ids...)
	if second.Attributes.Dep("n1") != 0 {
		t.Fatalf("second write does not depend on the first: %v", second.Attributes)
	}
	for _, key := range []epaxosproto.InstanceKey{ikey("n1", 0), ikey("n2", 0)} {
		if !tn.recs[key.ReplicaId].fast[key] {
			t.Errorf("%v took the slow path", key)
		}
	}
	for _, id := range tn.ids {
		if v, _ := tn.stores[id].Get("x"); v != "value2" {
			t.Errorf("x at %s = %q", id, v)
		}
	}
}

func TestFailedCasIsExecutedEverywhere(t *testing.T) {
	tn := newTestNet(t, 3, Config{})
	tn.write("c1", "n1", put("x", "1"))
	tn.bus.Flush()
	tn.execute()

	cas := epaxosproto.Command{Operation: epaxosproto.CasOperation, Key: "x", Value: "3", IfValue: "9"}
	tn.bus.Node("n2").Receive(&epaxosproto.RequestAndRead{Header: epaxosproto.Route("c2", "n2", tn.meta()),
		Command: cas})
	tn.bus.Flush()
	tn.execute()
	tn.bus.Flush()

	got := replies(t, tn.bus.ClientInbox("c2"))
	if len(got) != 1 || got[0].Ok || got[0].ErrorCode != state.ErrPreconditionFailed {
		t.Fatalf("unexpected cas replies %+v", got)
	}
	key := ikey("n2", 0)
	tn.requireCommitted(key, tn.ids...)
	for _, id := range tn.ids {
		if inst := tn.instance(id, key); inst.Status != epaxosproto.EXECUTED {
			t.Errorf("failed cas at %s is %v", id, inst.Status)
		}
		if tn.replicas[id].Space().ExecutedUpTo("n2") != 0 {
			t.Errorf("%s did not advance past the failed cas", id)
		}
		if v, _ := tn.stores[id].Get("x"); v != "1" {
			t.Errorf("x at %s = %q", id, v)
		}
	}
}
