package epaxos

import (
	"testing"
	"time"

	"epaxoskv/epaxosproto"
)

func (tn *testNet) commitAt(at string, key epaxosproto.InstanceKey, cmd epaxosproto.Command, seq int32,
	deps map[string]int32) {
	tn.bus.Node(at).Receive(&epaxosproto.Commit{Header: epaxosproto.Route(key.ReplicaId, at, nil),
		LeaderId: key.ReplicaId, ReplicaId: key.ReplicaId, InstanceId: key.InstanceId,
		Command: &cmd, Attributes: epaxosproto.NewAttributes(seq, deps)})
}

func TestStronglyConnectedComponentOrder(t *testing.T) {
	cases := []struct {
		name           string
		seq1, seq2     int32
		wantFirst      epaxosproto.InstanceKey
		wantFinalValue string
	}{
		{"equal seq falls back to replica id", 1, 1, ikey("n1", 0), "b"},
		{"lower seq first", 2, 1, ikey("n2", 0), "a"},
	}
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			tn := newTestNet(t, 3, Config{})
			tn.commitAt("n1", ikey("n1", 0), put("x", "a"), c.seq1, map[string]int32{"n2": 0})
			tn.commitAt("n1", ikey("n2", 0), put("x", "b"), c.seq2, map[string]int32{"n1": 0})
			tn.drivers["n1"].RunScheduled()

			executed := tn.recs["n1"].executed
			if len(executed) != 2 || executed[0] != c.wantFirst {
				t.Fatalf("executed %v", executed)
			}
			if v, _ := tn.stores["n1"].Get("x"); v != c.wantFinalValue {
				t.Errorf("x = %q, want %q", v, c.wantFinalValue)
			}
			for _, q := range []string{"n1", "n2"} {
				if tn.replicas["n1"].Space().ExecutedUpTo(q) != 0 {
					t.Errorf("row %s not executed", q)
				}
			}
		})
	}
}

func TestDependenciesExecuteFirst(t *testing.T) {
	tn := newTestNet(t, 3, Config{})
	tn.commitAt("n1", ikey("n3", 0), put("x", "c"), 2, map[string]int32{"n2": 0})
	tn.commitAt("n1", ikey("n2", 0), put("x", "b"), 1, map[string]int32{"n1": 0})
	tn.commitAt("n1", ikey("n1", 0), put("x", "a"), 0, nil)
	tn.drivers["n1"].RunScheduled()

	want := []epaxosproto.InstanceKey{ikey("n1", 0), ikey("n2", 0), ikey("n3", 0)}
	got := tn.recs["n1"].executed
	if len(got) != len(want) {
		t.Fatalf("executed %v", got)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("executed %v, want %v", got, want)
		}
	}
	if v, _ := tn.stores["n1"].Get("x"); v != "c" {
		t.Errorf("x = %q", v)
	}
	tn.drivers["n1"].RunScheduled()
	if len(tn.recs["n1"].executed) != 3 {
		t.Error("a second pass executed something again")
	}
}

func TestExecutionWaitsForUncommittedDependency(t *testing.T) {
	tn := newTestNet(t, 3, Config{})
	tn.commitAt("n1", ikey("n1", 0), put("x", "a"), 1, map[string]int32{"n2": 0})
	tn.drivers["n1"].RunScheduled()

	if len(tn.recs["n1"].executed) != 0 {
		t.Fatalf("executed %v before its dependency committed", tn.recs["n1"].executed)
	}
	if rec := tn.recs["n1"].recovering; len(rec) != 1 || rec[0] != ikey("n2", 0) {
		t.Fatalf("recovering %v", rec)
	}
	prepares := 0
	for _, m := range tn.bus.Node("n1").Pending() {
		if p, ok := m.(*epaxosproto.Prepare); ok && p.ReplicaId == "n2" && p.InstanceId == 0 {
			prepares++
		}
	}
	if prepares != 2 {
		t.Fatalf("sent %d prepares", prepares)
	}

	// nobody has seen n2.0, so it is decided as a no-op
	tn.bus.Flush()
	inst := tn.requireCommitted(ikey("n2", 0), tn.ids...)
	if !inst.Command.IsNoop() {
		t.Fatalf("recovered %v", inst.Command)
	}
	tn.drivers["n1"].RunScheduled()
	if v, _ := tn.stores["n1"].Get("x"); v != "a" {
		t.Errorf("x = %q", v)
	}
	if tn.replicas["n1"].Space().ExecutedUpTo("n2") != 0 || tn.replicas["n1"].Space().ExecutedUpTo("n1") != 0 {
		t.Error("watermarks did not advance")
	}
}

func TestWaitCommitRetriesBeforeGivingUp(t *testing.T) {
	cfg := DefaultConfig()
	cfg.MaxWaitCommitTries = 3
	cfg.WaitCommitPeriod = 20 * time.Millisecond
	tn := newTestNet(t, 3, cfg)
	tn.commitAt("n1", ikey("n1", 0), put("x", "a"), 1, map[string]int32{"n2": 0})
	tn.drivers["n1"].RunScheduled()
	slept := tn.drivers["n1"].Slept()
	if len(slept) != 3 {
		t.Fatalf("slept %v", slept)
	}
	for _, d := range slept {
		if d != cfg.WaitCommitPeriod {
			t.Errorf("slept %v", d)
		}
	}
}

func TestUnknownReplicaDependencyAborts(t *testing.T) {
	tn := newTestNet(t, 3, Config{})
	tn.commitAt("n1", ikey("n1", 0), put("x", "a"), 0, map[string]int32{"n9": 0})
	tn.drivers["n1"].RunScheduled()
	if len(tn.recs["n1"].executed) != 0 {
		t.Fatal("executed with a dependency on an unknown replica")
	}
	if len(tn.bus.Node("n1").Pending()) != 0 {
		t.Error("an abort should not start recovery")
	}
}

func TestGracePeriodGrowsWithRank(t *testing.T) {
	tn := newTestNet(t, 3, Config{CommitGracePeriod: 7 * time.Second, CommitGraceShift: time.Second})
	p := tn.replicas["n2"].processor
	cases := map[string]time.Duration{
		"n2": 7 * time.Second,
		"n1": 8 * time.Second,
		"n3": 9 * time.Second,
	}
	for leader, want := range cases {
		if got := p.gracePeriod(leader); got != want {
			t.Errorf("gracePeriod(%s) = %v, want %v", leader, got, want)
		}
	}
}

func TestRecoveryWaitsOutGracePeriod(t *testing.T) {
	tn := newTestNet(t, 3, Config{CommitGracePeriod: time.Second})
	tn.write("c1", "n1", put("x", "1"))
	preaccepts := tn.bus.Node("n1").Drain()
	tn.bus.Deliver(preaccepts[0])
	tn.bus.Node("n2").Drain()

	clock := time.Unix(1000, 0)
	p := tn.replicas["n2"].processor
	p.now = func() time.Time { return clock }

	tn.drivers["n2"].RunScheduled()
	clock = clock.Add(500 * time.Millisecond)
	tn.drivers["n2"].RunScheduled()
	if len(tn.bus.Node("n2").Pending()) != 0 || len(tn.recs["n2"].recovering) != 0 {
		t.Fatal("recovery started inside the grace period")
	}
	if len(tn.recs["n2"].stalled) != 1 {
		t.Errorf("stalled reported %d times", len(tn.recs["n2"].stalled))
	}

	clock = clock.Add(500 * time.Millisecond)
	tn.drivers["n2"].RunScheduled()
	if rec := tn.recs["n2"].recovering; len(rec) != 1 || rec[0] != ikey("n1", 0) {
		t.Fatalf("recovering %v", rec)
	}
	if len(tn.bus.Node("n2").Pending()) != 2 {
		t.Fatalf("pending %v", tn.bus.Node("n2").Pending())
	}
}
