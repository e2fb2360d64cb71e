package epaxos

import (
	"sort"
	"sync"

	"github.com/emirpasic/gods/maps/treemap"
	"github.com/emirpasic/gods/utils"

	"epaxoskv/epaxosproto"
	"epaxoskv/state"
)

// instanceRow is the part of InstanceSpace shared with the execution context.
type instanceRow struct {
	sync.RWMutex
	instances    map[int32]*Instance
	top          int32
	executedUpTo int32
}

func newInstanceRow() *instanceRow {
	return &instanceRow{instances: make(map[int32]*Instance), top: -1, executedUpTo: -1}
}

// InstanceSpace holds one sparse log per replica. Rows are locked; everything
// else (conflict index, seq tracking, committed watermarks, defer map) is
// touched by the protocol context only.
type InstanceSpace struct {
	self     string
	ids      []string
	registry *state.Registry
	rows     map[string]*instanceRow

	conflicts     map[string]*treemap.Map
	maxSeqPerKey  map[string]int32
	maxSeq        int32
	committedUpTo map[string]int32
	crtInstanceId int32
	deferMap      map[epaxosproto.InstanceKey]epaxosproto.InstanceKey
}

func NewInstanceSpace(self string, replicaIds []string, registry *state.Registry) *InstanceSpace {
	ids := append([]string(nil), replicaIds...)
	sort.Strings(ids)
	is := &InstanceSpace{
		self:          self,
		ids:           ids,
		registry:      registry,
		rows:          make(map[string]*instanceRow, len(ids)),
		conflicts:     make(map[string]*treemap.Map, len(ids)),
		maxSeqPerKey:  make(map[string]int32),
		maxSeq:        -1,
		committedUpTo: make(map[string]int32, len(ids)),
		deferMap:      make(map[epaxosproto.InstanceKey]epaxosproto.InstanceKey),
	}
	for _, id := range ids {
		is.rows[id] = newInstanceRow()
		is.conflicts[id] = treemap.NewWith(utils.StringComparator)
		is.committedUpTo[id] = -1
	}
	return is
}

func (is *InstanceSpace) Knows(replicaId string) bool {
	_, ok := is.rows[replicaId]
	return ok
}

func (is *InstanceSpace) ReplicaIds() []string {
	return is.ids
}

// Get returns a copy of the instance.
func (is *InstanceSpace) Get(key epaxosproto.InstanceKey) (Instance, bool) {
	row, ok := is.rows[key.ReplicaId]
	if !ok {
		return Instance{}, false
	}
	row.RLock()
	defer row.RUnlock()
	inst, ok := row.instances[key.InstanceId]
	if !ok {
		return Instance{}, false
	}
	return *inst, true
}

func (is *InstanceSpace) instance(replicaId string, instanceId int32) (Instance, bool) {
	return is.Get(epaxosproto.InstanceKey{ReplicaId: replicaId, InstanceId: instanceId})
}

// save stores inst over whatever the row holds. A decided instance keeps its
// command, attributes and status; only a higher ballot, or a command it was
// missing, gets through. Reports whether the stored record was replaced.
func (is *InstanceSpace) save(inst Instance) bool {
	row, ok := is.rows[inst.Key.ReplicaId]
	if !ok {
		return false
	}
	row.Lock()
	defer row.Unlock()
	cur, exists := row.instances[inst.Key.InstanceId]
	if exists && cur.Status.Decided() {
		if inst.Ballot.GreaterThan(cur.Ballot) {
			cur.Ballot = inst.Ballot
		}
		if cur.Command == nil && inst.Command != nil {
			cur.Command = inst.Command
		}
		return false
	}
	stored := inst
	row.instances[inst.Key.InstanceId] = &stored
	if inst.Key.InstanceId > row.top {
		row.top = inst.Key.InstanceId
	}
	return true
}

// markExecuted moves a COMMITTED instance to EXECUTED and advances the row's
// executed watermark over every contiguous executed slot.
func (is *InstanceSpace) markExecuted(key epaxosproto.InstanceKey) bool {
	row, ok := is.rows[key.ReplicaId]
	if !ok {
		return false
	}
	row.Lock()
	defer row.Unlock()
	inst, ok := row.instances[key.InstanceId]
	if !ok || inst.Status != epaxosproto.COMMITTED {
		return false
	}
	inst.setStatus(epaxosproto.EXECUTED)
	for {
		next, ok := row.instances[row.executedUpTo+1]
		if !ok || next.Status != epaxosproto.EXECUTED {
			break
		}
		row.executedUpTo++
	}
	return true
}

func (is *InstanceSpace) ExecutedUpTo(replicaId string) int32 {
	row, ok := is.rows[replicaId]
	if !ok {
		return -1
	}
	row.RLock()
	defer row.RUnlock()
	return row.executedUpTo
}

// notExecutedIds lists the ids above the executed watermark up to the
// highest id the row has seen.
func (is *InstanceSpace) notExecutedIds(replicaId string) []int32 {
	row, ok := is.rows[replicaId]
	if !ok {
		return nil
	}
	row.RLock()
	defer row.RUnlock()
	if row.top <= row.executedUpTo {
		return nil
	}
	ids := make([]int32, 0, row.top-row.executedUpTo)
	for i := row.executedUpTo + 1; i <= row.top; i++ {
		ids = append(ids, i)
	}
	return ids
}

func (is *InstanceSpace) CommittedUpTo(replicaId string) int32 {
	if c, ok := is.committedUpTo[replicaId]; ok {
		return c
	}
	return -1
}

func (is *InstanceSpace) committedUpToVector() map[string]int32 {
	out := make(map[string]int32, len(is.committedUpTo))
	for r, c := range is.committedUpTo {
		out[r] = c
	}
	return out
}

func (is *InstanceSpace) MaxSeq() int32 {
	return is.maxSeq
}

func (is *InstanceSpace) trackSeq(cmd *epaxosproto.Command, seq int32) {
	if seq > is.maxSeq {
		is.maxSeq = seq
	}
	if cmd == nil || cmd.IsNoop() {
		return
	}
	if known, ok := is.maxSeqPerKey[cmd.Key]; !ok || known < seq {
		is.maxSeqPerKey[cmd.Key] = seq
	}
}

func (is *InstanceSpace) knownMaxSeq(key string) int32 {
	if s, ok := is.maxSeqPerKey[key]; ok {
		return s
	}
	return -1
}

func (is *InstanceSpace) conflictOf(replicaId string, key string) (int32, bool) {
	v, found := is.conflicts[replicaId].Get(key)
	if !found {
		return epaxosproto.NoDep, false
	}
	return v.(int32), true
}

func (is *InstanceSpace) adjustCrtInstanceId(replicaId string, instanceId int32) {
	if replicaId == is.self && instanceId >= is.crtInstanceId {
		is.crtInstanceId = instanceId + 1
	}
}

// registerNewCommandLeaderInstance allocates the next slot of this replica's
// own row for cmd.
func (is *InstanceSpace) registerNewCommandLeaderInstance(cmd *epaxosproto.Command, reply *ReplyData) Instance {
	iid := is.crtInstanceId
	is.crtInstanceId++
	inst := Instance{
		Key:        epaxosproto.InstanceKey{ReplicaId: is.self, InstanceId: iid},
		Command:    cmd,
		Ballot:     epaxosproto.InitialBallot(is.self),
		Attributes: is.createAttributes(cmd),
		ReplyData:  reply,
	}
	inst.AcceptedBallot = inst.Ballot
	inst.setStatus(epaxosproto.PREACCEPTED)
	is.save(inst)
	is.updateConflicts(cmd, is.self, iid, inst.Attributes.Seq)
	return inst
}

func (is *InstanceSpace) registerNewInstance(key epaxosproto.InstanceKey, cmd *epaxosproto.Command,
	ballot epaxosproto.Ballot, status epaxosproto.InstanceStatus, attrs epaxosproto.Attributes) Instance {
	inst := Instance{Key: key, Command: cmd, Ballot: ballot, AcceptedBallot: ballot, Attributes: attrs}
	inst.setStatus(status)
	is.save(inst)
	return inst
}

// createAttributes depends on the latest instance touching the key in every
// row and orders after all of them.
func (is *InstanceSpace) createAttributes(cmd *epaxosproto.Command) epaxosproto.Attributes {
	deps := make(map[string]int32)
	var seq int32
	if cmd == nil || cmd.IsNoop() {
		return epaxosproto.NewAttributes(seq, deps)
	}
	for _, r := range is.ids {
		c, ok := is.conflictOf(r, cmd.Key)
		if !ok {
			continue
		}
		deps[r] = c
		if dep, ok := is.instance(r, c); ok && dep.Attributes.Seq+1 > seq {
			seq = dep.Attributes.Seq + 1
		}
	}
	if known := is.knownMaxSeq(cmd.Key); known >= seq {
		seq = known + 1
	}
	return epaxosproto.NewAttributes(seq, deps)
}

// updateAttributes folds this replica's view of the key into attributes
// proposed by source. changed is false only when the proposal already covered
// everything this replica knows.
func (is *InstanceSpace) updateAttributes(source string, instanceId int32, cmd *epaxosproto.Command,
	attrs epaxosproto.Attributes) (bool, epaxosproto.Attributes) {
	if cmd == nil || cmd.IsNoop() {
		return false, attrs
	}
	changed := false
	seq := attrs.Seq
	deps := make(map[string]int32, len(is.ids))
	for r, d := range attrs.Deps {
		deps[r] = d
	}
	for _, r := range is.ids {
		if r == source {
			continue
		}
		c, ok := is.conflictOf(r, cmd.Key)
		if !ok || c <= attrs.Dep(r) {
			continue
		}
		changed = true
		deps[r] = c
		if dep, ok := is.instance(r, c); ok && dep.Attributes.Seq+1 > seq {
			seq = dep.Attributes.Seq + 1
		}
	}
	if known := is.knownMaxSeq(cmd.Key); known >= seq {
		seq = known + 1
		changed = true
	}
	return changed, epaxosproto.NewAttributes(seq, deps)
}

// mergeAttributes combines the leader's attributes a1 with a reply's a2. The
// current replica's own row is taken from a1 alone.
func (is *InstanceSpace) mergeAttributes(a1, a2 epaxosproto.Attributes) (bool, epaxosproto.Attributes) {
	equal := a1.Seq == a2.Seq
	seq := a1.Seq
	if a2.Seq > seq {
		seq = a2.Seq
	}
	deps := make(map[string]int32, len(is.ids))
	for _, r := range is.ids {
		d1, d2 := a1.Dep(r), a2.Dep(r)
		if r == is.self {
			if d1 != epaxosproto.NoDep {
				deps[r] = d1
			}
			continue
		}
		if d1 != d2 {
			equal = false
		}
		if d2 > d1 {
			d1 = d2
		}
		if d1 != epaxosproto.NoDep {
			deps[r] = d1
		}
	}
	return equal, epaxosproto.NewAttributes(seq, deps)
}

func (is *InstanceSpace) hasUncommittedDeps(deps map[string]int32) bool {
	for r, d := range deps {
		if d > is.CommittedUpTo(r) {
			return true
		}
	}
	return false
}

// updateCommittedDeps raises the leader's view of what is known committed and
// reports whether every dependency in deps is covered.
func (is *InstanceSpace) updateCommittedDeps(lb *LeaderBookkeeping, deps map[string]int32, srcDeps map[string]int32) bool {
	allCommitted := true
	for _, r := range is.ids {
		cd, ok := lb.CommittedDeps[r]
		if !ok {
			cd = epaxosproto.NoDep
		}
		if s, ok := srcDeps[r]; ok && s > cd {
			cd = s
		}
		if c := is.CommittedUpTo(r); c > cd {
			cd = c
		}
		lb.CommittedDeps[r] = cd
		if d, ok := deps[r]; ok && cd < d {
			allCommitted = false
		}
	}
	return allCommitted
}

// updateConflicts indexes the instance as the latest one touching the key in
// its row, if it is newer than what is there.
func (is *InstanceSpace) updateConflicts(cmd *epaxosproto.Command, replicaId string, instanceId int32, seq int32) {
	if cmd == nil || cmd.IsNoop() {
		return
	}
	row, ok := is.conflicts[replicaId]
	if !ok {
		return
	}
	if c, found := row.Get(cmd.Key); !found || c.(int32) < instanceId {
		row.Put(cmd.Key, instanceId)
	}
	is.trackSeq(cmd, seq)
}

// updateCommitted advances the committed watermark of the row one slot at a
// time for as long as the next slot is decided.
func (is *InstanceSpace) updateCommitted(replicaId string) {
	for {
		next := is.CommittedUpTo(replicaId) + 1
		inst, ok := is.instance(replicaId, next)
		if !ok || !inst.Status.Decided() {
			return
		}
		is.committedUpTo[replicaId] = next
	}
}

// updateDeferred records that the instance (replicaId, instanceId) waits on
// (dReplicaId, dInstanceId).
func (is *InstanceSpace) updateDeferred(dReplicaId string, dInstanceId int32, replicaId string, instanceId int32) {
	is.deferMap[epaxosproto.InstanceKey{ReplicaId: replicaId, InstanceId: instanceId}] =
		epaxosproto.InstanceKey{ReplicaId: dReplicaId, InstanceId: dInstanceId}
}

func (is *InstanceSpace) deferredByInstance(replicaId string, instanceId int32) (bool, epaxosproto.InstanceKey) {
	d, ok := is.deferMap[epaxosproto.InstanceKey{ReplicaId: replicaId, InstanceId: instanceId}]
	return ok, d
}

// findPreAcceptConflicts looks for an instance that would have to be ordered
// relative to (replicaId, instanceId) and that attrs do not account for.
func (is *InstanceSpace) findPreAcceptConflicts(cmd *epaxosproto.Command, replicaId string, instanceId int32,
	attrs epaxosproto.Attributes) (bool, epaxosproto.InstanceKey, epaxosproto.InstanceStatus) {
	target := epaxosproto.InstanceKey{ReplicaId: replicaId, InstanceId: instanceId}
	if inst, ok := is.Get(target); ok && inst.Command != nil {
		if inst.Status >= epaxosproto.ACCEPTED {
			return true, target, inst.Status
		}
		if inst.Attributes.Equal(attrs) {
			return false, epaxosproto.InstanceKey{}, epaxosproto.NONE
		}
	}
	for _, q := range is.ids {
		dep := attrs.Dep(q)
		for _, id := range is.notExecutedIds(q) {
			if q == replicaId && id == instanceId {
				break
			}
			if id == dep {
				continue
			}
			other, ok := is.instance(q, id)
			if !ok || other.Command == nil {
				continue
			}
			if other.Attributes.Dep(replicaId) >= instanceId {
				continue
			}
			if !is.registry.Conflict(other.Command, cmd) {
				continue
			}
			if id > dep || (id < dep && other.Attributes.Seq >= attrs.Seq &&
				(q != replicaId || other.Status > epaxosproto.PREACCEPTED)) {
				return true, other.Key, other.Status
			}
		}
	}
	return false, epaxosproto.InstanceKey{}, epaxosproto.NONE
}
