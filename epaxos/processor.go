package epaxos

import (
	"time"

	"epaxoskv/dlog"
	"epaxoskv/epaxosproto"
)

// CommandProcessor is the periodic execution pass. It remembers since when
// each problem instance has been holding execution up, and is only ever run
// on the execution context.
type CommandProcessor struct {
	r         *Replica
	exec      *Exec
	problems  map[epaxosproto.InstanceKey]time.Time
	// recovered holds what this pass already handed to recovery
	recovered map[epaxosproto.InstanceKey]bool
	now       func() time.Time
}

func newCommandProcessor(r *Replica) *CommandProcessor {
	return &CommandProcessor{
		r:        r,
		exec:     &Exec{r: r},
		problems: make(map[epaxosproto.InstanceKey]time.Time),
		now:      time.Now,
	}
}

func (p *CommandProcessor) executeCommands() {
	p.recovered = make(map[epaxosproto.InstanceKey]bool)
	for key := range p.problems {
		if inst, found := p.r.space.Get(key); found && inst.Status.Decided() {
			delete(p.problems, key)
		}
	}
	for _, q := range p.r.space.ReplicaIds() {
		p.executeRow(q)
	}
}

// executeRow walks the row in instance order and stops at the first instance
// that cannot be executed yet.
func (p *CommandProcessor) executeRow(q string) {
	for _, id := range p.r.space.notExecutedIds(q) {
		inst, ok := p.r.space.instance(q, id)
		if ok && inst.Status == epaxosproto.EXECUTED {
			continue
		}
		if !ok || inst.Status != epaxosproto.COMMITTED {
			p.markProblem(q, id)
			return
		}
		res := p.exec.executeCommand(q, id)
		switch res.outcome {
		case sccPending:
			p.markProblem(res.blocking.ReplicaId, res.blocking.InstanceId)
			return
		case sccAbort:
			dlog.Errorf("Replica %s: cannot execute %s.%d: %s", p.r.Id, q, id, res.reason)
			return
		}
	}
}

// markProblem notes that the instance holds execution up and asks for
// its recovery once it has done so for longer than the grace period.
func (p *CommandProcessor) markProblem(replicaId string, instanceId int32) {
	key := epaxosproto.InstanceKey{ReplicaId: replicaId, InstanceId: instanceId}
	if p.recovered[key] {
		return
	}
	now := p.now()
	since, ok := p.problems[key]
	if !ok {
		since = now
		p.problems[key] = since
		p.r.Stats.Stalled(key)
	}
	if now.Sub(since) < p.gracePeriod(replicaId) {
		return
	}
	delete(p.problems, key)
	p.recovered[key] = true
	dlog.Printf("Replica %s: instance %v is stalled, recovering", p.r.Id, key)
	p.r.StartRecovery(replicaId, instanceId)
}

// gracePeriod grows with this replica's distance from leader in sorted id
// order, so the leader itself goes first.
func (p *CommandProcessor) gracePeriod(leader string) time.Duration {
	ids := p.r.space.ReplicaIds()
	self, lead := -1, -1
	for i, id := range ids {
		if id == p.r.Id {
			self = i
		}
		if id == leader {
			lead = i
		}
	}
	rank := 0
	if self >= 0 && lead >= 0 {
		rank = (self - lead + len(ids)) % len(ids)
	}
	return p.r.cfg.CommitGracePeriod + time.Duration(rank)*p.r.cfg.CommitGraceShift
}
