package epaxos

import (
	"errors"
	"fmt"
	"sort"

	"epaxoskv/dlog"
	"epaxoskv/epaxosproto"
	"epaxoskv/state"
)

type sccOutcome uint8

const (
	sccReady sccOutcome = iota
	sccPending
	sccAbort
)

// sccResult is what one attempt to order an instance produced. order lists
// components with dependencies first; blocking names the instance that is
// not committed yet when outcome is sccPending.
type sccResult struct {
	outcome  sccOutcome
	order    [][]Instance
	blocking epaxosproto.InstanceKey
	reason   string
}

func pending(key epaxosproto.InstanceKey) sccResult {
	return sccResult{outcome: sccPending, blocking: key}
}

func abort(format string, v ...interface{}) sccResult {
	return sccResult{outcome: sccAbort, reason: fmt.Sprintf(format, v...)}
}

type Exec struct {
	r *Replica
}

type vertex struct {
	inst    Instance
	index   int
	lowlink int
	onStack bool
}

type frame struct {
	key  epaxosproto.InstanceKey
	deps []Instance
	next int
}

// executeCommand applies the instance together with everything it depends
// on, or reports why it cannot yet.
func (e *Exec) executeCommand(replicaId string, instanceId int32) sccResult {
	key := epaxosproto.InstanceKey{ReplicaId: replicaId, InstanceId: instanceId}
	inst, ok := e.r.space.Get(key)
	if !ok {
		return pending(key)
	}
	if inst.Status == epaxosproto.EXECUTED {
		return sccResult{outcome: sccReady}
	}
	if inst.Status != epaxosproto.COMMITTED {
		dlog.Printf("Not committed instance %v", key)
		return pending(key)
	}
	res := e.findSCC(inst)
	if res.outcome != sccReady {
		return res
	}
	for _, component := range res.order {
		for _, w := range component {
			dlog.Printf("Executing %v at %v with (%v, scc_size=%d)", w.Command, w.Key, w.Attributes, len(component))
			e.apply(w)
		}
	}
	return res
}

// findSCC runs Tarjan's algorithm from root with an explicit stack. Vertices
// are resolved as they are reached; the first dependency that does not turn
// up committed within the retry budget ends the search.
func (e *Exec) findSCC(root Instance) sccResult {
	verts := make(map[epaxosproto.InstanceKey]*vertex)
	var stack []epaxosproto.InstanceKey
	var calls []*frame
	var order [][]Instance
	index := 1

	push := func(inst Instance) (sccResult, bool) {
		deps, res, ok := e.dependencies(inst)
		if !ok {
			return res, false
		}
		verts[inst.Key] = &vertex{inst: inst, index: index, lowlink: index, onStack: true}
		index++
		stack = append(stack, inst.Key)
		calls = append(calls, &frame{key: inst.Key, deps: deps})
		return sccResult{}, true
	}

	if res, ok := push(root); !ok {
		return res
	}
	for len(calls) > 0 {
		f := calls[len(calls)-1]
		v := verts[f.key]
		if f.next < len(f.deps) {
			w := f.deps[f.next]
			f.next++
			wv, seen := verts[w.Key]
			if !seen {
				if res, ok := push(w); !ok {
					return res
				}
				continue
			}
			if wv.onStack && wv.index < v.lowlink {
				v.lowlink = wv.index
			}
			continue
		}

		calls = calls[:len(calls)-1]
		if len(calls) > 0 {
			parent := verts[calls[len(calls)-1].key]
			if v.lowlink < parent.lowlink {
				parent.lowlink = v.lowlink
			}
		}
		if v.lowlink != v.index {
			continue
		}
		//found SCC
		var component []Instance
		for {
			k := stack[len(stack)-1]
			stack = stack[:len(stack)-1]
			verts[k].onStack = false
			component = append(component, verts[k].inst)
			if k == f.key {
				break
			}
		}
		//execute commands in the increasing order of the Seq field
		sort.Sort(sortable(component))
		order = append(order, component)
	}
	return sccResult{outcome: sccReady, order: order}
}

// dependencies lists the committed, not yet executed instances v has to
// follow: every slot above each row's executed watermark up to v's dep.
func (e *Exec) dependencies(v Instance) ([]Instance, sccResult, bool) {
	for q := range v.Attributes.Deps {
		if !e.r.space.Knows(q) {
			return nil, abort("%v depends on unknown replica %s", v.Key, q), false
		}
	}
	var deps []Instance
	for _, q := range e.r.space.ReplicaIds() {
		upTo := v.Attributes.Dep(q)
		for i := e.r.space.ExecutedUpTo(q) + 1; i <= upTo; i++ {
			key := epaxosproto.InstanceKey{ReplicaId: q, InstanceId: i}
			if key == v.Key {
				continue
			}
			w, ok := e.waitCommitted(key)
			if !ok {
				return nil, pending(key), false
			}
			if w.Status == epaxosproto.EXECUTED {
				continue
			}
			deps = append(deps, w)
		}
	}
	return deps, sccResult{}, true
}

// waitCommitted polls for the instance to be decided, sleeping between tries.
func (e *Exec) waitCommitted(key epaxosproto.InstanceKey) (Instance, bool) {
	for try := 0; ; try++ {
		inst, ok := e.r.space.Get(key)
		if ok && inst.Status.Decided() {
			return inst, true
		}
		if try >= e.r.cfg.MaxWaitCommitTries {
			return Instance{}, false
		}
		e.r.driver.Sleep(e.r.cfg.WaitCommitPeriod)
	}
}

// apply runs the command against storage and marks the instance executed. A
// committed instance without a command is a no-op.
func (e *Exec) apply(w Instance) {
	var result string
	var err error
	if w.Command != nil && !w.Command.IsNoop() {
		result, err = e.r.registry.Operation(w.Command.Operation).Execute(e.r.storage, w.Command)
	}
	if !e.r.space.markExecuted(w.Key) {
		return
	}
	e.r.Stats.Executed(w.Key)
	e.reply(w, result, err)
}

func (e *Exec) reply(w Instance, result string, err error) {
	rd := w.ReplyData
	if rd == nil || rd.Type == epaxosproto.REQUEST {
		if err != nil {
			dlog.Printf("Replica %s: %v failed after the client was answered: %v", e.r.Id, w.Key, err)
		}
		return
	}
	if w.Command == nil || w.Command.IsNoop() {
		e.r.network.Send(epaxosproto.ErrorReply(rd.ReplyKind, e.r.Id, rd.ClientId, rd.Meta,
			state.ErrTemporarilyUnavailable, "command was replaced during recovery"))
		return
	}
	if err != nil {
		code, text := state.ErrCrash, err.Error()
		var opErr *state.OperationError
		if errors.As(err, &opErr) {
			code, text = opErr.Code, opErr.Text
		}
		e.r.network.Send(epaxosproto.ErrorReply(rd.ReplyKind, e.r.Id, rd.ClientId, rd.Meta, code, text))
		return
	}
	e.r.network.Send(epaxosproto.OkValueReply(rd.ReplyKind, e.r.Id, rd.ClientId, rd.Meta, result, true))
}
