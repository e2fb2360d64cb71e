package stats

import (
	"fmt"
	"io"
	"strings"
	"sync"
	"time"

	"epaxoskv/epaxosproto"
)

type TimeTuple struct {
	Open    time.Time
	Commit  time.Time
	Execute time.Time
}

// CommitExecutionComparator remembers when an instance was opened, committed
// and executed. Only the command leader sees the open.
type CommitExecutionComparator struct {
	cmdsTimes map[epaxosproto.InstanceKey]TimeTuple
}

func CommitExecutionComparatorNew() *CommitExecutionComparator {
	return &CommitExecutionComparator{
		cmdsTimes: make(map[epaxosproto.InstanceKey]TimeTuple),
	}
}

func (c *CommitExecutionComparator) recordOpen(id epaxosproto.InstanceKey, time time.Time) bool {
	timeTup := c.cmdsTimes[id]
	if !timeTup.Open.IsZero() {
		return false
	}
	timeTup.Open = time
	c.cmdsTimes[id] = timeTup
	return true
}

func (c *CommitExecutionComparator) recordCommit(id epaxosproto.InstanceKey, time time.Time) bool {
	timeTup := c.cmdsTimes[id]
	if !timeTup.Commit.IsZero() {
		return false
	}
	timeTup.Commit = time
	c.cmdsTimes[id] = timeTup
	return true
}

func (c *CommitExecutionComparator) recordExecution(id epaxosproto.InstanceKey, time time.Time) bool {
	timeTup, exists := c.cmdsTimes[id]
	if !exists || timeTup.Commit.IsZero() || !timeTup.Execute.IsZero() {
		return false
	}
	timeTup.Execute = time
	c.cmdsTimes[id] = timeTup
	return true
}

func (c *CommitExecutionComparator) outputInstanceTimes(id epaxosproto.InstanceKey) string {
	timeTup := c.cmdsTimes[id]
	var open int64
	cmtDiff := int64(-1)
	if !timeTup.Open.IsZero() {
		open = timeTup.Open.UnixNano()
		cmtDiff = timeTup.Commit.Sub(timeTup.Open).Microseconds()
	}
	execDiff := timeTup.Execute.Sub(timeTup.Commit)
	return fmt.Sprintf("%d, %d, %d, %d, %d", open, timeTup.Commit.UnixNano(), timeTup.Execute.UnixNano(), cmtDiff, execDiff.Microseconds())
}

func (c *CommitExecutionComparator) getOutputFields() string {
	return "Open Time, Commit Time, Execute Time, Open-Commit Latency, Commit-Execute Latency"
}

// InstanceStats writes one line per executed instance and feeds the
// timeseries counters. It is safe for use from both replica contexts.
type InstanceStats struct {
	mu  sync.Mutex
	out io.Writer
	*CommitExecutionComparator
	fast map[epaxosproto.InstanceKey]bool
	ts   *TimeseriesStats
	now  func() time.Time
}

func InstanceStatsNew(out io.Writer, ts *TimeseriesStats) *InstanceStats {
	instanceStats := &InstanceStats{
		out:                       out,
		CommitExecutionComparator: CommitExecutionComparatorNew(),
		fast:                      make(map[epaxosproto.InstanceKey]bool),
		ts:                        ts,
		now:                       time.Now,
	}
	str := strings.Builder{}
	str.WriteString("Log ID, Log Seq No, Fast, ")
	str.WriteString(instanceStats.CommitExecutionComparator.getOutputFields())
	str.WriteString("\n")
	io.WriteString(out, str.String())
	return instanceStats
}

func (stats *InstanceStats) update(stat string) {
	if stats.ts != nil {
		stats.ts.Update(stat, 1)
	}
}

func (stats *InstanceStats) Proposed(key epaxosproto.InstanceKey) {
	stats.mu.Lock()
	defer stats.mu.Unlock()
	if stats.recordOpen(key, stats.now()) {
		stats.update(InstancesOpened)
	}
}

func (stats *InstanceStats) Committed(key epaxosproto.InstanceKey, fast bool) {
	stats.mu.Lock()
	defer stats.mu.Unlock()
	if !stats.recordCommit(key, stats.now()) {
		return
	}
	stats.fast[key] = fast
	if fast {
		stats.update(FastCommits)
	} else {
		stats.update(SlowCommits)
	}
}

func (stats *InstanceStats) Executed(key epaxosproto.InstanceKey) {
	stats.mu.Lock()
	defer stats.mu.Unlock()
	if !stats.recordExecution(key, stats.now()) {
		return
	}
	stats.update(InstancesExecuted)
	stats.outputRecord(key)
}

func (stats *InstanceStats) Recovering(epaxosproto.InstanceKey) {
	stats.update(RecoveriesStarted)
}

func (stats *InstanceStats) Stalled(epaxosproto.InstanceKey) {
	stats.update(InstancesStalled)
}

func (stats *InstanceStats) outputRecord(id epaxosproto.InstanceKey) {
	io.WriteString(stats.out, fmt.Sprintf("%s, %d, %t, %s\n", id.ReplicaId, id.InstanceId, stats.fast[id],
		stats.CommitExecutionComparator.outputInstanceTimes(id)))
	delete(stats.fast, id)
	delete(stats.CommitExecutionComparator.cmdsTimes, id)
}
