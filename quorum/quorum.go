package quorum

// CountingQuorumTally counts distinct acknowledging replicas, so a duplicated
// reply is only counted once.
type CountingQuorumTally struct {
	ResponseHolder
	Threshold int
}

func CountingQuorumTallyNew(threshold int) *CountingQuorumTally {
	qrm := &CountingQuorumTally{Threshold: threshold}
	qrm.clear()
	return qrm
}

func (qrm *CountingQuorumTally) Add(aid string) {
	qrm.ResponseHolder.addAck(aid)
}

func (qrm *CountingQuorumTally) AddNack(aid string) {
	qrm.ResponseHolder.addNack(aid)
}

func (qrm *CountingQuorumTally) Reached() bool {
	return len(qrm.getAcks()) >= qrm.Threshold
}

func (qrm *CountingQuorumTally) Acknowledged(aid string) bool {
	_, exists := qrm.getAcks()[aid]
	return exists
}

func (qrm *CountingQuorumTally) Acks() int {
	return len(qrm.getAcks())
}

func (qrm *CountingQuorumTally) NackCount() int {
	return len(qrm.ResponseHolder.Nacks)
}

func (qrm *CountingQuorumTally) Reset() {
	qrm.clear()
}

// Majority is the number of replies, besides the proposer's own vote, that
// make a classic quorum of n replicas.
func Majority(n int) int {
	return n / 2
}

// MaxFailures is the F tolerated by n replicas.
func MaxFailures(n int) int {
	return (n - 1) / 2
}

// FastQuorum is the number of replies, besides the command leader's own
// vote, needed to commit on the fast path: F + floor((F+1)/2) replicas.
func FastQuorum(n int) int {
	f := MaxFailures(n)
	size := f + (f+1)/2 - 1
	if size < Majority(n) {
		return Majority(n)
	}
	return size
}
