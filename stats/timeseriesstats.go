package stats

import (
	"fmt"
	"io"
	"strings"
	"sync"
	"time"
)

const (
	InstancesOpened   = "Instances Opened"
	FastCommits       = "Fast Commits"
	SlowCommits       = "Slow Commits"
	RecoveriesStarted = "Recoveries Started"
	InstancesStalled  = "Instances Stalled"
	InstancesExecuted = "Instances Executed"
)

type DefaultTSMetrics struct{}

func (d DefaultTSMetrics) Get() []string {
	return []string{
		InstancesOpened,
		FastCommits,
		SlowCommits,
		RecoveriesStarted,
		InstancesStalled,
		InstancesExecuted}
}

// TimeseriesStats keeps counters that are printed and reset on every tick.
type TimeseriesStats struct {
	mu          sync.Mutex
	register    map[string]int32
	orderedKeys []string
	out         io.Writer
	tick        time.Duration
	close       chan struct{}
	closeOnce   sync.Once
}

func TimeseriesStatsNew(initalRegisters []string, out io.Writer, tick time.Duration) *TimeseriesStats {
	register := make(map[string]int32)
	for i := 0; i < len(initalRegisters); i++ {
		register[initalRegisters[i]] = 0
	}
	return &TimeseriesStats{
		register:    register,
		orderedKeys: initalRegisters,
		out:         out,
		tick:        tick,
		close:       make(chan struct{}),
	}
}

func (s *TimeseriesStats) Reset() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for k := range s.register {
		s.register[k] = 0
	}
}

func (s *TimeseriesStats) Update(stat string, count int32) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.register[stat] = s.register[stat] + count
}

func (s *TimeseriesStats) Get(stat string) int32 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.register[stat]
}

func (s *TimeseriesStats) line() string {
	str := strings.Builder{}
	for i := 0; i < len(s.orderedKeys); i++ {
		k := s.orderedKeys[i]
		v := s.register[k]
		str.WriteString(fmt.Sprintf("%s : %d ", k, v))
	}
	str.WriteString("\n")
	return str.String()
}

func (s *TimeseriesStats) Print() {
	s.mu.Lock()
	defer s.mu.Unlock()
	io.WriteString(s.out, time.Now().Format("2006/01/02 15:04:05 .000 ")+s.line())
}

func (s *TimeseriesStats) PrintAndReset() {
	s.mu.Lock()
	defer s.mu.Unlock()
	io.WriteString(s.out, time.Now().Format("2006/01/02 15:04:05 .000 ")+s.line())
	for k := range s.register {
		s.register[k] = 0
	}
}

// GoClock prints and resets the counters every tick until Close.
func (s *TimeseriesStats) GoClock() {
	go func() {
		ticker := time.NewTicker(s.tick)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				s.PrintAndReset()
			case <-s.close:
				return
			}
		}
	}()
}

func (s *TimeseriesStats) Close() {
	s.closeOnce.Do(func() {
		close(s.close)
	})
}
