package genericsmr

import (
	"sync"
	"time"
)

const CHAN_BUFFER_SIZE = 200000

// DefaultDriver runs protocol tasks one at a time on a single goroutine and
// each scheduled pass on its own ticker goroutine.
type DefaultDriver struct {
	tasks        chan func()
	done         chan struct{}
	initialDelay time.Duration
	period       time.Duration
	once         sync.Once
	wg           sync.WaitGroup
}

func NewDefaultDriver(initialDelay, period time.Duration) *DefaultDriver {
	d := &DefaultDriver{
		tasks:        make(chan func(), CHAN_BUFFER_SIZE),
		done:         make(chan struct{}),
		initialDelay: initialDelay,
		period:       period,
	}
	d.wg.Add(1)
	go d.run()
	return d
}

func (d *DefaultDriver) run() {
	defer d.wg.Done()
	for {
		select {
		case task := <-d.tasks:
			task()
		case <-d.done:
			return
		}
	}
}

func (d *DefaultDriver) Enqueue(task func()) {
	select {
	case <-d.done:
	case d.tasks <- task:
	}
}

// Schedule runs task after the initial delay and then every period. Runs of
// the same task never overlap.
func (d *DefaultDriver) Schedule(task func()) {
	d.wg.Add(1)
	go func() {
		defer d.wg.Done()
		timer := time.NewTimer(d.initialDelay)
		defer timer.Stop()
		select {
		case <-timer.C:
		case <-d.done:
			return
		}
		task()
		if d.period <= 0 {
			return
		}
		ticker := time.NewTicker(d.period)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				task()
			case <-d.done:
				return
			}
		}
	}()
}

func (d *DefaultDriver) Sleep(duration time.Duration) {
	if duration <= 0 {
		return
	}
	time.Sleep(duration)
}

// Shutdown stops both contexts and waits for the running task to finish.
func (d *DefaultDriver) Shutdown() {
	d.once.Do(func() {
		close(d.done)
	})
	d.wg.Wait()
}

// ManualDriver runs nothing on its own: enqueued tasks run inline and
// scheduled passes run when the owner calls RunScheduled. Tests and the
// Maelstrom runner use it to keep every step deterministic.
type ManualDriver struct {
	scheduled []func()
	slept     []time.Duration
	shutdown  bool
}

func NewManualDriver() *ManualDriver {
	return &ManualDriver{}
}

func (d *ManualDriver) Enqueue(task func()) {
	if d.shutdown {
		return
	}
	task()
}

func (d *ManualDriver) Schedule(task func()) {
	d.scheduled = append(d.scheduled, task)
}

// Sleep only records the request.
func (d *ManualDriver) Sleep(duration time.Duration) {
	d.slept = append(d.slept, duration)
}

func (d *ManualDriver) Slept() []time.Duration {
	return d.slept
}

// RunScheduled runs every scheduled task once.
func (d *ManualDriver) RunScheduled() {
	if d.shutdown {
		return
	}
	for _, task := range d.scheduled {
		task()
	}
}

func (d *ManualDriver) Shutdown() {
	d.shutdown = true
}

func (d *ManualDriver) IsShutdown() bool {
	return d.shutdown
}
