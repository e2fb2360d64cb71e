package main

import (
	"context"
	"flag"
	"fmt"
	"math"
	"math/rand"
	"os"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"
	cmap "github.com/orcaman/concurrent-map"
	"golang.org/x/sync/semaphore"

	"epaxoskv/dlog"
	"epaxoskv/epaxosproto"
	"epaxoskv/genericsmr"
	"epaxoskv/mathextra"
)

var clientId = flag.String("id", "", "the id of the client. Default is a random UUID.")
var replicaAddr = flag.String("addr", "localhost:7070", "Address of the replica to send requests to.")
var outstanding = flag.Int("q", 100, "Number of requests in flight at once.")
var writes = flag.Int("w", 50, "Percentage of updates (writes and cas).")
var casRatio = flag.Int("cas", 10, "Percentage of updates sent as compare-and-set.")
var conflicts = flag.Int("c", 1, "Num keys to conflict on. Defaults to 1")
var total = flag.Int("n", -1, "Total number of requests, -1 to run until interrupted.")
var latencyOutput = flag.String("lato", "", "Where resultant latencies will be written, one per line in us.")
var ewmaWeight = flag.Float64("ewmaweight", 0.1, "Weight of new latencies in the moving average.")
var logLevel = flag.String("loglevel", "info", "critical, error, warning, notice, info or debug")

type TimeseriesStats struct {
	minLatency        int64
	maxLatency        int64
	avgLatency        *mathextra.Ewma
	deliveredRequests int64
	failedRequests    int64
}

func NewTimeseriesStats(weight float64) TimeseriesStats {
	return TimeseriesStats{
		minLatency: math.MaxInt64,
		avgLatency: mathextra.NewEwma(weight),
	}
}

func (stats TimeseriesStats) String() string {
	minLat := stats.minLatency
	if stats.minLatency == math.MaxInt64 {
		minLat = 0
	}
	return fmt.Sprintf("%d value/sec, %d errors, latency min %d us max %d us ewma %.0f us",
		stats.deliveredRequests, stats.failedRequests, minLat, stats.maxLatency, stats.avgLatency.Value())
}

func (stats *TimeseriesStats) update(latency time.Duration, ok bool) {
	stats.deliveredRequests++
	if !ok {
		stats.failedRequests++
	}
	us := latency.Microseconds()
	stats.avgLatency.Add(float64(us))
	if us > stats.maxLatency {
		stats.maxLatency = us
	}
	if us < stats.minLatency {
		stats.minLatency = us
	}
}

// reset keeps the moving average across steps.
func (stats *TimeseriesStats) reset() {
	stats.minLatency = math.MaxInt64
	stats.maxLatency = 0
	stats.deliveredRequests = 0
	stats.failedRequests = 0
}

type ClientBenchmarker struct {
	mu               sync.Mutex
	timeseriesStates TimeseriesStats
	// submissionTimes maps a msg_id to when its request was sent
	submissionTimes cmap.ConcurrentMap
	latencies       *os.File
}

func newBenchmarker(weight float64, latencyPath string) (*ClientBenchmarker, error) {
	b := &ClientBenchmarker{
		timeseriesStates: NewTimeseriesStats(weight),
		submissionTimes:  cmap.New(),
	}
	if latencyPath != "" {
		f, err := os.Create(latencyPath)
		if err != nil {
			return nil, err
		}
		b.latencies = f
	}
	return b, nil
}

func (b *ClientBenchmarker) register(msgId int64, at time.Time) {
	b.submissionTimes.Set(strconv.FormatInt(msgId, 10), at)
}

// close reports whether msgId was outstanding.
func (b *ClientBenchmarker) close(msgId int64, ok bool) bool {
	v, exists := b.submissionTimes.Pop(strconv.FormatInt(msgId, 10))
	if !exists {
		return false
	}
	lat := time.Since(v.(time.Time))
	b.mu.Lock()
	defer b.mu.Unlock()
	b.timeseriesStates.update(lat, ok)
	if b.latencies != nil {
		fmt.Fprintf(b.latencies, "%d\n", lat.Microseconds())
	}
	return true
}

func (b *ClientBenchmarker) timeseriesStep() {
	b.mu.Lock()
	defer b.mu.Unlock()
	dlog.Infof("%s (%d outstanding)", b.timeseriesStates.String(), b.submissionTimes.Count())
	b.timeseriesStates.reset()
}

func nextCommand(r *rand.Rand) (epaxosproto.Message, epaxosproto.Command) {
	key := strconv.Itoa(r.Intn(*conflicts))
	value := strconv.Itoa(r.Intn(1000))
	if r.Intn(100) >= *writes {
		cmd := epaxosproto.Command{Operation: epaxosproto.GetOperation, Key: key}
		return &epaxosproto.Read{Command: cmd}, cmd
	}
	if r.Intn(100) < *casRatio {
		cmd := epaxosproto.Command{Operation: epaxosproto.CasOperation, Key: key, Value: value,
			IfValue: strconv.Itoa(r.Intn(1000))}
		return &epaxosproto.RequestAndRead{Command: cmd}, cmd
	}
	cmd := epaxosproto.Command{Operation: epaxosproto.PutOperation, Key: key, Value: value}
	return &epaxosproto.Request{Command: cmd}, cmd
}

func main() {
	flag.Parse()
	if err := dlog.Setup(*logLevel, os.Stderr); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(2)
	}
	if *clientId == "" {
		*clientId = "c" + uuid.New().String()
	}

	var cc *genericsmr.ClientConn
	for {
		var err error
		if cc, err = genericsmr.DialReplica(*replicaAddr); err == nil {
			break
		}
		dlog.Warningf("cannot reach %s: %v", *replicaAddr, err)
		time.Sleep(time.Second)
	}
	defer cc.Close()

	benchmarker, err := newBenchmarker(*ewmaWeight, *latencyOutput)
	if err != nil {
		dlog.Errorf("%v", err)
		os.Exit(1)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	window := semaphore.NewWeighted(int64(*outstanding))

	var received sync.WaitGroup
	received.Add(1)
	go func() {
		defer received.Done()
		defer cancel()
		for {
			m, err := cc.Receive()
			if err != nil {
				dlog.Warningf("connection to %s closed: %v", *replicaAddr, err)
				return
			}
			reply, ok := m.(*epaxosproto.ClientReply)
			if !ok {
				continue
			}
			id, _ := reply.Meta.Int64(epaxosproto.MetaMsgId)
			if !reply.Ok {
				dlog.Printf("request %d failed: %d %s", id, reply.ErrorCode, reply.ErrorText)
			}
			if benchmarker.close(id, reply.Ok) {
				window.Release(1)
			}
		}
	}()

	go func() {
		ticker := time.NewTicker(time.Second)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				benchmarker.timeseriesStep()
			case <-ctx.Done():
				return
			}
		}
	}()

	r := rand.New(rand.NewSource(time.Now().UnixNano()))
	for sent := 0; *total < 0 || sent < *total; sent++ {
		if err := window.Acquire(ctx, 1); err != nil {
			break
		}
		m, cmd := nextCommand(r)
		*m.Head() = epaxosproto.Route(*clientId, "", nil)
		id := cc.NextMsgId()
		benchmarker.register(id, time.Now())
		if err := cc.Send(m, id); err != nil {
			dlog.Errorf("cannot send %v: %v", &cmd, err)
			break
		}
	}
	if err := window.Acquire(ctx, int64(*outstanding)); err == nil {
		cc.Close()
	}
	received.Wait()
	benchmarker.timeseriesStep()
}
