package main

import (
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"epaxoskv/dlog"
	"epaxoskv/epaxos"
	"epaxoskv/genericsmr"
	"epaxoskv/profiler"
	"epaxoskv/stablestore"
	"epaxoskv/state"
	"epaxoskv/stats"
)

var id = flag.String("id", "", "id of the replica (TCP mode)")
var peers = flag.String("peers", "", "Comma separated id=host:port of every replica, this one included (TCP mode)")
var maelstrom = flag.Bool("maelstrom", false, "Speak the Maelstrom protocol on stdin/stdout instead of TCP")

var grace = flag.Int("grace", 7000, "ms an instance may hold execution up before its recovery starts")
var graceShift = flag.Int("graceshift", 1000, "ms added to the grace period per rank away from the command leader")
var waitCommit = flag.Int("waitcommit", 500, "ms between checks for a dependency to commit during execution")
var waitTries = flag.Int("waittries", 5, "How many times execution waits for a dependency before giving up the pass")
var execDelay = flag.Int("execdelay", 1000, "ms before the first execution pass")
var execPeriod = flag.Int("execperiod", 1000, "ms between execution passes")
var mergedConflictSeq = flag.Bool("mergedconflictseq", false, "Index conflicts under the merged seq instead of the proposed one")

var durable = flag.Bool("durable", false, "Log committed instances to a stable store (i.e., a file in the storage dir).")
var storageParentDir = flag.String("storageparentdir", "./", "The parent directory of the stable storage file. Defaults to ./")
var doStats = flag.Bool("dostats", false, "record server stats")
var statsLoc = flag.String("statsloc", "./", "parent location where to store server stats")
var hostProfile = flag.Bool("hostprofile", false, "sample host cpu, network and disk usage into statsloc")
var nicName = flag.String("nicname", "", "nic to sample, all nics when empty")
var diskName = flag.String("diskname", "", "disk to sample, all disks when empty")
var logLevel = flag.String("loglevel", "info", "critical, error, warning, notice, info or debug")
var logFilename = flag.String("logfilename", "", "Name for log file, placed under statsloc. Defaults to stderr")
var debug = flag.Bool("debug", false, "Turn on the debug trail")

// maelstromDefaults are the timings used under Maelstrom unless the flag is
// given explicitly.
var maelstromDefaults = map[string]string{
	"grace":      "1000",
	"graceshift": "200",
	"waitcommit": "0",
	"waittries":  "0",
}

func configFromFlags() epaxos.Config {
	return epaxos.Config{
		CommitGracePeriod:     time.Duration(*grace) * time.Millisecond,
		CommitGraceShift:      time.Duration(*graceShift) * time.Millisecond,
		WaitCommitPeriod:      time.Duration(*waitCommit) * time.Millisecond,
		MaxWaitCommitTries:    *waitTries,
		ConflictSeqFromMerged: *mergedConflictSeq,
	}
}

func applyMaelstromDefaults() {
	set := make(map[string]bool)
	flag.Visit(func(f *flag.Flag) { set[f.Name] = true })
	for name, value := range maelstromDefaults {
		if !set[name] {
			flag.Set(name, value)
		}
	}
}

// parsePeers reads "n1=host:port,n2=host:port".
func parsePeers(s string) (map[string]string, error) {
	addrs := make(map[string]string)
	for _, part := range strings.Split(s, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		kv := strings.SplitN(part, "=", 2)
		if len(kv) != 2 || kv[0] == "" || kv[1] == "" {
			return nil, fmt.Errorf("bad peer %q, want id=host:port", part)
		}
		if _, dup := addrs[kv[0]]; dup {
			return nil, fmt.Errorf("replica %s listed twice", kv[0])
		}
		addrs[kv[0]] = kv[1]
	}
	if len(addrs) == 0 {
		return nil, fmt.Errorf("no peers given")
	}
	return addrs, nil
}

// extras are the optional journal and stats attached to a replica.
type extras struct {
	journal *stablestore.Journal
	ts      *stats.TimeseriesStats
	host    *profiler.HostSampler
	files   []io.Closer
}

func attachExtras(r *epaxos.Replica) (*extras, error) {
	e := &extras{}
	if *durable {
		j, err := stablestore.OpenJournal(*storageParentDir, r.Id)
		if err != nil {
			return nil, err
		}
		e.journal = j
		r.Journal = j
	}
	if *doStats {
		instFile, err := os.Create(filepath.Join(*statsLoc, fmt.Sprintf("instance-stats-%s.csv", r.Id)))
		if err != nil {
			e.close()
			return nil, err
		}
		tsFile, err := os.Create(filepath.Join(*statsLoc, fmt.Sprintf("ts-stats-%s.txt", r.Id)))
		if err != nil {
			instFile.Close()
			e.close()
			return nil, err
		}
		e.files = append(e.files, instFile, tsFile)
		e.ts = stats.TimeseriesStatsNew(stats.DefaultTSMetrics{}.Get(), tsFile, time.Second)
		e.ts.GoClock()
		r.Stats = stats.InstanceStatsNew(instFile, e.ts)
	}
	if *hostProfile {
		f, err := os.Create(filepath.Join(*statsLoc, fmt.Sprintf("host-profile-%s.csv", r.Id)))
		if err != nil {
			e.close()
			return nil, err
		}
		e.files = append(e.files, f)
		host, err := profiler.HostSamplerNew(f, *nicName, *diskName)
		if err != nil {
			e.close()
			return nil, err
		}
		e.host = host
		host.Start(time.Second, func(err error) {
			dlog.Warningf("host sample failed: %v", err)
		})
	}
	return e, nil
}

func (e *extras) close() {
	if e.host != nil {
		e.host.Stop()
	}
	if e.ts != nil {
		e.ts.Close()
	}
	if e.journal != nil {
		e.journal.Close()
	}
	for _, f := range e.files {
		f.Close()
	}
}

func setupLogging() error {
	out := io.Writer(os.Stderr)
	if *logFilename != "" {
		f, err := os.Create(filepath.Join(*statsLoc, *logFilename))
		if err != nil {
			return err
		}
		out = f
	}
	if err := dlog.Setup(*logLevel, out); err != nil {
		return err
	}
	if *debug {
		dlog.DLOG = true
	}
	return nil
}

func main() {
	flag.Parse()
	if *maelstrom {
		applyMaelstromDefaults()
	}
	if err := setupLogging(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(2)
	}
	cfg := configFromFlags()
	if err := cfg.Validate(); err != nil {
		dlog.Errorf("%v", err)
		os.Exit(2)
	}

	if *maelstrom {
		node := newMaelstromNode(genericsmr.NewStdioNetwork(os.Stdin, os.Stdout), cfg)
		if err := node.serve(); err != nil {
			dlog.Errorf("reading stdin: %v", err)
		}
		node.close()
		return
	}
	if err := runTCP(cfg); err != nil {
		dlog.Errorf("%v", err)
		os.Exit(1)
	}
}

func runTCP(cfg epaxos.Config) error {
	if *id == "" {
		return fmt.Errorf("invalid replica id")
	}
	addrs, err := parsePeers(*peers)
	if err != nil {
		return err
	}
	ids := make([]string, 0, len(addrs))
	for rid := range addrs {
		ids = append(ids, rid)
	}
	cluster, err := genericsmr.NewStaticCluster(*id, ids)
	if err != nil {
		return err
	}
	network, err := genericsmr.NewTCPNetwork(*id, addrs)
	if err != nil {
		return err
	}
	driver := genericsmr.NewDefaultDriver(time.Duration(*execDelay)*time.Millisecond, time.Duration(*execPeriod)*time.Millisecond)
	rep, err := epaxos.NewReplica(cluster, state.InitState(), network, driver, state.KVRegistry(), cfg)
	if err != nil {
		driver.Shutdown()
		return err
	}
	ext, err := attachExtras(rep)
	if err != nil {
		driver.Shutdown()
		return err
	}
	rep.Start()

	dlog.Infof("Server %s starting on %s", *id, addrs[*id])
	if err := network.Listen(); err != nil {
		rep.Shutdown()
		ext.close()
		return err
	}
	interrupt := make(chan os.Signal, 1)
	signal.Notify(interrupt, os.Interrupt, syscall.SIGTERM)
	go network.ConnectToPeers()

	<-interrupt
	dlog.Infof("Caught signal")
	network.Crash()
	rep.Shutdown()
	ext.close()
	return nil
}
