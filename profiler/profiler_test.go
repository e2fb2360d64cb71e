package profiler

import (
	"bytes"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/shirou/gopsutil/v3/disk"
	"github.com/shirou/gopsutil/v3/net"
)

type fakeHost struct {
	cpu  float64
	net  net.IOCountersStat
	disk disk.IOCountersStat
	err  error
}

func newFakeSampler(t *testing.T, out *bytes.Buffer, h *fakeHost) *HostSampler {
	t.Helper()
	s := &HostSampler{
		out:      out,
		readCPU:  func() (float64, error) { return h.cpu, h.err },
		readNet:  func() (net.IOCountersStat, error) { return h.net, h.err },
		readDisk: func() (disk.IOCountersStat, error) { return h.disk, h.err },
		now:      func() time.Time { return time.Unix(0, 42) },
		done:     make(chan struct{}),
	}
	if err := s.init(); err != nil {
		t.Fatal(err)
	}
	return s
}

func TestSampleWritesDifferences(t *testing.T) {
	var out bytes.Buffer
	h := &fakeHost{
		net:  net.IOCountersStat{PacketsSent: 10, BytesSent: 1000},
		disk: disk.IOCountersStat{WriteCount: 3},
	}
	s := newFakeSampler(t, &out, h)

	h.cpu = 12.5
	h.net = net.IOCountersStat{PacketsSent: 15, PacketsRecv: 4, BytesSent: 1500, BytesRecv: 400, Dropin: 1}
	h.disk = disk.IOCountersStat{WriteCount: 5, WriteBytes: 8192}
	if err := s.Sample(); err != nil {
		t.Fatal(err)
	}

	lines := strings.Split(strings.TrimSpace(out.String()), "\n")
	if len(lines) != 2 || !strings.HasPrefix(lines[0], "Human Time") {
		t.Fatalf("unexpected output %q", out.String())
	}
	want := "42, 12.50, 5, 4, 500, 400, 1, 0, 0, 2, 0, 8192"
	if !strings.HasSuffix(lines[1], want) {
		t.Errorf("row %q does not end with %q", lines[1], want)
	}

	if err := s.Sample(); err != nil {
		t.Fatal(err)
	}
	lines = strings.Split(strings.TrimSpace(out.String()), "\n")
	if !strings.HasSuffix(lines[2], "42, 12.50, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0") {
		t.Errorf("second row %q should show no traffic", lines[2])
	}
}

func TestSampleReportsReadErrors(t *testing.T) {
	var out bytes.Buffer
	h := &fakeHost{}
	s := newFakeSampler(t, &out, h)
	h.err = errors.New("no counters")
	if err := s.Sample(); err == nil {
		t.Fatal("read error swallowed")
	}
	s.Start(time.Hour, nil)
	s.Stop()
	s.Stop()
}
