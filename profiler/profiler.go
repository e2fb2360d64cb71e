package profiler

import (
	"fmt"
	"io"
	"strings"
	"sync"
	"time"

	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/disk"
	"github.com/shirou/gopsutil/v3/net"
)

const header = "Human Time, Robot Time, CPU Usage, Packets Sent, Packets Received, Bytes Sent, Bytes Received, " +
	"Dropped Packets In, Dropped Packets Out, Disk Read Count, Disk Write Count, Disk Read Bytes, Disk Write Bytes\n"

func getTimestamp(at time.Time) string {
	return fmt.Sprintf("%s, %d,", at.Format("2006/01/02 15:04:05 .000"), at.UnixNano())
}

// HostSampler writes one csv row per period with the host's cpu usage and
// the network and disk traffic since the previous row.
type HostSampler struct {
	out io.Writer

	netPrev  net.IOCountersStat
	diskPrev disk.IOCountersStat

	readCPU  func() (float64, error)
	readNet  func() (net.IOCountersStat, error)
	readDisk func() (disk.IOCountersStat, error)
	now      func() time.Time

	done     chan struct{}
	doneOnce sync.Once
	wg       sync.WaitGroup
}

// HostSamplerNew samples nicName and diskName, or the sum over all nics and
// disks when the name is empty.
func HostSamplerNew(out io.Writer, nicName string, diskName string) (*HostSampler, error) {
	s := &HostSampler{
		out:      out,
		readCPU:  cpuPercent,
		readNet:  func() (net.IOCountersStat, error) { return nicCounters(nicName) },
		readDisk: func() (disk.IOCountersStat, error) { return diskCounters(diskName) },
		now:      time.Now,
		done:     make(chan struct{}),
	}
	if err := s.init(); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *HostSampler) init() error {
	var err error
	if s.netPrev, err = s.readNet(); err != nil {
		return err
	}
	if s.diskPrev, err = s.readDisk(); err != nil {
		return err
	}
	_, err = io.WriteString(s.out, header)
	return err
}

func cpuPercent() (float64, error) {
	percent, err := cpu.Percent(0, false)
	if err != nil {
		return 0, err
	}
	if len(percent) == 0 {
		return 0, fmt.Errorf("no cpu usage reported")
	}
	return percent[0], nil
}

func nicCounters(name string) (net.IOCountersStat, error) {
	nics, err := net.IOCounters(name != "")
	if err != nil {
		return net.IOCountersStat{}, err
	}
	for _, nic := range nics {
		if name == "" || nic.Name == name {
			return nic, nil
		}
	}
	return net.IOCountersStat{}, fmt.Errorf("no nic named %q", name)
}

func diskCounters(name string) (disk.IOCountersStat, error) {
	disks, err := disk.IOCounters()
	if err != nil {
		return disk.IOCountersStat{}, err
	}
	if name != "" {
		d, ok := disks[name]
		if !ok {
			return disk.IOCountersStat{}, fmt.Errorf("no disk named %q", name)
		}
		return d, nil
	}
	var sum disk.IOCountersStat
	for _, d := range disks {
		sum.ReadCount += d.ReadCount
		sum.WriteCount += d.WriteCount
		sum.ReadBytes += d.ReadBytes
		sum.WriteBytes += d.WriteBytes
	}
	return sum, nil
}

func netDiff(cur, prev net.IOCountersStat) net.IOCountersStat {
	diff := net.IOCountersStat{}
	diff.PacketsSent = cur.PacketsSent - prev.PacketsSent
	diff.PacketsRecv = cur.PacketsRecv - prev.PacketsRecv
	diff.BytesSent = cur.BytesSent - prev.BytesSent
	diff.BytesRecv = cur.BytesRecv - prev.BytesRecv
	diff.Dropout = cur.Dropout - prev.Dropout
	diff.Dropin = cur.Dropin - prev.Dropin
	return diff
}

func diskDiff(cur, prev disk.IOCountersStat) disk.IOCountersStat {
	diff := disk.IOCountersStat{}
	diff.ReadCount = cur.ReadCount - prev.ReadCount
	diff.WriteCount = cur.WriteCount - prev.WriteCount
	diff.ReadBytes = cur.ReadBytes - prev.ReadBytes
	diff.WriteBytes = cur.WriteBytes - prev.WriteBytes
	return diff
}

// Sample writes one row.
func (s *HostSampler) Sample() error {
	cpuUsage, err := s.readCPU()
	if err != nil {
		return err
	}
	curNet, err := s.readNet()
	if err != nil {
		return err
	}
	curDisk, err := s.readDisk()
	if err != nil {
		return err
	}
	nic := netDiff(curNet, s.netPrev)
	d := diskDiff(curDisk, s.diskPrev)
	s.netPrev = curNet
	s.diskPrev = curDisk

	row := strings.Builder{}
	row.WriteString(getTimestamp(s.now()))
	row.WriteString(fmt.Sprintf(" %.2f,", cpuUsage))
	row.WriteString(fmt.Sprintf(" %d, %d, %d, %d, %d, %d,", nic.PacketsSent, nic.PacketsRecv, nic.BytesSent,
		nic.BytesRecv, nic.Dropin, nic.Dropout))
	row.WriteString(fmt.Sprintf(" %d, %d, %d, %d", d.ReadCount, d.WriteCount, d.ReadBytes, d.WriteBytes))
	row.WriteString("\n")
	_, err = io.WriteString(s.out, row.String())
	return err
}

// Start samples every period until Stop.
func (s *HostSampler) Start(period time.Duration, onError func(error)) {
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		ticker := time.NewTicker(period)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				if err := s.Sample(); err != nil && onError != nil {
					onError(err)
				}
			case <-s.done:
				return
			}
		}
	}()
}

func (s *HostSampler) Stop() {
	s.doneOnce.Do(func() { close(s.done) })
	s.wg.Wait()
}
