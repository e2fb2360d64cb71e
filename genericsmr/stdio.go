package genericsmr

import (
	"bufio"
	"io"
	"strconv"
	"sync"
	"sync/atomic"

	cmap "github.com/orcaman/concurrent-map"

	"epaxoskv/dlog"
	"epaxoskv/epaxosproto"
)

const maxLineLen = 4 << 20

// StdioNetwork speaks the Maelstrom protocol: one JSON envelope per line on
// stdin and stdout.
type StdioNetwork struct {
	in       io.Reader
	out      *bufio.Writer
	outMu    sync.Mutex
	handlers cmap.ConcurrentMap
	msgId    int64
}

func NewStdioNetwork(in io.Reader, out io.Writer) *StdioNetwork {
	return &StdioNetwork{
		in:       in,
		out:      bufio.NewWriter(out),
		handlers: cmap.New(),
	}
}

func (s *StdioNetwork) Send(m epaxosproto.Message) {
	b, err := epaxosproto.Marshal(m, atomic.AddInt64(&s.msgId, 1))
	if err != nil {
		dlog.Errorf("cannot encode %s to %s: %v", m.Kind(), m.Head().Dest, err)
		return
	}
	s.outMu.Lock()
	defer s.outMu.Unlock()
	s.out.Write(b)
	s.out.WriteByte('\n')
	if err := s.out.Flush(); err != nil {
		dlog.Errorf("cannot write to stdout: %v", err)
	}
}

func (s *StdioNetwork) RegisterHandler(kind epaxosproto.MessageKind, handler func(epaxosproto.Message)) {
	s.handlers.Set(strconv.Itoa(int(kind)), handler)
}

// Dispatch runs the handler registered for m's kind and reports whether
// there was one.
func (s *StdioNetwork) Dispatch(m epaxosproto.Message) bool {
	h, ok := s.handlers.Get(strconv.Itoa(int(m.Kind())))
	if !ok {
		return false
	}
	h.(func(epaxosproto.Message))(m)
	return true
}

// Serve reads envelopes until the input ends and hands each one to onMessage
// on the calling goroutine. Lines that do not parse are logged and skipped.
func (s *StdioNetwork) Serve(onMessage func(epaxosproto.Message)) error {
	scanner := bufio.NewScanner(s.in)
	scanner.Buffer(make([]byte, 64*1024), maxLineLen)
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		m, err := epaxosproto.Unmarshal(line)
		if err != nil {
			dlog.Warningf("dropping message %q: %v", line, err)
			continue
		}
		onMessage(m)
	}
	return scanner.Err()
}
