package fastrpc

import (
	"bufio"
	"bytes"
	"encoding/binary"
	"errors"
	"io"
	"testing"
)

func TestFrameRoundTrip(t *testing.T) {
	var buf bytes.Buffer
	w := bufio.NewWriter(&buf)
	if err := WriteFrame(w, HELLO, []byte("n1")); err != nil {
		t.Fatal(err)
	}
	if err := WriteFrame(w, MSG, []byte(`{"src":"n1"}`)); err != nil {
		t.Fatal(err)
	}
	if err := WriteFrame(w, MSG, nil); err != nil {
		t.Fatal(err)
	}
	w.Flush()

	r := bufio.NewReader(&buf)
	want := []struct {
		code    uint8
		payload string
	}{{HELLO, "n1"}, {MSG, `{"src":"n1"}`}, {MSG, ""}}
	for i, w := range want {
		code, payload, err := ReadFrame(r)
		if err != nil {
			t.Fatalf("frame %d: %v", i, err)
		}
		if code != w.code || string(payload) != w.payload {
			t.Errorf("frame %d: got (%d, %q), want (%d, %q)", i, code, payload, w.code, w.payload)
		}
	}
	if _, _, err := ReadFrame(r); err != io.EOF {
		t.Errorf("expected EOF after last frame, got %v", err)
	}
}

func TestOversizeFrameRejected(t *testing.T) {
	var hdr [HEADERLEN]byte
	hdr[0] = MSG
	binary.BigEndian.PutUint32(hdr[1:], MAXFRAMELEN+1)
	_, _, err := ReadFrame(bufio.NewReader(bytes.NewReader(hdr[:])))
	var tooLarge *FrameTooLargeError
	if !errors.As(err, &tooLarge) {
		t.Fatalf("expected FrameTooLargeError, got %v", err)
	}

	w := bufio.NewWriter(io.Discard)
	if err := WriteFrame(w, MSG, make([]byte, MAXFRAMELEN+1)); !errors.As(err, &tooLarge) {
		t.Fatalf("writer accepted an oversize frame: %v", err)
	}
}

func TestTruncatedFrame(t *testing.T) {
	var buf bytes.Buffer
	w := bufio.NewWriter(&buf)
	WriteFrame(w, MSG, []byte("hello"))
	w.Flush()
	data := buf.Bytes()[:buf.Len()-2]
	if _, _, err := ReadFrame(bufio.NewReader(bytes.NewReader(data))); err != io.ErrUnexpectedEOF {
		t.Fatalf("expected ErrUnexpectedEOF, got %v", err)
	}
}
