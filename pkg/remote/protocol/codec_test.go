package protocol

import (
	"bytes"
	"encoding/binary"
	"io"
	"testing"

	"github.com/hpg/hpg/pkg/events"
)

func TestRoundTrip(t *testing.T) {
	var buf bytes.Buffer
	enc := NewEncoder(&buf)
	dec := NewDecoder(&buf)

	if err := enc.Encode(KindHello, Hello{Version: Version}); err != nil {
		t.Fatalf("Encode: %v", err)
	}
	if err := enc.Encode(KindEvent, Event{Event: events.TaskBegin("setup")}); err != nil {
		t.Fatalf("Encode: %v", err)
	}
	if err := enc.Encode(KindDone, Done{ExitCode: 2}); err != nil {
		t.Fatalf("Encode: %v", err)
	}

	frame, err := dec.Decode()
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if frame.Kind != KindHello {
		t.Fatalf("kind = %s, want Hello", frame.Kind)
	}
	var hello Hello
	if err := frame.Decode(&hello); err != nil {
		t.Fatalf("payload: %v", err)
	}
	if hello.Version != Version {
		t.Errorf("version = %q", hello.Version)
	}

	frame, err = dec.Decode()
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	var ev Event
	if err := frame.Decode(&ev); err != nil {
		t.Fatalf("payload: %v", err)
	}
	if ev.Event.Kind != events.KindTaskBegin || ev.Event.Task != "setup" {
		t.Errorf("event = %+v", ev.Event)
	}

	frame, err = dec.Decode()
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	var done Done
	if err := frame.Decode(&done); err != nil {
		t.Fatalf("payload: %v", err)
	}
	if done.ExitCode != 2 {
		t.Errorf("exit = %d, want 2", done.ExitCode)
	}

	if _, err := dec.Decode(); err != io.EOF {
		t.Errorf("expected EOF at stream end, got %v", err)
	}
}

func TestFramesAreLengthPrefixed(t *testing.T) {
	var buf bytes.Buffer
	enc := NewEncoder(&buf)
	if err := enc.Encode(KindSyncEnd, nil); err != nil {
		t.Fatalf("Encode: %v", err)
	}
	raw := buf.Bytes()
	if len(raw) < headerSize {
		t.Fatalf("frame too short: %d bytes", len(raw))
	}
	length := binary.BigEndian.Uint32(raw[:headerSize])
	if int(length) != len(raw)-headerSize {
		t.Errorf("prefix = %d, body = %d", length, len(raw)-headerSize)
	}
}

// TestDecodeAcrossPartialReads feeds the decoder one byte at a time to
// exercise buffering.
func TestDecodeAcrossPartialReads(t *testing.T) {
	var buf bytes.Buffer
	enc := NewEncoder(&buf)
	want := FullFile{Path: "etc/app.conf", Data: bytes.Repeat([]byte{0xAB}, 3000), Mode: 0o644}
	if err := enc.Encode(KindFullFile, want); err != nil {
		t.Fatalf("Encode: %v", err)
	}

	dec := NewDecoder(&oneByteReader{data: buf.Bytes()})
	frame, err := dec.Decode()
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	var got FullFile
	if err := frame.Decode(&got); err != nil {
		t.Fatalf("payload: %v", err)
	}
	if got.Path != want.Path || !bytes.Equal(got.Data, want.Data) || got.Mode != want.Mode {
		t.Errorf("round trip mismatch")
	}
}

// oneByteReader returns at most one byte per Read call.
type oneByteReader struct {
	data []byte
	pos  int
}

func (r *oneByteReader) Read(p []byte) (int, error) {
	if r.pos >= len(r.data) {
		return 0, io.EOF
	}
	p[0] = r.data[r.pos]
	r.pos++
	return 1, nil
}

func TestExpectSurfacesRemoteError(t *testing.T) {
	var buf bytes.Buffer
	enc := NewEncoder(&buf)
	if err := enc.Encode(KindError, Error{Message: "agent exploded"}); err != nil {
		t.Fatalf("Encode: %v", err)
	}
	dec := NewDecoder(&buf)
	_, err := dec.Expect(KindHelloAck)
	if err == nil {
		t.Fatal("expected error")
	}
	if got := err.Error(); got != "remote error: agent exploded" {
		t.Errorf("err = %q", got)
	}
}

func TestCheckVersion(t *testing.T) {
	if err := CheckVersion("1.0.0", "1.4.2"); err != nil {
		t.Errorf("minor drift must be compatible: %v", err)
	}
	if err := CheckVersion("1.0.0", "2.0.0"); err == nil {
		t.Error("major mismatch must fail")
	}
	if err := CheckVersion("1.0.0", "junk"); err == nil {
		t.Error("malformed version must fail")
	}
}

func TestRejectsOversizedFrame(t *testing.T) {
	var raw [headerSize]byte
	binary.BigEndian.PutUint32(raw[:], maxFrameSize+1)
	dec := NewDecoder(bytes.NewReader(raw[:]))
	if _, err := dec.Decode(); err == nil {
		t.Fatal("oversized frame must be rejected")
	}
}
