package wire

import (
	"bufio"
	"bytes"
	"errors"
	"testing"
	"time"
)

func helloEnv(t *testing.T) Envelope {
	t.Helper()
	env := Envelope{
		Type:      MTHello,
		Sequence:  1,
		DeviceID:  "dev-a",
		Timestamp: time.Now(),
	}
	env, err := env.WithPayload(HelloPayload{
		ProtocolVersion: ProtocolMajor,
		Capabilities:    []Capability{CapCamera, CapThermal},
	})
	if err != nil {
		t.Fatalf("payload: %v", err)
	}
	return env
}

func TestEncodeDecodeRoundtrip(t *testing.T) {
	env := helloEnv(t)
	b, err := Encode(env)
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	got, err := Decode(b)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if got.Type != MTHello || got.Sequence != 1 || got.DeviceID != "dev-a" {
		t.Fatalf("roundtrip mismatch: %+v", got)
	}
	var p HelloPayload
	if err := got.DecodePayload(&p); err != nil {
		t.Fatalf("payload: %v", err)
	}
	if p.ProtocolVersion != ProtocolMajor || len(p.Capabilities) != 2 {
		t.Fatalf("payload mismatch: %+v", p)
	}
}

func TestDecodeRejectsMalformed(t *testing.T) {
	cases := map[string]string{
		"not_json":     `{{{`,
		"no_type":      `{"sequence":1,"timestamp":"2026-01-02T15:04:05Z"}`,
		"no_timestamp": `{"message_type":"heartbeat","sequence":1}`,
		"bad_priority": `{"message_type":"heartbeat","sequence":1,"timestamp":"2026-01-02T15:04:05Z","priority":"urgent"}`,
	}
	for name, raw := range cases {
		if _, err := Decode([]byte(raw)); !errors.Is(err, ErrMalformed) {
			t.Errorf("%s: want ErrMalformed, got %v", name, err)
		}
	}
}

func TestValidateSchemas(t *testing.T) {
	now := time.Now()

	env := Envelope{Type: MTClockProbe, Sequence: 2, Timestamp: now}
	env, _ = env.WithPayload(ClockProbePayload{ProbeID: "p1", T0: now})
	if err := Validate(env); err != nil {
		t.Fatalf("valid clock_probe rejected: %v", err)
	}

	bad := Envelope{Type: MTClockProbe, Sequence: 3, Timestamp: now}
	bad, _ = bad.WithPayload(ClockProbePayload{ProbeID: ""})
	if err := Validate(bad); !errors.Is(err, ErrSchema) {
		t.Fatalf("empty probe_id: want ErrSchema, got %v", err)
	}

	hb := Envelope{Type: MTHeartbeat, Sequence: 4, Timestamp: now}
	if err := Validate(hb); err != nil {
		t.Fatalf("heartbeat needs no payload: %v", err)
	}

	unknownCap := Envelope{Type: MTHello, Sequence: 5, Timestamp: now}
	unknownCap, _ = unknownCap.WithPayload(HelloPayload{
		ProtocolVersion: ProtocolMajor,
		Capabilities:    []Capability{"sonar"},
	})
	if err := Validate(unknownCap); !errors.Is(err, ErrSchema) {
		t.Fatalf("unknown capability: want ErrSchema, got %v", err)
	}

	begin := Envelope{Type: MTBeginRecording, Sequence: 6, Timestamp: now}
	begin, _ = begin.WithPayload(BeginRecordingPayload{SessionID: "s1"})
	if err := Validate(begin); !errors.Is(err, ErrSchema) {
		t.Fatalf("begin without start_at: want ErrSchema, got %v", err)
	}

	if err := Validate(Envelope{Type: "mystery", Sequence: 7, Timestamp: now}); !errors.Is(err, ErrSchema) {
		t.Fatal("unknown type must fail validation")
	}
}

func TestDefaultPriority(t *testing.T) {
	if got := DefaultPriority(MTBeginRecording); got != PriorityCritical {
		t.Fatalf("begin_recording: %s", got)
	}
	if got := DefaultPriority(MTPreviewFrame); got != PriorityBulk {
		t.Fatalf("preview_frame: %s", got)
	}
	if got := DefaultPriority(MTHeartbeat); got != PriorityNormal {
		t.Fatalf("heartbeat: %s", got)
	}
}

func TestFrameRoundtrip(t *testing.T) {
	var buf bytes.Buffer
	payloads := [][]byte{[]byte("one"), []byte("two"), []byte(""), []byte("four")}
	for _, p := range payloads {
		if err := WriteFrame(&buf, p); err != nil {
			t.Fatalf("write: %v", err)
		}
	}
	r := bufio.NewReader(&buf)
	for i, want := range payloads {
		got, err := ReadFrame(r)
		if err != nil {
			t.Fatalf("read %d: %v", i, err)
		}
		if !bytes.Equal(got, want) {
			t.Fatalf("frame %d: got %q want %q", i, got, want)
		}
	}
}

func TestFrameTooLarge(t *testing.T) {
	var buf bytes.Buffer
	if err := WriteFrame(&buf, make([]byte, MaxFrameSize+1)); err == nil {
		t.Fatal("oversize write accepted")
	}

	var hdr bytes.Buffer
	hdr.Write([]byte{0xFF, 0xFF, 0xFF, 0xFF})
	if _, err := ReadFrame(bufio.NewReader(&hdr)); err == nil {
		t.Fatal("oversize header accepted")
	}
}
