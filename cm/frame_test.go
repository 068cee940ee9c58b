package cm

import (
	"bytes"
	"testing"
)

func TestStreamFramerRoundTrip(t *testing.T) {
	payload := []byte("hello steam")
	frame := encodeFrame(payload)

	var f streamFramer
	got, err := f.feed(frame)
	if err != nil {
		t.Fatalf("feed: %v", err)
	}
	if len(got) != 1 {
		t.Fatalf("expected exactly one payload, got %d", len(got))
	}
	if !bytes.Equal(got[0], payload) {
		t.Errorf("payload mismatch: got %q, want %q", got[0], payload)
	}
}

// Spec's testable property: a stream that delivers the frame one byte at
// a time must still produce exactly one packet.
func TestStreamFramerOneByteAtATime(t *testing.T) {
	payload := []byte{0xAA, 0xBB, 0xCC, 0xDD}
	frame := encodeFrame(payload)

	var f streamFramer
	var all [][]byte
	for i := range frame {
		got, err := f.feed(frame[i : i+1])
		if err != nil {
			t.Fatalf("feed byte %d: %v", i, err)
		}
		all = append(all, got...)
	}

	if len(all) != 1 {
		t.Fatalf("expected exactly one packet after final byte, got %d", len(all))
	}
	if !bytes.Equal(all[0], payload) {
		t.Errorf("payload mismatch: got %x, want %x", all[0], payload)
	}
}

func TestStreamFramerMultipleFramesInOneChunk(t *testing.T) {
	var buf []byte
	buf = append(buf, encodeFrame([]byte("first"))...)
	buf = append(buf, encodeFrame([]byte("second"))...)

	var f streamFramer
	got, err := f.feed(buf)
	if err != nil {
		t.Fatalf("feed: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("expected 2 payloads, got %d", len(got))
	}
	if string(got[0]) != "first" || string(got[1]) != "second" {
		t.Errorf("got %q, %q", got[0], got[1])
	}
}

// The frame bytes of spec.md §8's partial-read scenario,
// 04 00 00 00 "VT01" AA BB CC DD, fed as a single chunk.
func TestStreamFramerScenarioFrameInOneChunk(t *testing.T) {
	frame := []byte{0x04, 0x00, 0x00, 0x00, 'V', 'T', '0', '1', 0xAA, 0xBB, 0xCC, 0xDD}

	var f streamFramer
	got, err := f.feed(frame)
	if err != nil {
		t.Fatalf("feed: %v", err)
	}
	if len(got) != 1 || !bytes.Equal(got[0], []byte{0xAA, 0xBB, 0xCC, 0xDD}) {
		t.Fatalf("unexpected result: %v", got)
	}
}

func TestStreamFramerBadMagicDetected(t *testing.T) {
	bad := []byte{0x00, 0x00, 0x00, 0x00, 'X', 'X', 'X', 'X'}

	var f streamFramer
	_, err := f.feed(bad)
	if err == nil {
		t.Fatal("expected Bad magic error")
	}
}

func TestEncodeFrameHeader(t *testing.T) {
	got := encodeFrame([]byte("ab"))
	want := []byte{0x02, 0x00, 0x00, 0x00, 'V', 'T', '0', '1', 'a', 'b'}
	if !bytes.Equal(got, want) {
		t.Errorf("got %x, want %x", got, want)
	}
}
