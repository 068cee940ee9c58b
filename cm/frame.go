package cm

import (
	"encoding/binary"
	"fmt"
)

// frameMagic is the 4-byte ASCII marker "VT01" prefixing every TCP frame
// body, little-endian when read as a uint32.
const frameMagic uint32 = 0x31305456 // "VT01"

const frameHeaderLen = 8 // uint32 len + uint32 magic

// encodeFrame prepends the VT01 length+magic header used by the TCP
// transport (spec.md §3's Frame). The WebSocket transport does not call
// it: each WS payload goes out as exactly one binary message with no
// VT01 header.
func encodeFrame(payload []byte) []byte {
	out := make([]byte, frameHeaderLen+len(payload))
	binary.LittleEndian.PutUint32(out[0:4], uint32(len(payload)))
	binary.LittleEndian.PutUint32(out[4:8], frameMagic)
	copy(out[frameHeaderLen:], payload)
	return out
}

// streamFramer incrementally reassembles VT01 frames out of a byte stream
// that may deliver arbitrarily small chunks (down to one byte at a time).
// It implements the two-state parser of spec.md §4.B: awaiting_header,
// then awaiting_body(len).
type streamFramer struct {
	buf        []byte
	wantLen    uint32
	haveHeader bool
}

// feed appends newly-read bytes and returns every complete payload that
// can now be extracted, in order. A bad-magic header is reported via err;
// the caller is expected to close the transport on that error, per
// spec.md's "validate the next 4 bytes equal VT01 (otherwise emit
// error(\"Bad magic\") and close)".
func (f *streamFramer) feed(chunk []byte) (payloads [][]byte, err error) {
	f.buf = append(f.buf, chunk...)

	for {
		if !f.haveHeader {
			if len(f.buf) < frameHeaderLen {
				return payloads, nil
			}
			length := binary.LittleEndian.Uint32(f.buf[0:4])
			magic := binary.LittleEndian.Uint32(f.buf[4:8])
			if magic != frameMagic {
				return payloads, fmt.Errorf("Bad magic: 0x%08X", magic)
			}
			f.wantLen = length
			f.haveHeader = true
			f.buf = f.buf[frameHeaderLen:]
		}

		if uint32(len(f.buf)) < f.wantLen {
			return payloads, nil
		}

		payload := make([]byte, f.wantLen)
		copy(payload, f.buf[:f.wantLen])
		f.buf = f.buf[f.wantLen:]
		f.haveHeader = false
		payloads = append(payloads, payload)
	}
}
