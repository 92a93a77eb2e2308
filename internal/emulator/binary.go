package emulator

import (
	"strconv"
	"time"

	"github.com/sunstone-advisory/iridium-sbd-emulator/internal/events"
	"github.com/sunstone-advisory/iridium-sbd-emulator/internal/framing"
	"github.com/sunstone-advisory/iridium-sbd-emulator/internal/sbd"
)

// SBDWB result codes, each written as its own line.
const (
	sbdwbResultOK           = "0"
	sbdwbResultTimeout      = "1"
	sbdwbResultChecksumFail = "2"
	sbdwbResultBadSize      = "3"
)

// SBDWB failure reasons reported through the failure hook.
const (
	SBDWBFailBadSize  = "bad_size"
	SBDWBFailChecksum = "checksum"
	SBDWBFailOverrun  = "overrun"
	SBDWBFailTimeout  = "timeout"
)

// handleSBDWB starts a binary MO upload: <len> payload bytes followed by a
// two-byte summation checksum, expected within the binary timeout.
func (e *Emulator) handleSBDWB(detail string) {
	length, err := strconv.Atoi(detail)
	if err != nil || length < 1 || length > sbd.MOCapacity {
		e.logf(events.LevelWarn, "SBDWB size %q out of range", detail)
		e.reportSBDWBFailure(SBDWBFailBadSize)
		e.writeLine(sbdwbResultBadSize)
		return
	}

	e.mu.Lock()
	e.binaryMode = true
	e.binaryExpected = length + 2
	e.binaryAccum = nil
	e.binaryTimer = time.AfterFunc(e.cfg.BinaryTimeout, e.binaryTimeout)
	e.mu.Unlock()

	e.demux.SetMode(framing.ModeBinary)
	e.logf(events.LevelInfo, "binary upload started, expecting %d bytes", length+2)
	e.writeLine(replyReady)
}

// handleBinaryChunk accumulates upload chunks until the expected length is
// reached, then validates the checksum and commits the payload.
func (e *Emulator) handleBinaryChunk(chunk framing.Chunk) {
	e.mu.Lock()
	e.binaryAccum = append(e.binaryAccum, chunk...)
	accum := e.binaryAccum
	expected := e.binaryExpected
	e.mu.Unlock()

	switch {
	case len(accum) < expected:
		return
	case len(accum) > expected:
		e.logf(events.LevelWarn, "binary upload overran: got %d bytes, expected %d", len(accum), expected)
		e.reportSBDWBFailure(SBDWBFailOverrun)
		e.writeLine(sbdwbResultChecksumFail)
		e.finishBinary()
		return
	}

	payload := accum[:expected-2]
	received := accum[expected-2:]
	calculated := checksum(payload)

	if received[0] != calculated[0] || received[1] != calculated[1] {
		e.logf(events.LevelWarn, "binary upload checksum mismatch: got %02x%02x, want %02x%02x",
			received[0], received[1], calculated[0], calculated[1])
		e.reportSBDWBFailure(SBDWBFailChecksum)
		e.writeLine(sbdwbResultChecksumFail)
		e.finishBinary()
		return
	}

	e.bufs.WriteMO(payload)
	e.logf(events.LevelInfo, "binary upload complete, %d bytes written to MO buffer", len(payload))
	e.writeLine(sbdwbResultOK)
	e.finishBinary()
}

// binaryTimeout fires when the upload stalls past the deadline.
func (e *Emulator) binaryTimeout() {
	e.mu.Lock()
	if !e.binaryMode {
		e.mu.Unlock()
		return
	}
	e.binaryMode = false
	e.binaryAccum = nil
	e.binaryTimer = nil
	e.mu.Unlock()

	e.demux.SetMode(framing.ModeText)
	e.logf(events.LevelWarn, "binary upload timed out")
	e.reportSBDWBFailure(SBDWBFailTimeout)
	e.writeLine(sbdwbResultTimeout)
}

// finishBinary cancels the deadline and reverts to command mode.
func (e *Emulator) finishBinary() {
	e.mu.Lock()
	e.binaryMode = false
	e.binaryAccum = nil
	if e.binaryTimer != nil {
		e.binaryTimer.Stop()
		e.binaryTimer = nil
	}
	e.mu.Unlock()

	e.demux.SetMode(framing.ModeText)
}

// checksum is the two-byte big-endian summation of the payload bytes. The
// sum of 340 bytes caps at 86,700 so 32 bits are plenty; the wire carries
// only the low 16.
func checksum(payload []byte) [2]byte {
	var sum uint32
	for _, b := range payload {
		sum += uint32(b)
	}
	return [2]byte{byte(sum >> 8), byte(sum)}
}
