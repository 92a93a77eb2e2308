package emulator

import (
	"io"
	"math/rand"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sunstone-advisory/iridium-sbd-emulator/internal/events"
	"github.com/sunstone-advisory/iridium-sbd-emulator/internal/framing"
	"github.com/sunstone-advisory/iridium-sbd-emulator/internal/signalmodel"
	"github.com/sunstone-advisory/iridium-sbd-emulator/internal/signer"
	"github.com/sunstone-advisory/iridium-sbd-emulator/internal/transport"
)

// testSigner is shared across the suite; RSA generation is the slow part.
var (
	testSignerOnce sync.Once
	testSigner     *signer.Signer
)

func sharedSigner(t *testing.T) *signer.Signer {
	t.Helper()
	testSignerOnce.Do(func() {
		s, err := signer.Generate(1024)
		if err != nil {
			t.Fatalf("generate signer: %v", err)
		}
		testSigner = s
	})
	return testSigner
}

// rig wires an emulator to an in-memory DTE with compressed timing.
type rig struct {
	t    *testing.T
	dte  io.ReadWriteCloser
	emu  *Emulator
	msgs chan events.SBDMessage

	mu         sync.Mutex
	transcript strings.Builder
}

func newRig(t *testing.T, rating signalmodel.Rating) *rig {
	t.Helper()

	dte, dce := transport.Pipe()
	bus := events.NewBus()
	msgs := make(chan events.SBDMessage, 8)
	bus.SubscribeSBDMessage(func(m events.SBDMessage) { msgs <- m })

	emu, err := New(Config{
		Transport:       dce,
		PortName:        "test",
		SignalRating:    rating,
		Signer:          sharedSigner(t),
		Bus:             bus,
		Rand:            rand.New(rand.NewSource(42)),
		EchoDelayMin:    time.Millisecond,
		EchoDelayMax:    time.Millisecond,
		SessionDelayMin: time.Millisecond,
		SessionDelayMax: 2 * time.Millisecond,
		CSQDelay:        time.Millisecond,
		BinaryTimeout:   time.Second,
		ChunkIdle:       5 * time.Millisecond,
		TickMin:         time.Hour,
		TickMax:         2 * time.Hour,
	})
	require.NoError(t, err)

	r := &rig{t: t, dte: dte, emu: emu, msgs: msgs}
	go r.readLoop()

	emu.Start()
	t.Cleanup(func() {
		emu.Close()
		dte.Close()
	})
	return r
}

func (r *rig) readLoop() {
	buf := make([]byte, 256)
	for {
		n, err := r.dte.Read(buf)
		if n > 0 {
			r.mu.Lock()
			r.transcript.Write(buf[:n])
			r.mu.Unlock()
		}
		if err != nil {
			return
		}
	}
}

func (r *rig) send(s string) {
	r.t.Helper()
	_, err := r.dte.Write([]byte(s))
	require.NoError(r.t, err)
}

func (r *rig) sendBytes(b []byte) {
	r.t.Helper()
	_, err := r.dte.Write(b)
	require.NoError(r.t, err)
}

func (r *rig) output() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.transcript.String()
}

// waitFor blocks until substr has appeared in the outbound stream n times.
func (r *rig) waitFor(substr string, n int) string {
	r.t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		out := r.output()
		if strings.Count(out, substr) >= n {
			return out
		}
		time.Sleep(2 * time.Millisecond)
	}
	require.FailNowf(r.t, "timeout", "waiting for %d x %q in output %q", n, substr, r.output())
	return ""
}

// ============================================================================
// Command dialogue
// ============================================================================

func TestEchoDisableSequence(t *testing.T) {
	r := newRig(t, signalmodel.RatingOK)

	r.send("ATE0\r\nAT&K0\r\n")
	out := r.waitFor("OK\r\n", 2)

	// ATE0 is echoed (echo still on when it arrived); AT&K0 is not.
	assert.Equal(t, "ATE0\r\nOK\r\nOK\r\n", out)
}

func TestUnknownAndEmptyCommands(t *testing.T) {
	r := newRig(t, signalmodel.RatingOK)
	r.send("ATE0\r\n")
	r.waitFor("OK\r\n", 1)

	r.send("ATXYZ\r\n")
	r.send("\r\n")
	out := r.waitFor("ERROR\r\n", 2)
	assert.Equal(t, 2, strings.Count(out, "ERROR\r\n"))
}

func TestIdentityCommands(t *testing.T) {
	r := newRig(t, signalmodel.RatingOK)
	r.send("ATE0\r\n")
	r.waitFor("OK\r\n", 1)

	r.send("ATI4\r\n")
	out := r.waitFor("OK\r\n", 2)
	assert.Contains(t, out, "IRIDIUM 9600 Family SBD Transceiver\r\nOK\r\n")

	// ATI2's identity line itself reads OK, followed by the result code.
	r.send("ATI2\r\n")
	out = r.waitFor("OK\r\n", 4)
	assert.Contains(t, out, "OK\r\nOK\r\n")
}

func TestBinaryDataInCommandModeIsRejected(t *testing.T) {
	r := newRig(t, signalmodel.RatingOK)

	// Inject a chunk directly: in text mode the demux never produces one,
	// but a stale chunk can still reach the engine around a mode switch.
	r.emu.dispatch(framing.Chunk{0x01, 0x02})
	out := r.waitFor("ERROR\r\n", 1)
	assert.Contains(t, out, "ERROR\r\n")
}

// ============================================================================
// SBDWB binary upload
// ============================================================================

func TestSBDWBUploadSuccess(t *testing.T) {
	r := newRig(t, signalmodel.RatingOK)
	r.send("ATE0\r\n")
	r.waitFor("OK\r\n", 1)

	r.send("AT+SBDWB=5\r\n")
	r.waitFor("READY\r\n", 1)

	// "Hello" sums to 0x0215.
	r.sendBytes([]byte{0x48, 0x65, 0x6C, 0x6C, 0x6F, 0x02, 0x15})
	out := r.waitFor("\r\n0\r\n", 1)

	assert.Contains(t, out, "READY\r\n0\r\n")

	mo := r.emu.bufs.MO()
	assert.Equal(t, []byte("Hello"), mo[:5])
	for _, b := range mo[5:] {
		assert.Zero(t, b)
	}
}

func TestSBDWBUploadWithEchoTranscript(t *testing.T) {
	r := newRig(t, signalmodel.RatingOK)

	// Echo still on: the command line comes back before READY.
	r.send("AT+SBDWB=5\r\n")
	r.waitFor("READY\r\n", 1)
	r.sendBytes([]byte{0x48, 0x65, 0x6C, 0x6C, 0x6F, 0x02, 0x15})
	out := r.waitFor("\r\n0\r\n", 1)

	assert.Equal(t, "AT+SBDWB=5\r\nREADY\r\n0\r\n", out)
}

func TestSBDWBChecksumMismatch(t *testing.T) {
	r := newRig(t, signalmodel.RatingOK)
	r.send("ATE0\r\n")
	r.waitFor("OK\r\n", 1)

	r.emu.bufs.WriteMO([]byte("seed"))

	r.send("AT+SBDWB=5\r\n")
	r.waitFor("READY\r\n", 1)
	r.sendBytes([]byte{0x48, 0x65, 0x6C, 0x6C, 0x6F, 0x00, 0x00})
	out := r.waitFor("\r\n2\r\n", 1)

	assert.Contains(t, out, "READY\r\n2\r\n")
	// MO buffer untouched on checksum failure.
	assert.Equal(t, []byte("seed"), r.emu.bufs.MO()[:4])

	// The engine is back in command mode.
	r.send("AT+CSQF\r\n")
	r.waitFor("+CSQF:", 1)
}

func TestSBDWBBadSize(t *testing.T) {
	patterns := []string{"AT+SBDWB=0", "AT+SBDWB=341", "AT+SBDWB=abc", "AT+SBDWB="}
	for _, cmd := range patterns {
		t.Run(cmd, func(t *testing.T) {
			r := newRig(t, signalmodel.RatingOK)
			r.send("ATE0\r\n")
			r.waitFor("OK\r\n", 1)

			r.send(cmd + "\r\n")
			out := r.waitFor("3\r\n", 1)
			assert.NotContains(t, out, "READY")
		})
	}
}

func TestSBDWBTimeout(t *testing.T) {
	r := newRig(t, signalmodel.RatingOK)
	r.emu.cfg.BinaryTimeout = 30 * time.Millisecond
	r.send("ATE0\r\n")
	r.waitFor("OK\r\n", 1)

	r.send("AT+SBDWB=5\r\n")
	r.waitFor("READY\r\n", 1)
	// Send nothing: the deadline elapses.
	out := r.waitFor("\r\n1\r\n", 1)
	assert.Contains(t, out, "READY\r\n1\r\n")

	// Command mode is restored.
	r.send("AT+CSQF\r\n")
	r.waitFor("+CSQF:", 1)
}

func TestSBDWBFailureHook(t *testing.T) {
	r := newRig(t, signalmodel.RatingOK)
	r.emu.cfg.BinaryTimeout = 30 * time.Millisecond

	var mu sync.Mutex
	var reasons []string
	r.emu.OnSBDWBFailure(func(reason string) {
		mu.Lock()
		defer mu.Unlock()
		reasons = append(reasons, reason)
	})

	r.send("ATE0\r\n")
	r.waitFor("OK\r\n", 1)

	// Bad size.
	r.send("AT+SBDWB=341\r\n")
	r.waitFor("3\r\n", 1)

	// Checksum mismatch.
	r.send("AT+SBDWB=2\r\n")
	r.waitFor("READY\r\n", 1)
	r.sendBytes([]byte{0x01, 0x02, 0x00, 0x00})
	r.waitFor("\r\n2\r\n", 1)

	// Overrun.
	r.send("AT+SBDWB=2\r\n")
	r.waitFor("READY\r\n", 2)
	r.sendBytes([]byte{1, 2, 3, 4, 5, 6, 7})
	r.waitFor("\r\n2\r\n", 2)

	// Timeout.
	r.send("AT+SBDWB=2\r\n")
	r.waitFor("READY\r\n", 3)
	r.waitFor("\r\n1\r\n", 1)

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []string{
		SBDWBFailBadSize,
		SBDWBFailChecksum,
		SBDWBFailOverrun,
		SBDWBFailTimeout,
	}, reasons)
}

func TestSBDWBOverrun(t *testing.T) {
	r := newRig(t, signalmodel.RatingOK)
	r.send("ATE0\r\n")
	r.waitFor("OK\r\n", 1)

	r.send("AT+SBDWB=2\r\n")
	r.waitFor("READY\r\n", 1)
	r.sendBytes([]byte{1, 2, 3, 4, 5, 6, 7})
	out := r.waitFor("\r\n2\r\n", 1)
	assert.Contains(t, out, "READY\r\n2\r\n")
}

// ============================================================================
// Sessions
// ============================================================================

func TestSessionSuccessEmitsSignedMessage(t *testing.T) {
	r := newRig(t, signalmodel.RatingExcellent)
	r.send("ATE0\r\n")
	r.waitFor("OK\r\n", 1)

	// Upload 0x01 0x02 0x03, checksum 0x0006.
	r.send("AT+SBDWB=3\r\n")
	r.waitFor("READY\r\n", 1)
	r.sendBytes([]byte{0x01, 0x02, 0x03, 0x00, 0x06})
	r.waitFor("\r\n0\r\n", 1)

	r.send("AT+SBDIX\r\n")
	out := r.waitFor("+SBDIX:", 1)
	r.waitFor("OK\r\n", 2)
	assert.Contains(t, out, "+SBDIX: 0, 1, 0, 1, 0, 0")

	var msg events.SBDMessage
	select {
	case msg = <-r.msgs:
	case <-time.After(time.Second):
		t.Fatal("no sbd-message emitted")
	}

	assert.Equal(t, uint16(1), msg.MOMSN)
	assert.Equal(t, "010203", msg.Data)
	assert.Equal(t, uint32(206899), msg.Serial)
	assert.Equal(t, "300534062390910", msg.IMEI)
	assert.Equal(t, "ROCKBLOCK", msg.DeviceType)

	parsed, err := jwt.Parse(msg.JWT, func(tok *jwt.Token) (interface{}, error) {
		return sharedSigner(t).PublicKey(), nil
	}, jwt.WithValidMethods([]string{"RS256"}))
	require.NoError(t, err)
	claims := parsed.Claims.(jwt.MapClaims)
	assert.Equal(t, "Rock7", claims["iss"])
	assert.Equal(t, "010203", claims["data"])
	assert.Equal(t, float64(1), claims["momsn"])
}

func TestSessionFailureWithNoSignal(t *testing.T) {
	r := newRig(t, signalmodel.RatingNone)
	r.send("ATE0\r\n")
	r.waitFor("OK\r\n", 1)

	r.send("AT+SBDWB=3\r\n")
	r.waitFor("READY\r\n", 1)
	r.sendBytes([]byte{0x01, 0x02, 0x03, 0x00, 0x06})
	r.waitFor("\r\n0\r\n", 1)

	r.send("AT+SBDIX\r\n")
	out := r.waitFor("+SBDIX:", 1)
	assert.Contains(t, out, "+SBDIX: 32, 0, 2, 0, 0, 0")

	select {
	case <-r.msgs:
		t.Fatal("no sbd-message expected on session failure")
	case <-time.After(50 * time.Millisecond):
	}

	// Counters unchanged.
	assert.Zero(t, r.emu.bufs.MOSeq())
	assert.Zero(t, r.emu.bufs.MTSeq())
}

func TestSessionRefusedWhileRadioInactive(t *testing.T) {
	r := newRig(t, signalmodel.RatingGood)
	r.send("ATE0\r\n")
	r.waitFor("OK\r\n", 1)

	r.send("AT*R0\r\n")
	r.waitFor("OK\r\n", 2)

	r.send("AT+SBDIX\r\n")
	out := r.waitFor("+SBDIX:", 1)
	assert.Contains(t, out, "+SBDIX: 34, 0, 2, 0, 0, 0")
}

func TestSessionSucceedsRates(t *testing.T) {
	r := newRig(t, signalmodel.RatingOK)

	assert.False(t, r.emu.sessionSucceeds(0))
	assert.True(t, r.emu.sessionSucceeds(2))
	assert.True(t, r.emu.sessionSucceeds(5))

	// One bar succeeds most of the time but not always.
	success := 0
	for i := 0; i < 200; i++ {
		if r.emu.sessionSucceeds(1) {
			success++
		}
	}
	assert.Greater(t, success, 120)
	assert.Less(t, success, 200)
}

// ============================================================================
// Indicators
// ============================================================================

func TestCIERSignalIndicator(t *testing.T) {
	r := newRig(t, signalmodel.RatingGood)
	r.send("ATE0\r\n")
	r.waitFor("OK\r\n", 1)

	r.send("AT+CIER=1,1,0,0\r\n")
	// OK followed by the immediate current-state report.
	out := r.waitFor("+CIEV:0,", 1)
	assert.NotContains(t, out, "+CIEV:1,")

	r.emu.ForceSignal(5)
	out = r.waitFor("+CIEV:0,5", 1)
	assert.NotContains(t, out, "+CIEV:1,")
}

func TestCIERBothIndicators(t *testing.T) {
	r := newRig(t, signalmodel.RatingNone)
	r.send("ATE0\r\n")
	r.waitFor("OK\r\n", 1)

	r.send("AT+CIER=1,1,1,0\r\n")
	r.waitFor("+CIEV:0,0", 1)
	r.waitFor("+CIEV:1,0", 1)

	r.emu.ForceSignal(3)
	r.waitFor("+CIEV:0,3", 1)
	out := r.waitFor("+CIEV:1,1", 1)
	assert.Contains(t, out, "+CIEV:1,1")
}

func TestCIERInvalidTuple(t *testing.T) {
	r := newRig(t, signalmodel.RatingGood)
	r.send("ATE0\r\n")
	r.waitFor("OK\r\n", 1)

	r.send("AT+CIER=2,0,0,0\r\n")
	r.waitFor("ERROR\r\n", 1)

	// No subscription was made: a forced change stays silent.
	r.emu.ForceSignal(5)
	time.Sleep(20 * time.Millisecond)
	assert.NotContains(t, r.output(), "+CIEV:")
}

// ============================================================================
// Buffers and loopback
// ============================================================================

func TestSBDDClearsBuffers(t *testing.T) {
	r := newRig(t, signalmodel.RatingOK)
	r.send("ATE0\r\n")
	r.waitFor("OK\r\n", 1)

	r.emu.bufs.WriteMO([]byte("payload"))
	r.emu.bufs.SetMT("terminated")

	r.send("AT+SBDD0\r\n")
	r.waitFor("OK\r\n", 2)
	assert.Empty(t, r.emu.bufs.MOTrimmed())
	assert.Equal(t, "terminated", r.emu.bufs.MT())

	// Idempotent.
	r.send("AT+SBDD0\r\n")
	r.waitFor("OK\r\n", 3)
	assert.Empty(t, r.emu.bufs.MOTrimmed())

	r.send("AT+SBDD1\r\n")
	r.waitFor("OK\r\n", 4)
	assert.Empty(t, r.emu.bufs.MT())

	r.emu.bufs.WriteMO([]byte("payload"))
	r.emu.bufs.SetMT("terminated")
	r.send("AT+SBDD2\r\n")
	r.waitFor("OK\r\n", 5)
	assert.Empty(t, r.emu.bufs.MOTrimmed())
	assert.Empty(t, r.emu.bufs.MT())
}

func TestSBDTCAndSBDRT(t *testing.T) {
	r := newRig(t, signalmodel.RatingOK)
	r.send("ATE0\r\n")
	r.waitFor("OK\r\n", 1)

	r.emu.bufs.WriteMO([]byte("Hi"))

	r.send("AT+SBDTC\r\n")
	out := r.waitFor("SBDTC:", 1)
	assert.Contains(t, out, "SBDTC: Outbound SBD Copied to Inbound SBD: size = 2")

	r.send("AT+SBDRT\r\n")
	out = r.waitFor("+SBDRT:", 1)
	assert.Contains(t, out, "+SBDRT:\r\nHi\r\n")
}

// ============================================================================
// Quiet mode and shutdown
// ============================================================================

func TestQuietModeSuppressesOutput(t *testing.T) {
	r := newRig(t, signalmodel.RatingOK)
	r.send("ATE0\r\n")
	r.waitFor("OK\r\n", 1)

	r.send("ATQ1\r\n")
	time.Sleep(30 * time.Millisecond)
	out := r.output()
	// The OK for ATQ1 is swallowed.
	assert.Equal(t, 1, strings.Count(out, "OK\r\n"))

	r.send("ATQ0\r\n")
	r.waitFor("OK\r\n", 2)
}

func TestShutdownLatchIgnoresCommands(t *testing.T) {
	r := newRig(t, signalmodel.RatingOK)
	r.send("ATE0\r\n")
	r.waitFor("OK\r\n", 1)

	r.send("AT*F\r\n")
	time.Sleep(30 * time.Millisecond)
	before := r.output()

	r.send("AT+CSQF\r\nATE1\r\nAT+SBDIX\r\n")
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, before, r.output())
}

// ============================================================================
// Ring alerts
// ============================================================================

func TestRingAlertAnnouncement(t *testing.T) {
	r := newRig(t, signalmodel.RatingOK)
	r.send("ATE0\r\n")
	r.waitFor("OK\r\n", 1)

	// Not announced while ring alerts are disabled.
	r.emu.RaiseRingAlert()
	time.Sleep(20 * time.Millisecond)
	assert.NotContains(t, r.output(), "SBDRING")

	// But CRIS reports the latched alert.
	r.send("AT+CRIS\r\n")
	out := r.waitFor("+CRIS:", 1)
	assert.Contains(t, out, "+CRIS:1")

	r.send("AT+SBDMTA=1\r\n")
	r.waitFor("OK\r\n", 3)
	r.emu.RaiseRingAlert()
	r.waitFor("SBDRING\r\n", 1)
}

// ============================================================================
// Status snapshot
// ============================================================================

func TestStatusSnapshot(t *testing.T) {
	r := newRig(t, signalmodel.RatingExcellent)
	r.send("ATE0\r\n")
	r.waitFor("OK\r\n", 1)

	st := r.emu.Status()
	assert.Equal(t, "test", st.PortName)
	assert.Equal(t, "EXCELLENT", st.SignalRating)
	assert.False(t, st.EchoEnabled)
	assert.True(t, st.RadioActive)
	assert.Equal(t, "300534062390910", st.IMEI)
}
