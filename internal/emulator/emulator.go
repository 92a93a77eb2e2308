// Package emulator implements an Iridium 9602/9603 Short Burst Data
// transceiver behind a serial-like byte stream. A DTE connected to the other
// end of the stream exchanges AT commands and binary payloads with it as if
// it were the physical module.
package emulator

import (
	"fmt"
	"io"
	"math/rand"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sunstone-advisory/iridium-sbd-emulator/internal/events"
	"github.com/sunstone-advisory/iridium-sbd-emulator/internal/framing"
	"github.com/sunstone-advisory/iridium-sbd-emulator/internal/sbd"
	"github.com/sunstone-advisory/iridium-sbd-emulator/internal/signalmodel"
	"github.com/sunstone-advisory/iridium-sbd-emulator/internal/signer"
)

// Fixed transceiver identity. The serial number doubles as the IMEI carried
// by emitted messages.
const (
	deviceModel      = "IRIDIUM 9600 Family SBD Transceiver"
	serialNumber     = "300534062390910"
	hardwareSpec     = "BOOST0602/9603N/04/06"
	softwareRevision = "TA19002"
	deviceType       = "ROCKBLOCK"
)

// Synthetic geodetic constants attached to every uplinked message.
const (
	messageSerial    = 206899
	iridiumLatitude  = 50.2563
	iridiumLongitude = 82.2532
	iridiumCEP       = 122
)

// Default timing. Each is a Config knob so tests can compress it.
const (
	DefaultEchoDelayMin    = 10 * time.Millisecond
	DefaultEchoDelayMax    = 50 * time.Millisecond
	DefaultSessionDelayMin = 15 * time.Second
	DefaultSessionDelayMax = 30 * time.Second
	DefaultCSQDelay        = 2 * time.Second
	DefaultBinaryTimeout   = 60 * time.Second
)

// Config carries the collaborators and knobs for one emulator instance.
type Config struct {
	// Transport is the serial-like duplex channel to the DTE. Required.
	Transport io.ReadWriteCloser

	// PortName labels the transport in log events. Optional.
	PortName string

	// SignalRating bounds the simulated signal strength.
	SignalRating signalmodel.Rating

	// Signer signs uplinked messages. Required.
	Signer *signer.Signer

	// Bus receives log, sbd-message and signer-key-generated events. A new
	// bus is created when nil.
	Bus *events.Bus

	// Rand drives all jitter and sampling. Defaults to a time-seeded source.
	Rand *rand.Rand

	// Now supplies wall time for transmit_time stamps. Defaults to time.Now.
	Now func() time.Time

	// Timing knobs; zero selects the defaults above.
	EchoDelayMin    time.Duration
	EchoDelayMax    time.Duration
	SessionDelayMin time.Duration
	SessionDelayMax time.Duration
	CSQDelay        time.Duration
	BinaryTimeout   time.Duration
	ChunkIdle       time.Duration
	TickMin         time.Duration
	TickMax         time.Duration
}

// Emulator is one transceiver instance serving a single DTE session.
type Emulator struct {
	cfg       Config
	bus       *events.Bus
	rnd       *rand.Rand
	now       func() time.Time
	transport io.ReadWriteCloser
	demux     *framing.Demux
	frames    chan framing.Frame
	sig       *signalmodel.Model
	bufs      *sbd.Buffers
	signer    *signer.Signer

	// randMu serializes draws from rnd across the engine, the signal model
	// and the session simulator.
	randMu sync.Mutex

	// mu guards the command-visible state below. It is never held across a
	// suspension point, so ticker writes may interleave with command
	// handling exactly as on real hardware.
	mu                sync.Mutex
	echoEnabled       bool
	ringAlertsEnabled bool
	ringAlertActive   bool
	sigInd            bool
	svcInd            bool
	binaryMode        bool
	binaryExpected    int
	binaryAccum       []byte
	binaryTimer       *time.Timer

	quietMode        atomic.Bool
	readyForShutdown atomic.Bool

	// sbdwbFailure, when set, observes each failed binary upload with its
	// reason. Set before Start.
	sbdwbFailure func(reason string)

	// writeMu makes the engine the single writer on the transport.
	writeMu sync.Mutex

	started   bool
	closeOnce sync.Once
	done      chan struct{}
}

// New validates the configuration and assembles an emulator. The instance
// is inert until Start.
func New(cfg Config) (*Emulator, error) {
	if cfg.Transport == nil {
		return nil, fmt.Errorf("emulator: transport is required")
	}
	if cfg.Signer == nil {
		return nil, fmt.Errorf("emulator: signer is required")
	}

	if cfg.Bus == nil {
		cfg.Bus = events.NewBus()
	}
	if cfg.Rand == nil {
		cfg.Rand = rand.New(rand.NewSource(time.Now().UnixNano()))
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if cfg.EchoDelayMin == 0 {
		cfg.EchoDelayMin = DefaultEchoDelayMin
	}
	if cfg.EchoDelayMax == 0 {
		cfg.EchoDelayMax = DefaultEchoDelayMax
	}
	if cfg.SessionDelayMin == 0 {
		cfg.SessionDelayMin = DefaultSessionDelayMin
	}
	if cfg.SessionDelayMax == 0 {
		cfg.SessionDelayMax = DefaultSessionDelayMax
	}
	if cfg.CSQDelay == 0 {
		cfg.CSQDelay = DefaultCSQDelay
	}
	if cfg.BinaryTimeout == 0 {
		cfg.BinaryTimeout = DefaultBinaryTimeout
	}
	if cfg.ChunkIdle == 0 {
		cfg.ChunkIdle = framing.DefaultChunkIdle
	}

	e := &Emulator{
		cfg:         cfg,
		bus:         cfg.Bus,
		rnd:         cfg.Rand,
		now:         cfg.Now,
		transport:   cfg.Transport,
		frames:      make(chan framing.Frame, 16),
		bufs:        &sbd.Buffers{},
		signer:      cfg.Signer,
		echoEnabled: true,
		done:        make(chan struct{}),
	}

	e.demux = framing.NewDemux(e.enqueueFrame)
	e.demux.ChunkIdle = cfg.ChunkIdle

	e.sig = signalmodel.New(cfg.SignalRating, &lockedRand{rnd: cfg.Rand, mu: &e.randMu}, e.onSignalChange)
	if cfg.TickMin > 0 {
		e.sig.TickMin = cfg.TickMin
	}
	if cfg.TickMax > 0 {
		e.sig.TickMax = cfg.TickMax
	}

	return e, nil
}

// Bus returns the event bus the emulator publishes on.
func (e *Emulator) Bus() *events.Bus {
	return e.bus
}

// OnSBDWBFailure registers a hook invoked with the reason each time a binary
// upload fails. Must be called before Start.
func (e *Emulator) OnSBDWBFailure(fn func(reason string)) {
	e.sbdwbFailure = fn
}

func (e *Emulator) reportSBDWBFailure(reason string) {
	if e.sbdwbFailure != nil {
		e.sbdwbFailure(reason)
	}
}

// Start begins serving the DTE: it publishes a generated signer key (if
// any), spawns the transport reader and the command engine, and starts the
// signal ticker.
func (e *Emulator) Start() {
	e.mu.Lock()
	if e.started {
		e.mu.Unlock()
		return
	}
	e.started = true
	e.mu.Unlock()

	if details := e.signer.Generated(); details != nil {
		e.bus.PublishSignerKey(events.SignerKeyDetails{
			PublicKey:  details.PublicKey,
			PrivateKey: details.PrivateKey,
			Passphrase: details.Passphrase,
		})
		e.logf(events.LevelInfo, "signer key pair generated in memory")
	}

	e.logf(events.LevelInfo, "serial transport open on %s", e.portName())

	go e.readLoop()
	go e.frameLoop()
	e.sig.Start()
}

// Close tears the emulator down: ticker, pending binary timeout, transport.
// Idempotent.
func (e *Emulator) Close() error {
	e.closeOnce.Do(func() {
		close(e.done)
		e.sig.Stop()
		e.demux.Close()

		e.mu.Lock()
		if e.binaryTimer != nil {
			e.binaryTimer.Stop()
			e.binaryTimer = nil
		}
		e.mu.Unlock()

		e.transport.Close()
		e.logf(events.LevelInfo, "emulator closed")
	})
	return nil
}

func (e *Emulator) portName() string {
	if e.cfg.PortName != "" {
		return e.cfg.PortName
	}
	return "transport"
}

// ============================================================================
// Inbound plumbing
// ============================================================================

// readLoop pumps transport bytes into the framing demultiplexer.
func (e *Emulator) readLoop() {
	buf := make([]byte, 256)
	for {
		n, err := e.transport.Read(buf)
		if n > 0 {
			e.demux.Feed(buf[:n])
		}
		if err != nil {
			select {
			case <-e.done:
			default:
				e.logf(events.LevelError, "transport read failed: %v", err)
			}
			return
		}
	}
}

func (e *Emulator) enqueueFrame(f framing.Frame) {
	select {
	case e.frames <- f:
	case <-e.done:
	}
}

// frameLoop is the single engine task: it serves inbound frames in order.
func (e *Emulator) frameLoop() {
	for {
		select {
		case <-e.done:
			return
		case f := <-e.frames:
			e.dispatch(f)
		}
	}
}

func (e *Emulator) dispatch(f framing.Frame) {
	if e.readyForShutdown.Load() {
		return
	}

	switch v := f.(type) {
	case framing.Line:
		if e.inBinaryMode() {
			// Text arriving mid-upload is a malformed chunk.
			e.logf(events.LevelWarn, "text frame received during binary upload")
			e.reportSBDWBFailure(SBDWBFailChecksum)
			e.writeLine(sbdwbResultChecksumFail)
			e.finishBinary()
			return
		}
		e.handleCommand(string(v))
	case framing.Chunk:
		if !e.inBinaryMode() {
			e.logf(events.LevelError, "binary data received in command mode (%d bytes)", len(v))
			e.writeLine(replyError)
			return
		}
		e.handleBinaryChunk(v)
	}
}

func (e *Emulator) inBinaryMode() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.binaryMode
}

// ============================================================================
// Outbound plumbing
// ============================================================================

// writeLine emits one CRLF-terminated line. Writes are suppressed while
// quiet mode is latched.
func (e *Emulator) writeLine(s string) {
	if e.quietMode.Load() {
		e.logf(events.LevelDebug, "tx suppressed (quiet): %q", s)
		return
	}
	e.writeMu.Lock()
	defer e.writeMu.Unlock()
	if _, err := e.transport.Write([]byte(s + "\r\n")); err != nil {
		e.logf(events.LevelError, "transport write failed: %v", err)
		return
	}
	e.logf(events.LevelDebug, "tx: %q", s)
}

func (e *Emulator) logf(level events.LogLevel, format string, args ...interface{}) {
	e.bus.Log(level, format, args...)
}

// ============================================================================
// Signal indicator plumbing
// ============================================================================

// onSignalChange emits unsolicited +CIEV lines for a new signal strength,
// one per enabled indicator. Runs on the ticker goroutine.
func (e *Emulator) onSignalChange(strength int) {
	e.mu.Lock()
	sigInd, svcInd := e.sigInd, e.svcInd
	e.mu.Unlock()

	e.logf(events.LevelDebug, "signal strength now %d", strength)

	if sigInd {
		e.writeLine(fmt.Sprintf("+CIEV:0,%d", strength))
	}
	if svcInd {
		e.writeLine(fmt.Sprintf("+CIEV:1,%d", serviceAvailable(strength)))
	}
}

func serviceAvailable(strength int) int {
	if strength >= 1 {
		return 1
	}
	return 0
}

// ============================================================================
// Jitter
// ============================================================================

// sleepShort waits the brief per-command jitter.
func (e *Emulator) sleepShort() {
	e.sleepBetween(e.cfg.EchoDelayMin, e.cfg.EchoDelayMax)
}

func (e *Emulator) sleepBetween(min, max time.Duration) {
	d := min
	if max > min {
		e.randMu.Lock()
		d += time.Duration(e.rnd.Int63n(int64(max-min) + 1))
		e.randMu.Unlock()
	}
	if d > 0 {
		time.Sleep(d)
	}
}

// intBetween samples a uniform integer in [min,max].
func (e *Emulator) intBetween(min, max int) int {
	if max <= min {
		return min
	}
	e.randMu.Lock()
	defer e.randMu.Unlock()
	return min + e.rnd.Intn(max-min+1)
}

// lockedRand adapts the shared rand source for the signal model, which
// samples from its own goroutine.
type lockedRand struct {
	mu  *sync.Mutex
	rnd *rand.Rand
}

func (l *lockedRand) Int63n(n int64) int64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.rnd.Int63n(n)
}

func (l *lockedRand) Intn(n int) int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.rnd.Intn(n)
}
