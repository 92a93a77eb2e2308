package emulator

import (
	"fmt"
	"strings"

	"github.com/sunstone-advisory/iridium-sbd-emulator/internal/events"
)

// Terminal reply lines.
const (
	replyOK    = "OK"
	replyError = "ERROR"
	replyReady = "READY"
)

// parseCommand splits a line at the first '='. The command key keeps the
// '='; the remainder is the detail string.
func parseCommand(line string) (key, detail string) {
	if idx := strings.IndexByte(line, '='); idx >= 0 {
		return line[:idx+1], line[idx+1:]
	}
	return line, ""
}

// handleCommand echoes and dispatches one inbound command line.
func (e *Emulator) handleCommand(line string) {
	e.logf(events.LevelDebug, "rx: %q", line)

	if e.isEchoEnabled() {
		e.sleepShort()
		e.writeLine(line)
	}
	e.sleepShort()

	key, detail := parseCommand(line)
	switch key {

	// ---- Echo and flow control -------------------------------------------
	case "ATE0":
		e.setEchoEnabled(false)
		e.writeLine(replyOK)
	case "ATE1":
		e.setEchoEnabled(true)
		e.writeLine(replyOK)
	case "AT&K0", "AT&K3":
		e.writeLine(replyOK)

	// ---- Identity --------------------------------------------------------
	case "ATI0":
		e.writeLine("2400")
		e.writeLine(replyOK)
	case "ATI1":
		e.writeLine("0000")
		e.writeLine(replyOK)
	case "ATI2":
		// ROM checksum verification; the identity line itself reads OK.
		e.writeLine(replyOK)
		e.writeLine(replyOK)
	case "ATI3":
		e.writeLine(softwareRevision)
		e.writeLine(replyOK)
	case "ATI4":
		e.writeLine(deviceModel)
		e.writeLine(replyOK)
	case "ATI5":
		e.writeLine("8816")
		e.writeLine(replyOK)
	case "ATI6":
		e.writeLine("15D")
		e.writeLine(replyOK)
	case "ATI7":
		e.writeLine(hardwareSpec)
		e.writeLine(replyOK)
	case "AT+GMI", "AT+CGMI":
		e.writeLine("Iridium")
		e.writeLine(replyOK)
	case "AT+GMM", "AT+CGMM":
		e.writeLine(deviceModel)
		e.writeLine(replyOK)
	case "AT+GMR", "AT+CGMR":
		for _, l := range revisionLines {
			e.writeLine(l)
		}
		e.writeLine(replyOK)
	case "AT+GSN", "AT+CGSN":
		e.writeLine(serialNumber)
		e.writeLine(replyOK)

	// ---- Result presentation ---------------------------------------------
	case "ATQ0":
		e.quietMode.Store(false)
		e.logf(events.LevelInfo, "quiet mode disabled")
		e.writeLine(replyOK)
	case "ATQ1":
		e.quietMode.Store(true)
		e.logf(events.LevelInfo, "quiet mode enabled")
		e.writeLine(replyOK) // suppressed by quiet mode
	case "ATV0":
		e.logf(events.LevelWarn, "numeric response mode not supported")
		e.writeLine(replyError)
	case "ATV1", "ATZ0", "ATZ1", "AT&F0", "AT&W0", "AT&W1", "AT&Y0", "AT&Y1":
		e.writeLine(replyOK)
	case "AT&V":
		for _, l := range activeConfigLines {
			e.writeLine(l)
		}
		e.writeLine(replyOK)
	case "AT%R":
		e.writeRegisterDump()
		e.writeLine(replyOK)

	// ---- Power and radio -------------------------------------------------
	case "AT*F":
		e.logf(events.LevelInfo, "flush to eeprom requested; ready for shutdown")
		e.readyForShutdown.Store(true)
		e.quietMode.Store(true)
		// No reply: the DTE is expected to cut power next.
	case "AT*R0":
		e.logf(events.LevelInfo, "radio activity disabled")
		e.sig.SetRadioActive(false)
		e.writeLine(replyOK)
	case "AT*R1":
		e.logf(events.LevelInfo, "radio activity enabled")
		e.sig.SetRadioActive(true)
		e.writeLine(replyOK)

	// ---- Clock and unlock stubs ------------------------------------------
	case "AT+CCLK":
		e.logf(events.LevelWarn, "real-time clock not supported")
		e.writeLine(replyError)
	case "AT+CULK":
		e.writeLine(replyOK)
	case "AT+CULK?":
		e.writeLine("0")
		e.writeLine(replyOK)
	case "AT+IPR", "AT+IPR=":
		e.writeLine(replyOK)

	// ---- Indicators and signal -------------------------------------------
	case "AT+CIER=":
		e.handleCIER(detail)
	case "AT+CRIS":
		e.writeLine(fmt.Sprintf("+CRIS:%d", boolDigit(e.isRingAlertActive())))
		e.writeLine(replyOK)
	case "AT+CSQ":
		e.sleepBetween(e.cfg.CSQDelay, e.cfg.CSQDelay)
		e.writeLine(fmt.Sprintf("+CSQ:%d", e.sig.Current()))
		e.writeLine(replyOK)
	case "AT+CSQF":
		e.writeLine(fmt.Sprintf("+CSQF:%d", e.sig.Current()))
		e.writeLine(replyOK)

	// ---- SBD buffers and sessions ----------------------------------------
	case "AT+SBDWT=":
		// Accepted without a reply; the MO text write is not modelled.
		e.logf(events.LevelDebug, "SBDWT accepted without reply: %q", detail)
	case "AT+SBDRT":
		e.writeLine("+SBDRT:")
		e.writeLine(e.bufs.MT())
		e.writeLine(replyOK)
	case "AT+SBDWB=":
		e.handleSBDWB(detail)
	case "AT+SBDIX", "AT+SBDIXA":
		e.handleSession()
	case "AT+SBDDET":
		e.writeLine("+SBDDET:0,0")
		e.writeLine(replyOK)
	case "AT+SBDTC":
		payload := e.bufs.MOUntilZero()
		e.bufs.SetMT(string(payload))
		e.logf(events.LevelInfo, "MO buffer copied to MT buffer (%d bytes)", len(payload))
		e.writeLine(fmt.Sprintf("SBDTC: Outbound SBD Copied to Inbound SBD: size = %d", len(payload)))
		e.writeLine(replyOK)
	case "AT+SBDMTA=":
		switch detail {
		case "0":
			e.setRingAlertsEnabled(false)
			e.writeLine(replyOK)
		case "1":
			e.setRingAlertsEnabled(true)
			e.writeLine(replyOK)
		default:
			e.logf(events.LevelError, "invalid SBDMTA mode %q", detail)
			e.writeLine(replyError)
		}
	case "AT+SBDAREG=":
		switch detail {
		case "0", "1", "2":
			e.writeLine(replyOK)
		default:
			e.logf(events.LevelError, "invalid SBDAREG mode %q", detail)
			e.writeLine(replyError)
		}
	case "AT+SBDD0":
		e.bufs.ClearMO()
		e.logf(events.LevelInfo, "MO buffer cleared")
		e.writeLine(replyOK)
	case "AT+SBDD1":
		e.bufs.ClearMT()
		e.logf(events.LevelInfo, "MT buffer cleared")
		e.writeLine(replyOK)
	case "AT+SBDD2":
		e.bufs.ClearMO()
		e.bufs.ClearMT()
		e.logf(events.LevelInfo, "MO and MT buffers cleared")
		e.writeLine(replyOK)

	default:
		e.logf(events.LevelError, "unknown command %q", line)
		e.writeLine(replyError)
	}
}

// ============================================================================
// Indicator event reporting (AT+CIER)
// ============================================================================

// cierModes maps the accepted 4-tuples to the resulting
// (signal indicator, service availability indicator) subscription pair.
var cierModes = map[string][2]bool{
	"0,0,0,0": {false, false},
	"0,1,0,0": {false, false},
	"0,0,1,0": {false, false},
	"1,0,0,0": {false, false},
	"1,1,0,0": {true, false},
	"1,0,1,0": {false, true},
	"1,1,1,0": {true, true},
}

func (e *Emulator) handleCIER(detail string) {
	mode, ok := cierModes[detail]
	if !ok {
		e.logf(events.LevelError, "invalid CIER tuple %q", detail)
		e.writeLine(replyError)
		return
	}

	e.mu.Lock()
	e.sigInd, e.svcInd = mode[0], mode[1]
	e.mu.Unlock()
	e.logf(events.LevelInfo, "indicator reporting set: signal=%v service=%v", mode[0], mode[1])
	e.writeLine(replyOK)

	// Report the current state immediately for each enabled indicator.
	strength := e.sig.Current()
	if mode[0] {
		e.writeLine(fmt.Sprintf("+CIEV:0,%d", strength))
	}
	if mode[1] {
		e.writeLine(fmt.Sprintf("+CIEV:1,%d", serviceAvailable(strength)))
	}
}

// ============================================================================
// Fixed response tables
// ============================================================================

var revisionLines = []string{
	"Call Processor Version: " + softwareRevision,
	"Modem DSP Version: 1.7 svn: 2358",
	"DBB Version: 0x0001 (ASIC)",
	"RFA Version: 0x0007 (SRFA2)",
	"NVM Version: KVS",
	"Hardware Version: " + hardwareSpec,
	"BOOT Version: TA16CNX 0.2 V1.1",
	"TA Version: " + softwareRevision,
}

var activeConfigLines = []string{
	"ACTIVE PROFILE:",
	"E1 Q0 V1 &D2 &K3",
	"S000:000 S007:050 S012:050 S014:170",
	"STORED PROFILE 0:",
	"E1 Q0 V1 &D2 &K3",
	"S000:000 S007:050 S012:050 S014:170",
	"STORED PROFILE 1:",
	"E1 Q0 V1 &D2 &K0",
	"S000:000 S007:050 S012:050 S014:170",
	"",
}

// sRegisterDefaults holds the non-zero S-register power-on values reported
// by AT%R.
var sRegisterDefaults = map[int]int{
	2:  43,
	3:  13,
	4:  10,
	5:  8,
	7:  50,
	12: 50,
	14: 170,
	21: 48,
	23: 21,
	39: 3,
}

// writeRegisterDump emits the S-register table, one row per register, with
// the usual short jitter between rows.
func (e *Emulator) writeRegisterDump() {
	e.writeLine("REG  DEC  HEX")
	for i := 0; i < 64; i++ {
		v := sRegisterDefaults[i]
		e.writeLine(fmt.Sprintf("S%03d %03d  %02XH", i, v, v))
		e.sleepShort()
	}
}

// ============================================================================
// Small state accessors
// ============================================================================

func (e *Emulator) isEchoEnabled() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.echoEnabled
}

func (e *Emulator) setEchoEnabled(v bool) {
	e.mu.Lock()
	e.echoEnabled = v
	e.mu.Unlock()
	e.logf(events.LevelInfo, "command echo %s", onOff(v))
}

func (e *Emulator) setRingAlertsEnabled(v bool) {
	e.mu.Lock()
	e.ringAlertsEnabled = v
	e.mu.Unlock()
	e.logf(events.LevelInfo, "ring alerts %s", onOff(v))
}

func (e *Emulator) isRingAlertActive() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.ringAlertActive
}

func onOff(v bool) string {
	if v {
		return "enabled"
	}
	return "disabled"
}

func boolDigit(v bool) int {
	if v {
		return 1
	}
	return 0
}
