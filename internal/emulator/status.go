package emulator

import (
	"github.com/sunstone-advisory/iridium-sbd-emulator/internal/events"
)

// Status is a point-in-time snapshot of the emulator for the monitoring
// surface.
type Status struct {
	PortName         string `json:"port"`
	SignalRating     string `json:"signal_rating"`
	SignalStrength   int    `json:"signal_strength"`
	RadioActive      bool   `json:"radio_active"`
	MOMSN            uint16 `json:"momsn"`
	MTMSN            uint16 `json:"mtmsn"`
	MTBuffer         string `json:"mt_buffer"`
	EchoEnabled      bool   `json:"echo_enabled"`
	QuietMode        bool   `json:"quiet_mode"`
	RingAlerts       bool   `json:"ring_alerts_enabled"`
	RingAlertActive  bool   `json:"ring_alert_active"`
	BinaryMode       bool   `json:"binary_mode"`
	ReadyForShutdown bool   `json:"ready_for_shutdown"`
	IMEI             string `json:"imei"`
	Model            string `json:"model"`
}

// Status returns a snapshot of the emulator state.
func (e *Emulator) Status() Status {
	e.mu.Lock()
	echo := e.echoEnabled
	ringEnabled := e.ringAlertsEnabled
	ringActive := e.ringAlertActive
	binary := e.binaryMode
	e.mu.Unlock()

	return Status{
		PortName:         e.portName(),
		SignalRating:     e.sig.Rating().String(),
		SignalStrength:   e.sig.Current(),
		RadioActive:      e.sig.RadioActive(),
		MOMSN:            e.bufs.MOSeq(),
		MTMSN:            e.bufs.MTSeq(),
		MTBuffer:         e.bufs.MT(),
		EchoEnabled:      echo,
		QuietMode:        e.quietMode.Load(),
		RingAlerts:       ringEnabled,
		RingAlertActive:  ringActive,
		BinaryMode:       binary,
		ReadyForShutdown: e.readyForShutdown.Load(),
		IMEI:             serialNumber,
		Model:            deviceModel,
	}
}

// Signal returns the current signal strength.
func (e *Emulator) Signal() int {
	return e.sig.Current()
}

// ForceSignal pins the signal strength, emitting indicator lines if the
// value changes and indicators are subscribed.
func (e *Emulator) ForceSignal(strength int) {
	e.logf(events.LevelInfo, "signal strength forced to %d", strength)
	e.sig.Force(strength)
}

// SetMTBuffer injects a mobile-terminated text message for the DTE to fetch
// with AT+SBDRT.
func (e *Emulator) SetMTBuffer(text string) {
	e.bufs.SetMT(text)
	e.logf(events.LevelInfo, "MT buffer set (%d bytes)", len(text))
}

// RaiseRingAlert latches the ring-alert flag and, when ring alerts are
// enabled, announces SBDRING to the DTE.
func (e *Emulator) RaiseRingAlert() {
	e.mu.Lock()
	e.ringAlertActive = true
	enabled := e.ringAlertsEnabled
	e.mu.Unlock()

	e.logf(events.LevelInfo, "ring alert raised (announce=%v)", enabled)
	if enabled {
		e.writeLine("SBDRING")
	}
}
