package handlers

import (
	"github.com/prometheus/client_golang/prometheus"

	"github.com/sunstone-advisory/iridium-sbd-emulator/internal/emulator"
	"github.com/sunstone-advisory/iridium-sbd-emulator/internal/events"
)

// Metrics publishes emulator counters to Prometheus.
type Metrics struct {
	messagesTotal      *prometheus.CounterVec
	moBytesTotal       prometheus.Counter
	sbdwbFailuresTotal *prometheus.CounterVec
	logsTotal          *prometheus.CounterVec
	signal             prometheus.GaugeFunc
}

// RegisterMetrics wires bus-driven counters and a signal gauge into the
// default Prometheus registry. Call once per process.
func RegisterMetrics(emu *emulator.Emulator) *Metrics {
	m := &Metrics{
		messagesTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "iridium_sbd_messages_total",
			Help: "Uplinked SBD messages emitted by successful sessions",
		}, []string{"device_type"}),
		moBytesTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "iridium_sbd_mo_payload_bytes_total",
			Help: "Total MO payload bytes carried by emitted messages",
		}),
		sbdwbFailuresTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "iridium_sbd_sbdwb_failures_total",
			Help: "Failed SBDWB binary uploads by reason",
		}, []string{"reason"}),
		logsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "iridium_sbd_log_events_total",
			Help: "Log events published on the emulator bus",
		}, []string{"level"}),
		signal: prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Name: "iridium_sbd_signal_strength",
			Help: "Current simulated signal strength (0-5 bars)",
		}, func() float64 { return float64(emu.Signal()) }),
	}

	prometheus.MustRegister(m.messagesTotal, m.moBytesTotal, m.sbdwbFailuresTotal, m.logsTotal, m.signal)

	emu.OnSBDWBFailure(func(reason string) {
		m.sbdwbFailuresTotal.WithLabelValues(reason).Inc()
	})

	bus := emu.Bus()
	bus.SubscribeSBDMessage(func(msg events.SBDMessage) {
		m.messagesTotal.WithLabelValues(msg.DeviceType).Inc()
		m.moBytesTotal.Add(float64(len(msg.Data) / 2))
	})
	bus.SubscribeLog(func(ev events.LogEvent) {
		m.logsTotal.WithLabelValues(string(ev.Level)).Inc()
	})

	return m
}
