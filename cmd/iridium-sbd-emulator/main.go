// Iridium 9602/9603 SBD transceiver emulator.
// Serves AT commands over a serial port and exposes a small HTTP surface
// for monitoring and mobile-terminated message injection.
package main

import (
	"context"
	"flag"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/coreos/go-systemd/v22/daemon"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/rs/cors"

	"github.com/sunstone-advisory/iridium-sbd-emulator/internal/emulator"
	"github.com/sunstone-advisory/iridium-sbd-emulator/internal/events"
	"github.com/sunstone-advisory/iridium-sbd-emulator/internal/handlers"
	"github.com/sunstone-advisory/iridium-sbd-emulator/internal/signalmodel"
	"github.com/sunstone-advisory/iridium-sbd-emulator/internal/signer"
	"github.com/sunstone-advisory/iridium-sbd-emulator/internal/transport"
)

const (
	defaultHTTPAddr = "127.0.0.1:6100"
	defaultRating   = "OK"
)

func main() {
	log.SetFlags(log.LstdFlags | log.Lshortfile)

	var (
		portPath   = flag.String("port", envOr("IRIDIUM_PORT", ""), "serial device to serve the DTE on (required)")
		baudRate   = flag.Int("baud", envInt("IRIDIUM_BAUD", transport.DefaultBaudRate), "serial baud rate")
		rating     = flag.String("signal", envOr("IRIDIUM_SIGNAL_RATING", defaultRating), "signal quality rating: NONE, POOR, OK, GOOD, EXCELLENT, RANDOM")
		keyPath    = flag.String("key", envOr("IRIDIUM_SIGNER_KEY", ""), "path to a PEM-encoded RSA private key (generated when empty)")
		passphrase = flag.String("passphrase", envOr("IRIDIUM_SIGNER_PASSPHRASE", ""), "passphrase for the signer key")
		httpAddr   = flag.String("http", envOr("IRIDIUM_HTTP_ADDR", defaultHTTPAddr), "HTTP monitoring listen address")
	)
	flag.Parse()

	if *portPath == "" {
		log.Fatal("emulator: -port is required")
	}

	qualityRating, err := signalmodel.ParseRating(*rating)
	if err != nil {
		log.Fatalf("emulator: %v", err)
	}

	// Signer: load when a key path is given, generate otherwise.
	var sig *signer.Signer
	if *keyPath != "" {
		sig, err = signer.Load(*keyPath, *passphrase)
	} else {
		sig, err = signer.Generate(0)
	}
	if err != nil {
		log.Fatalf("emulator: signer init: %v", err)
	}

	port, err := transport.OpenSerial(*portPath, *baudRate)
	if err != nil {
		log.Fatalf("emulator: %v", err)
	}

	// Subscribe the process logger before the emulator starts so the
	// one-shot signer-key-generated event is not missed.
	bus := events.NewBus()
	bus.SubscribeLog(func(ev events.LogEvent) {
		log.Printf("emulator: [%s] %s (%s)", ev.Level, ev.Message, ev.TimeSinceLast)
	})
	bus.SubscribeSBDMessage(func(msg events.SBDMessage) {
		log.Printf("emulator: sbd-message momsn=%d data=%s", msg.MOMSN, msg.Data)
	})
	bus.SubscribeSignerKey(func(details events.SignerKeyDetails) {
		log.Printf("emulator: signer key generated (passphrase %s)\n%s", details.Passphrase, details.PublicKey)
	})

	emu, err := emulator.New(emulator.Config{
		Transport:    port,
		PortName:     *portPath,
		SignalRating: qualityRating,
		Signer:       sig,
		Bus:          bus,
	})
	if err != nil {
		log.Fatalf("emulator: %v", err)
	}
	emu.Start()
	defer emu.Close()

	handlers.RegisterMetrics(emu)

	// HTTP monitoring surface
	r := chi.NewRouter()
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Mount("/", handlers.NewServer(emu).Routes())

	srv := &http.Server{
		Addr:         *httpAddr,
		Handler:      cors.AllowAll().Handler(r),
		ReadTimeout:  15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		log.Printf("http: listening on %s", *httpAddr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("http: server failed: %v", err)
		}
	}()

	// Tell systemd we are up; harmless outside a unit.
	daemon.SdNotify(false, daemon.SdNotifyReady)

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Println("shutting down...")
	daemon.SdNotify(false, daemon.SdNotifyStopping)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(ctx); err != nil {
		log.Printf("http: shutdown: %v", err)
	}

	emu.Close()
	log.Println("emulator stopped")
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func envInt(key string, fallback int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return fallback
}
