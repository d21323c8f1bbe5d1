// Command etherbridge runs the Ethernet bridge standalone: it opens the
// configured transport, registers handlers for the common ethertypes, and
// logs every frame the guest-facing side would receive. Useful for checking
// a transport configuration before pointing an emulator at it.
package main

import (
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/tinyrange/etherbridge/internal/bridge"
	"github.com/tinyrange/etherbridge/internal/config"
	"github.com/tinyrange/etherbridge/internal/dispatch"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "etherbridge: %v\n", err)
		os.Exit(1)
	}
}

// logSink stands in for the guest: interrupts dispatch immediately and
// handler invocations are logged instead of executed.
type logSink struct {
	log *slog.Logger
	br  *bridge.Bridge
}

func (s *logSink) TriggerInterrupt() {
	// No handlers are attached until br is stored, so an interrupt raised
	// in that window has nothing to dispatch yet.
	if br := s.br; br != nil {
		br.Interrupt()
	}
}

func (s *logSink) ExecuteHandler(h dispatch.Handler, inv dispatch.Invocation) {
	s.log.Info("frame received",
		"ethertype", fmt.Sprintf("%#04x", inv.EtherType),
		"handler", uint32(h),
		"payload_len", len(inv.Payload))
}

func run() error {
	configPath := flag.String("config", "", "Preference file (YAML)")
	ether := flag.String("ether", "", "Transport override: tap<N>, tun, slirp, amqp URL, or interface name")
	pcapPath := flag.String("pcap", "", "Write received frames to this pcap file")
	verbose := flag.Bool("verbose", false, "Enable debug logging")

	flag.Usage = func() {
		fmt.Fprintf(os.Stderr, "Usage: %s [flags]\n\n", os.Args[0])
		fmt.Fprintf(os.Stderr, "Bridge an emulated NIC onto the host network and log received frames.\n\n")
		fmt.Fprintf(os.Stderr, "Flags:\n")
		flag.PrintDefaults()
	}
	flag.Parse()

	level := slog.LevelInfo
	if *verbose {
		level = slog.LevelDebug
	}
	log := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
	slog.SetDefault(log)

	var prefs config.Prefs
	if *configPath != "" {
		p, err := config.Load(*configPath)
		if err != nil {
			return err
		}
		prefs = p
	}
	if *ether != "" {
		prefs.Ether = *ether
	}
	if *pcapPath != "" {
		prefs.PCAP = *pcapPath
	}
	if prefs.Ether == "" {
		flag.Usage()
		return fmt.Errorf("no transport configured; pass -ether or -config")
	}

	sink := &logSink{log: log}
	br, err := bridge.Open(prefs, bridge.Options{
		Log:      log,
		Consumer: sink,
		Executor: sink,
	})
	if err != nil {
		return err
	}
	sink.br = br

	// Watch everything a typical guest stack registers for.
	for _, etherType := range []uint16{0x0800, 0x0806, 0x86dd, dispatch.LengthBucket} {
		if err := br.Attach(etherType, dispatch.Handler(etherType)+1); err != nil {
			_ = br.Close()
			return fmt.Errorf("attach %#04x: %w", etherType, err)
		}
	}

	log.Info("bridging", "ether", prefs.Ether, "addr", br.HardwareAddr().String())

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, os.Interrupt, syscall.SIGTERM)
	<-stop

	log.Info("shutting down")
	return br.Close()
}
