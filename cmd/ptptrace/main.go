// Command ptptrace runs the PTP Trace pipeline against a live interface
// set or an offline trace file and prints each published snapshot to
// stdout. It is a harness for the core engine, not a UI: terminal
// rendering is explicitly out of scope (SPEC_FULL.md §1).
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"sort"
	"syscall"

	"ptptrace/internal/capture"
	"ptptrace/internal/config"
	"ptptrace/internal/pipeline"
	"ptptrace/internal/ptp"
	"ptptrace/internal/snapshot"
)

const (
	exitOK               = 0
	exitPermissionDenied = 1
	exitNoSuchInterface  = 2
	exitTraceFormatError = 3
	exitInternal         = 4
)

func main() {
	os.Exit(run())
}

func run() int {
	configPath := flag.String("config", "", "path to YAML config file")
	pcapFile := flag.String("pcap", "", "offline trace file to replay instead of live capture")
	flag.Parse()

	cfg := config.Defaults()
	if *configPath != "" {
		loaded, err := config.Load(*configPath)
		if err != nil {
			log.Printf("ptptrace: %v", err)
			return exitInternal
		}
		cfg = *loaded
	}
	if *pcapFile != "" {
		cfg.PcapFile = *pcapFile
		cfg.Interfaces = nil
	}

	p := pipeline.New(cfg, capture.LocalMACs())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigCh
		log.Printf("ptptrace: shutting down")
		cancel()
	}()

	sub, unsubscribe := p.Publisher().Subscribe()
	defer unsubscribe()
	go printSnapshots(sub)

	runErr := make(chan error, 1)
	go func() { runErr <- p.Run(ctx) }()

	select {
	case err := <-runErr:
		if err != nil {
			return mapStartupError(err)
		}
	case <-ctx.Done():
		<-runErr
	}
	return exitOK
}

func mapStartupError(err error) int {
	switch {
	case errors.Is(err, ptp.ErrPermissionDenied):
		return exitPermissionDenied
	case errors.Is(err, ptp.ErrNoSuchInterface):
		return exitNoSuchInterface
	case errors.Is(err, ptp.ErrTraceFormatError):
		return exitTraceFormatError
	default:
		log.Printf("ptptrace: %v", err)
		return exitInternal
	}
}

func printSnapshots(sub <-chan snapshot.Snapshot) {
	for snap := range sub {
		printSnapshot(snap)
	}
}

func printSnapshot(snap snapshot.Snapshot) {
	fmt.Printf("=== snapshot @ %s (%d hosts, %d edges) ===\n",
		snap.GeneratedAt.Format("15:04:05.000"), len(snap.Hosts), len(snap.Edges))

	domains := make([]uint8, 0, len(snap.Grandmaster))
	for d := range snap.Grandmaster {
		domains = append(domains, d)
	}
	sort.Slice(domains, func(i, j int) bool { return domains[i] < domains[j] })
	for _, d := range domains {
		fmt.Printf("  domain %d grandmaster: %s\n", d, snap.Grandmaster[d])
	}

	for _, h := range snap.Hosts {
		fmt.Printf("  %-23s domain=%-3d state=%-10s confidence=%.2f\n",
			h.ClockIdentity, h.DomainNumber, h.State, h.Confidence)
	}

	if snap.Status.DroppedFrames > 0 || snap.Status.CaptureOverrun || len(snap.Status.DegradedInterfaces) > 0 {
		fmt.Printf("  status: dropped=%d overrun=%v degraded=%v last_error=%q\n",
			snap.Status.DroppedFrames, snap.Status.CaptureOverrun, snap.Status.DegradedInterfaces, snap.Status.LastError)
	}
}
