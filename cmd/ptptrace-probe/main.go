// Command ptptrace-probe captures raw frames on a local interface set and
// relays them over NATS to a remote ptptrace engine (C9), mirroring the
// teacher's ns-probe/ns-engine split: one process captures close to the
// wire, another does the decode and analysis. -mode sub is provided for
// symmetry and local testing: it drains a subject and logs what arrives
// instead of decoding it, since decoding is the engine's job.
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"

	"ptptrace/internal/capture"
	"ptptrace/internal/mcast"
	"ptptrace/internal/relay"
)

func main() {
	os.Exit(run())
}

func run() int {
	mode := flag.String("mode", "pub", "pub: capture and relay; sub: drain a relay subject for testing")
	natsURL := flag.String("nats-url", "nats://127.0.0.1:4222", "NATS server URL")
	subject := flag.String("subject", "ptptrace.frames", "NATS subject")
	ifaceFlag := flag.String("interfaces", "", "comma-separated interface names; empty selects all non-virtual interfaces")
	filterVirtual := flag.Bool("filter-virtual", true, "exclude docker/veth/tun-style virtual interfaces when auto-selecting")
	flag.Parse()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigCh
		cancel()
	}()

	switch *mode {
	case "pub":
		return runPub(ctx, *natsURL, *subject, splitInterfaces(*ifaceFlag), *filterVirtual)
	case "sub":
		return runSub(ctx, *natsURL, *subject)
	default:
		log.Printf("ptptrace-probe: unknown mode %q", *mode)
		return 1
	}
}

func splitInterfaces(flagVal string) []string {
	if flagVal == "" {
		return nil
	}
	var out []string
	start := 0
	for i := 0; i <= len(flagVal); i++ {
		if i == len(flagVal) || flagVal[i] == ',' {
			if i > start {
				out = append(out, flagVal[start:i])
			}
			start = i + 1
		}
	}
	return out
}

func runPub(ctx context.Context, natsURL, subject string, explicit []string, filterVirtual bool) int {
	ifaces, err := capture.SelectInterfaces(explicit, filterVirtual)
	if err != nil {
		log.Printf("ptptrace-probe: %v", err)
		return 1
	}
	if len(ifaces) == 0 {
		log.Printf("ptptrace-probe: no capture interfaces available")
		return 1
	}

	pub, err := relay.NewPublisher(natsURL, subject)
	if err != nil {
		log.Printf("ptptrace-probe: %v", err)
		return 1
	}
	defer pub.Close()

	joiner := mcast.JoinAll(ifaces)
	defer joiner.Close()

	src, err := capture.NewLiveSource(ctx, ifaces, 1600)
	if err != nil {
		log.Printf("ptptrace-probe: %v", err)
		return 1
	}
	defer src.Close()

	log.Printf("ptptrace-probe: relaying %v to %s on %s", ifaces, natsURL, subject)

	for {
		select {
		case <-ctx.Done():
			return 0
		case f, ok := <-src.Frames():
			if !ok {
				return 0
			}
			if err := pub.Publish(relay.Envelope{CaptureTime: f.CaptureTime, Interface: f.Interface, Data: f.Data}); err != nil {
				log.Printf("ptptrace-probe: %v", err)
			}
		case err, ok := <-src.Errors():
			if ok {
				log.Printf("ptptrace-probe: %v", err)
			}
		}
	}
}

func runSub(ctx context.Context, natsURL, subject string) int {
	src, err := relay.NewSource(natsURL, subject)
	if err != nil {
		log.Printf("ptptrace-probe: %v", err)
		return 1
	}
	defer src.Close()

	log.Printf("ptptrace-probe: draining %s on %s", subject, natsURL)
	for {
		select {
		case <-ctx.Done():
			return 0
		case env, ok := <-src.Envelopes():
			if !ok {
				return 0
			}
			fmt.Printf("%s %s %d bytes\n", env.CaptureTime.Format("15:04:05.000"), env.Interface, len(env.Data))
		case err, ok := <-src.Errors():
			if ok {
				log.Printf("ptptrace-probe: %v", err)
			}
		}
	}
}
