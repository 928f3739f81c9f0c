// Package main provides a multi-protocol contactless card agent. It detects
// file-based and storage cards through an ordered selection scenario, runs
// block transactions against storage cards and broadcasts the results to
// connected WebSocket clients.
package main

import (
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/dotside-studios/storagecard-agent/buildinfo"
	"github.com/dotside-studios/storagecard-agent/card"
	"github.com/dotside-studios/storagecard-agent/server"
)

var (
	transportFlag = flag.String("transport", "pcsc", "card transport: pcsc or libnfc")
	deviceFlag    = flag.String("device", "", "reader name pattern (pcsc) or connection string (libnfc)")
	portFlag      = flag.Int("port", 18080, "WebSocket server port")
	secretFlag    = flag.String("secret", "", "optional API secret for WebSocket clients")
	mdnsFlag      = flag.Bool("mdns", true, "register the agent via mDNS for auto-discovery")
	versionFlag   = flag.Bool("version", false, "print version and exit")
)

// openChannel builds the card channel for the selected transport. The
// returned closer tears down the underlying reader context.
func openChannel() (card.Channel, func() error, error) {
	switch *transportFlag {
	case "pcsc":
		ch, err := card.OpenPCSCChannel(*deviceFlag)
		if err != nil {
			return nil, nil, err
		}
		return ch, ch.Close, nil
	case "libnfc":
		ch, err := card.OpenLibNFCChannel(*deviceFlag)
		if err != nil {
			return nil, nil, err
		}
		return ch, ch.Close, nil
	default:
		return nil, nil, fmt.Errorf("unknown transport %q", *transportFlag)
	}
}

func main() {
	flag.Parse()

	if *versionFlag {
		fmt.Println(buildinfo.String())
		return
	}

	log.Printf("Starting %s", buildinfo.String())

	channel, closeChannel, err := openChannel()
	if err != nil {
		log.Fatalf("Failed to open card channel: %v", err)
	}
	defer closeChannel()

	srv := server.New(server.Config{
		Port:       *portFlag,
		APISecret:  *secretFlag,
		EnableMDNS: *mdnsFlag,
	})

	agent, err := NewAgent(channel, srv)
	if err != nil {
		log.Fatalf("Failed to build agent: %v", err)
	}

	go func() {
		if err := srv.Start(); err != nil {
			log.Printf("Server error: %v", err)
		}
	}()
	agent.Start()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	<-sigChan

	log.Println("Shutting down...")
	agent.Stop()
	srv.Stop()
}
