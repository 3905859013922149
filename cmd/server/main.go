// Command server is a demo echo server over the RCP transport.
// It accepts one peer at a time and echoes every message back with the
// same reliability it arrived with.
package main

import (
	"flag"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/LemmyAI/rcp/internal/transport"
)

func main() {
	addr := flag.String("addr", ":9000", "listen address")
	flag.Parse()

	log.Println("🔁 Echo server starting...")

	t := transport.NewRCPTransport(transport.DefaultConfig())

	t.OnMessage(func(addr string, data []byte, reliable bool) {
		mode := "best-effort"
		if reliable {
			mode = "reliable"
		}
		log.Printf("📥 [%s] received %d bytes (%s)", addr, len(data), mode)

		var err error
		if reliable {
			err = t.SendReliable(addr, data)
		} else {
			err = t.SendUnreliable(addr, data)
		}
		if err != nil {
			log.Printf("❌ send error: %v", err)
			return
		}
		log.Printf("📤 [%s] echoed %d bytes", addr, len(data))
	})

	t.OnConnect(func(addr string) {
		log.Printf("✅ Peer connected: %s", addr)
	})

	t.OnDisconnect(func(addr string) {
		log.Printf("❎ Peer disconnected: %s", addr)
	})

	log.Printf("🎧 Listening on UDP %s", *addr)
	if err := t.Listen(*addr); err != nil {
		log.Fatalf("Failed to listen: %v", err)
	}

	log.Println("✅ Server ready!")

	// Wait for shutdown signal
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh

	log.Println("🛑 Shutting down...")
	if err := t.Close(); err != nil {
		log.Printf("Error closing: %v", err)
	}
	log.Println("👋 Bye!")
}
