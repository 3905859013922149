// Command client is an interactive test client for the RCP engine.
// Lines from stdin are sent reliably; prefix a line with "/u " to send it
// best-effort, "/s" prints the engine state, "/q" disconnects.
package main

import (
	"bufio"
	"flag"
	"log"
	"os"
	"strings"

	"github.com/LemmyAI/rcp/internal/protocol"
	"github.com/LemmyAI/rcp/internal/rcp"
)

func main() {
	serverAddr := flag.String("addr", "127.0.0.1", "server address")
	serverPort := flag.Uint("port", 9000, "server port")
	flag.Parse()

	sock := rcp.NewSocket(rcp.DefaultConfig())
	if err := sock.Bind(rcp.AnyPort); err != nil {
		log.Fatalf("Bind: %v", err)
	}
	defer sock.Unbind()

	log.Printf("🔌 Connecting to %s:%d from local port %d...", *serverAddr, *serverPort, sock.LocalPort())
	if err := sock.Connect(*serverAddr, uint16(*serverPort)); err != nil {
		log.Fatalf("Connect: %v", err)
	}
	log.Printf("✅ Connected to %s:%d", sock.RemoteAddr(), sock.RemotePort())

	// Print incoming messages until the session ends.
	go func() {
		var pkt protocol.Packet
		for {
			if err := sock.Receive(&pkt); err != nil {
				if err == rcp.ErrTimeout {
					continue
				}
				if err == rcp.ErrPeerClosed {
					log.Println("❎ Peer closed the connection")
				}
				return
			}
			mode := "best-effort"
			if pkt.Reliable {
				mode = "reliable"
			}
			log.Printf("📥 %s (%s)", pkt.Data, mode)
		}
	}()

	scanner := bufio.NewScanner(os.Stdin)
	for scanner.Scan() {
		line := scanner.Text()
		switch {
		case line == "/q":
			log.Println("🛑 Disconnecting...")
			sock.Disconnect()
			return
		case line == "/s":
			log.Println(sock.DebugState())
		case strings.HasPrefix(line, "/u "):
			if err := sock.Send([]byte(strings.TrimPrefix(line, "/u ")), false); err != nil {
				log.Printf("❌ send: %v", err)
			}
		case line != "":
			if err := sock.Send([]byte(line), true); err != nil {
				log.Printf("❌ send: %v", err)
			}
		}
	}

	sock.Disconnect()
}
