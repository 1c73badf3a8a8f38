// Command resultswatch listens on a UDP address for FrameResult JSON
// broadcast by resultsink (or cmd/track's --udp-sink) and prints each one
// as it arrives — a debugging companion to the engine's result
// broadcaster, the receiving counterpart to the sender idiom elsewhere in
// this codebase's UDP tooling.
package main

import (
	"encoding/json"
	"flag"
	"fmt"
	"log"
	"net"

	"github.com/planartrack/engine/scheduler"
)

func main() {
	udpAddr := flag.String("udp", "127.0.0.1:5555", "UDP address to listen on")
	flag.Parse()

	addr, err := net.ResolveUDPAddr("udp", *udpAddr)
	if err != nil {
		log.Fatalf("invalid address: %v", err)
	}
	conn, err := net.ListenUDP("udp", addr)
	if err != nil {
		log.Fatalf("listen failed: %v", err)
	}
	defer conn.Close()

	log.Printf("watching for frame results on %s. Press Ctrl+C to exit.", *udpAddr)

	buf := make([]byte, 65536)
	for {
		n, _, err := conn.ReadFromUDP(buf)
		if err != nil {
			log.Printf("read failed: %v", err)
			continue
		}

		var result scheduler.FrameResult
		if err := json.Unmarshal(buf[:n], &result); err != nil {
			log.Printf("bad frame result: %v", err)
			continue
		}

		fmt.Printf("frame %d active=%q\n", result.FrameIndex, result.ActiveTargetID)
		for _, pt := range result.PerTarget {
			fmt.Printf("  target=%s mode=%s success=%t reason=%s\n", pt.TargetID, pt.Mode, pt.Success, pt.Reason)
		}
	}
}
