// Command example is a minimal, runnable demonstration of the nyat library:
// a one-shot NAT mapping-behavior probe against two public STUN servers.
// See cmd/nyat for the full keepalive/mapping-controller CLI.
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"time"

	"github.com/nyat-dev/nyat"
)

func main() {
	serverA := flag.String("server-a", "stun.l.google.com:19302", "first STUN server")
	serverB := flag.String("server-b", "stun1.l.google.com:19302", "second STUN server")
	flag.Parse()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	result, err := nyat.ClassifyMapping(ctx, *serverA, *serverB)
	if err != nil {
		log.Fatalf("classify mapping: %v", err)
	}

	fmt.Printf("behavior: %s\n", result.Behavior)
	fmt.Printf("  %s -> %s\n", *serverA, result.MappingA1)
	fmt.Printf("  %s -> %s\n", *serverB, result.MappingB1)
	fmt.Printf("  %s -> %s (second request)\n", *serverA, result.MappingA2)
}
