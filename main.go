// Package main provides the entry point for moesisim.
// moesisim is a cycle-accurate MOESI cache coherence simulator built on Akita.
//
// For the full CLI, use: go run ./cmd/moesisim
package main

import (
	"fmt"
	"os"

	"github.com/sarchlab/moesisim/timing/system"
)

func main() {
	fmt.Println("moesisim - MOESI Snoop-Bus Coherence Simulator")
	fmt.Println("Built on Akita simulation framework")
	fmt.Println("")
	fmt.Println("Usage: moesisim <command> [flags]")
	fmt.Println("")
	fmt.Println("Commands:")
	fmt.Println("  run        Random stress traffic with metrics")
	fmt.Println("  scenario   Directed protocol scenarios (A-E)")
	fmt.Println("  metrics    Rate metrics of a perf dump")
	fmt.Println("  config     Write or show the system configuration")
	fmt.Println("")
	fmt.Printf("Scenarios: %d available. ", len(system.Scenarios()))
	fmt.Println("Run 'go run ./cmd/moesisim' for the full CLI.")

	if len(os.Args) > 1 {
		fmt.Println("\nNote: You provided arguments. Use 'go run ./cmd/moesisim' instead.")
	}
}
