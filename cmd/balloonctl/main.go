// Command balloonctl is a read-only TUI over a virtio balloon device's
// counters and config space. It never calls Device.Resize: the
// CLI/management layer that drives resize is a collaborator contract
// this module doesn't implement, so balloonctl only observes.
package main

import (
	"flag"
	"fmt"
	"log"
	"os"

	tea "github.com/charmbracelet/bubbletea"

	"github.com/memory-meld/virtio-balloon/balloon"
)

func main() {
	log.SetFlags(log.Lmicroseconds)

	primarySize := flag.Uint64("primary-size", 256<<20, "primary balloon target size, in bytes")
	heteroSize := flag.Uint64("hetero-size", 0, "heterogeneous-memory balloon target size, in bytes")
	statistics := flag.Bool("stats", true, "negotiate the statistics virtqueue")
	deflateOnOOM := flag.Bool("deflate-on-oom", true, "negotiate deflate-on-OOM")
	reporting := flag.Bool("reporting", true, "negotiate free page reporting")
	hetero := flag.Bool("hetero-mem", false, "negotiate the heterogeneous-memory queue pair")
	flag.Parse()

	device, err := balloon.New("balloon0", [2]uint64{*primarySize, *heteroSize},
		*statistics, *deflateOnOOM, *reporting, *hetero, uint64(os.Getpagesize()), nil, nil)
	if err != nil {
		log.Fatalf("balloonctl: %v", err)
	}

	p := tea.NewProgram(newScreen(device))
	if _, err := p.Run(); err != nil {
		fmt.Fprintf(os.Stderr, "balloonctl: %v\n", err)
		os.Exit(1)
	}
}
