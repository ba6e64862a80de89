// Command moesisim runs the cycle-accurate MOESI snoop-bus model.
//
// Usage:
//
//	moesisim run [flags]             random stress run with metrics
//	moesisim scenario [A-E|all]      directed protocol scenarios
//	moesisim metrics <perf_dump>     rate metrics of a perf dump
//	moesisim config init <path>      write the default configuration
//
// A .env file in the working directory is loaded before MOESISIM_*
// variables are applied to the configuration.
package main

import (
	"log"
	"os"

	"github.com/tebeka/atexit"
)

func main() {
	logger := log.New(os.Stderr, "moesisim: ", 0)

	if err := newRootCmd(os.Stdout, logger).Execute(); err != nil {
		atexit.Exit(1)
	}

	atexit.Exit(0)
}
