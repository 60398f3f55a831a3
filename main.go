// Command unlvm loads a program image and steps the VM to completion,
// the way a CI harness or a human at a terminal would drive it — the
// assembler, the interactive debugger, and the disk format beyond the
// loader's header are out of scope here (see the vm package).
package main

import (
	"fmt"
	"os"

	"github.com/sirupsen/logrus"
	flag "github.com/spf13/pflag"

	"unlvm/vm"
)

func main() {
	var (
		trace       = flag.Bool("trace", false, "log every executed instruction at debug level")
		dumpSymbols = flag.Bool("dump-symbols", false, "print the loaded program's symbol table and exit")
		maxSteps    = flag.Int64("max-steps", 0, "stop after this many steps (0 = unlimited)")
		logLevel    = flag.String("log-level", "info", "logrus level: trace, debug, info, warn, error")
	)
	flag.Parse()

	log := logrus.New()
	level, err := logrus.ParseLevel(*logLevel)
	if err != nil {
		fmt.Fprintf(os.Stderr, "unlvm: %v\n", err)
		os.Exit(2)
	}
	log.SetLevel(level)
	entry := log.WithField("component", "vm")

	if flag.NArg() != 1 {
		fmt.Fprintln(os.Stderr, "usage: unlvm [flags] <program-image>")
		os.Exit(2)
	}

	if err := run(flag.Arg(0), entry, *trace, *dumpSymbols, *maxSteps); err != nil {
		fmt.Fprintf(os.Stderr, "unlvm: %v\n", err)
		os.Exit(1)
	}
}

func run(path string, log *logrus.Entry, trace, dumpSymbols bool, maxSteps int64) error {
	image, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("reading program image: %w", err)
	}

	machine, err := vm.New(vm.Config{Logger: log})
	if err != nil {
		return fmt.Errorf("constructing VM: %w", err)
	}

	if err := machine.LoadProgram(image); err != nil {
		return fmt.Errorf("loading program: %w", err)
	}

	if dumpSymbols {
		machine.SymbolTable().ForEach(func(name string, addr vm.Address) bool {
			fmt.Printf("%08x  %s\n", uint64(addr), name)
			return true
		})
		return nil
	}

	var steps int64
	for {
		if maxSteps > 0 && steps >= maxSteps {
			log.WithField("steps", steps).Warn("stopping: max-steps reached")
			return nil
		}
		pc := machine.PC()
		err := machine.Step()
		steps++
		if trace {
			log.WithFields(logrus.Fields{"step": steps, "pc": uint64(pc)}).Debug("stepped")
		}
		if err != nil {
			switch machine.State() {
			case vm.StateHalted:
				log.WithField("steps", steps).Info("program halted")
				return nil
			case vm.StatePanic:
				return fmt.Errorf("program panicked after %d steps: %w", steps, err)
			default:
				return fmt.Errorf("step %d failed: %w", steps, err)
			}
		}
	}
}
