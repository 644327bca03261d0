// Command sozu is the control-plane binary of spec.md §6: a single
// executable with three sub-modes, dispatched on argv[1] exactly the way
// the teacher parses everything by hand (os.Args, no CLI framework).
//
// Usage:
//
//	sozu [master] --config <path> [--admin-socket <path>] [--introspect-addr <addr>]
//	sozu worker --fd <N> --tag <tag> --id <id> --channel-buffer-size <target>
//	sozu upgrade --fd <N>
//
// Exit codes per spec.md §6: 0 normal, 1 configuration error, 2 spawn
// failure, 3 upgrade failure.
package main

import (
	"fmt"
	"os"
)

func main() {
	args := os.Args[1:]
	mode := "master"
	if len(args) > 0 && !isFlag(args[0]) {
		mode = args[0]
		args = args[1:]
	}

	var err error
	switch mode {
	case "master":
		err = runMaster(args)
	case "worker":
		err = runWorker(args)
	case "upgrade":
		err = runUpgrade(args)
	default:
		fmt.Fprintf(os.Stderr, "sozu: unrecognized mode %q (want master, worker or upgrade)\n", mode)
		os.Exit(1)
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "sozu %s: %v\n", mode, err)
		os.Exit(exitCodeFor(err))
	}
}

func isFlag(s string) bool {
	return len(s) > 0 && s[0] == '-'
}
