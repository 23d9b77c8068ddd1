/*
 * blockshare is the single entry point for both halves of the
 * peer-assisted block file-distribution system: a "server" that hosts
 * a fixed catalog, and a "client" that downloads from it and, once
 * verified, becomes a trusted peer itself.
 */

package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

func main() {
	root := &cobra.Command{
		Use:   "blockshare",
		Short: "Peer-assisted block file-distribution system",
	}

	root.AddCommand(newServerCmd())
	root.AddCommand(newClientCmd())

	if err := root.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "blockshare: %v\n", err)
		os.Exit(1)
	}
}

// assert panics with message if condition is false. Used for the same
// fail-fast startup validation the teacher's utils.go performs; a
// panic here is recovered by runMain and turned into a clean non-zero
// exit (§6).
func assert(condition bool, message string) {
	if !condition {
		panic(message)
	}
}

// runMain recovers a panic raised by assert (or anything deeper) and
// turns it into a logged message and a non-zero exit, per §6's exit
// code contract, instead of letting cobra print a Go stack trace.
func runMain(fn func() error) error {
	var runErr error
	func() {
		defer func() {
			if r := recover(); r != nil {
				runErr = fmt.Errorf("%v", r)
			}
		}()
		runErr = fn()
	}()
	return runErr
}
