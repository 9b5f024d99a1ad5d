// Command bot runs the NIFTY short-strangle session.
package main

import (
	"fmt"
	"os"
)

func main() {
	if err := newRootCmd(&App{}).Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}
