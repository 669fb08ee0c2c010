// Command diagnostics runs the agent diagnostics service and its companion
// tools: a synthetic event generator and a webhook sink for alert delivery.
package main

import (
	"fmt"
	"os"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}
