// Command gasguard runs the gas-sensor monitoring appliance, its watchdog and
// the evidence-chain verifier.
package main

import (
	"fmt"
	"os"
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "gasguard:", err)
		os.Exit(1)
	}
}
