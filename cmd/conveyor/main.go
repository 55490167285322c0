// Package main implements the conveyor CLI: worker and scheduler
// processes, the HTTP producer API, schema migrations, and small
// producer utilities (enqueue, status, revoke).
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
