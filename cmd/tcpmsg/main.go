package main

import (
	"fmt"
	"os"

	"tcpmsg/cmd/tcpmsg/cmd"
)

func main() {
	if err := cmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}
