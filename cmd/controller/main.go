package main

import (
	"os"

	"github.com/danielpatrickdp/adaptive-state/safety-controller/internal/cmd"
)

func main() {
	if err := cmd.Execute(); err != nil {
		os.Exit(1)
	}
}
