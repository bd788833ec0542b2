package main

import (
	"os"

	"github.com/i5heu/suit-platform/pkg/logging"
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		logging.Logger.Errorf("suitctl: %v", err)
		os.Exit(1)
	}
}
