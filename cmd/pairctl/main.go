package main

import (
	"os"

	"github.com/web3guy0/pairtrader/cmd/pairctl/cmd"
)

func main() {
	if err := cmd.Execute(); err != nil {
		os.Exit(1)
	}
}
