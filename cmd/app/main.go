package main

import (
	"os"

	"github.com/Conte777/connector-service/internal/cli"
)

func main() {
	if err := cli.Execute(); err != nil {
		os.Exit(1)
	}
}
