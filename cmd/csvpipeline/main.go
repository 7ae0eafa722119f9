package main

import (
	"os"

	"github.com/sourcesystems/csvpipeline/cmd/csvpipeline/cmd"
	"github.com/sourcesystems/csvpipeline/internal/common"
)

func main() {
	common.ConfigureLogging()
	err := cmd.RootCmd().Execute()
	if err != nil {
		os.Exit(1)
	}
}
