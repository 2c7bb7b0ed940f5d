package main

import (
	"os"

	"github.com/fatih/color"

	"camstream/cmd"
)

func main() {
	if err := cmd.Execute(); err != nil {
		color.New(color.FgRed).Fprintf(os.Stderr, "エラー: %v\n", err)
		os.Exit(1)
	}
}
