// Package main provides the entry point for the qdrant-loader CLI.
package main

import (
	"os"

	"github.com/thanhbn/qdrant-loader-sub001/cmd/qdrant-loader/cmd"
)

func main() {
	os.Exit(cmd.Execute())
}
