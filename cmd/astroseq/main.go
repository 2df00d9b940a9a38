package main

import (
	"context"
	"os"

	"astroseq/internal/cli"
)

func main() {
	root := cli.NewRoot(nil, nil, nil)
	if err := cli.Execute(context.Background(), root, os.Args[1:]); err != nil {
		os.Exit(1)
	}
}
