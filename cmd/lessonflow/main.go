package main

import (
	"context"
	"os"

	"lessonflow/internal/cli"
)

func main() {
	if err := cli.Execute(context.Background()); err != nil {
		os.Exit(1)
	}
}
