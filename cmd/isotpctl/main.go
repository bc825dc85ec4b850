package main

import (
	"context"
	"os"
	"os/signal"

	"github.com/kstaniek/go-isotp-server/cmd/isotpctl/cmd"
)

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt)
	defer cancel()
	if err := cmd.Execute(ctx); err != nil {
		os.Exit(1)
	}
}
