package main

import (
	"context"
	"os/signal"
	"syscall"

	"github.com/arxlens/enrichd/pkg/bootstrap"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := bootstrap.Run(ctx); err != nil {
		panic(err)
	}
}
