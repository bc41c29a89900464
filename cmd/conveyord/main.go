package main

import (
	"context"
	"os"

	"conveyor.sh/core/conveyor"
	"conveyor.sh/core/log"
)

func main() {
	ctx := log.NewContext(context.Background(), "conveyor")
	err := conveyor.Run(ctx)
	if err != nil {
		log.FromContext(ctx).Error("error running conveyor", "error", err)
		os.Exit(-1)
	}
}
