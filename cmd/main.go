package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/yungbote/agentflow/internal/app"
)

func main() {
	a, err := app.New()
	if err != nil {
		fmt.Printf("failed to start: %v\n", err)
		os.Exit(1)
	}
	a.Start()

	go func() {
		stop := make(chan os.Signal, 1)
		signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)
		<-stop
		a.Log.Info("Shutting down...")
		ctx, cancel := context.WithTimeout(context.Background(), a.Cfg.ShutdownGrace)
		defer cancel()
		if err := a.Shutdown(ctx); err != nil {
			a.Log.Error("Shutdown error", "error", err)
		}
	}()

	a.Log.Info("Server listening", "port", a.Cfg.Port)
	if err := a.Run(":" + a.Cfg.Port); err != nil {
		a.Log.Error("Server failed", "error", err)
		a.Close()
		os.Exit(1)
	}
	a.Close()
}
