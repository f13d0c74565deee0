package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/minimal-vr/netplay/core"
)

func main() {
	port := flag.Uint("port", 7373, "Session listen port")
	diagPort := flag.Uint("diagport", 7374, "Diagnostics HTTP port")
	tickRate := flag.Int("tickrate", 60, "Ticks per second")
	watchHz := flag.Int("watchhz", 10, "Snapshot pushes per second on /watch")
	flag.Parse()

	table, err := core.ListenSessions(fmt.Sprintf(":%d", *port))
	if err != nil {
		log.Fatalf("[server] listen failed: %v", err)
	}
	game := core.NewServerGame(table)
	loop := core.NewLoop(game, *tickRate)

	diag := &http.Server{
		Addr:    fmt.Sprintf(":%d", *diagPort),
		Handler: newDiagMux(game, time.Second/time.Duration(*watchHz)),
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	log.Printf("[server] sessions on %s, diagnostics on %s (tick rate: %d/s)",
		table.Addr(), diag.Addr, *tickRate)

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		loop.Run()
		return nil
	})
	g.Go(func() error {
		if err := diag.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("diagnostics server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-ctx.Done()
		log.Println("[server] shutting down")
		loop.Stop()
		table.Close()

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return diag.Shutdown(shutdownCtx)
	})

	if err := g.Wait(); err != nil {
		log.Fatalf("[server] fatal: %v", err)
	}
}
