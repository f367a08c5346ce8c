package main

import (
	"log"
	"os"
	"os/signal"
	"syscall"
)

// handleSignals calls quit on SIGINT or SIGTERM.
func handleSignals(quit func()) {
	go func() {
		signalChan := make(chan os.Signal, 1)
		signal.Notify(signalChan, os.Interrupt, syscall.SIGTERM)
		<-signalChan

		log.Print("Caught SIGINT or SIGTERM, shutting down")

		quit()
	}()
}
