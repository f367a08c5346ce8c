package main

import (
	"log"
	"os"
)

// End closes every connection and releases the daemon's resources
func End(d *daemon, l *Logger, crash bool) {
	log.Print("Ending")

	reason := "shutdown"
	if crash {
		reason = "crash"
	}

	if d.driver != nil {
		if err := d.driver.Close(reason); err != nil {
			log.Print(err)
		}
	}

	d.scripts.Close()
	d.db.Close()
	l.Close()

	if crash {
		os.Exit(1)
	}
	os.Exit(0)
}
