package main

import (
	"math"
	"time"
)

var started = time.Now()

// Uptime reports how long the daemon has been running in seconds
func Uptime() float64 {
	return math.Floor(time.Since(started).Seconds())
}
