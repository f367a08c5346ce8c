package main

import (
	"bufio"
	"io"
	"log"
	"strconv"
	"strings"
)

type History struct {
	lines []string
}

// Add appends line, moving an earlier copy to the end.
func (h *History) Add(line string) {
	for k, v := range h.lines {
		if v == line {
			h.lines = append(h.lines[:k], h.lines[k+1:]...)
			break
		}
	}

	h.lines = append(h.lines, line)
}

// Get returns the n-th most recent line, starting at 1.
func (h *History) Get(n int) (string, bool) {
	i := len(h.lines) - n
	if n < 1 || i < 0 {
		return "", false
	}
	return h.lines[i], true
}

// Expand replaces !! and !n with earlier lines.
func (h *History) Expand(line string) (string, bool) {
	if !strings.HasPrefix(line, "!") {
		return line, true
	}

	if line == "!!" {
		return h.Get(1)
	}

	n, err := strconv.Atoi(line[1:])
	if err != nil {
		return "", false
	}
	return h.Get(n)
}

// runConsole reads commands from r and posts them to the main goroutine.
// quit asks the daemon to stop.
func runConsole(d *daemon, r io.Reader, quit func()) {
	h := &History{}
	sc := bufio.NewScanner(r)

	for sc.Scan() {
		line, ok := h.Expand(strings.TrimSpace(sc.Text()))
		if !ok {
			log.Print("No such history entry.")
			continue
		}
		if line == "" {
			continue
		}
		h.Add(line)

		switch line {
		case "quit":
			quit()
			return
		case "history":
			for i := len(h.lines); i > 0; i-- {
				l, _ := h.Get(i)
				log.Printf("%d %s", i, l)
			}
			continue
		}

		d.tasks.post(func() {
			runCommand(d, line)
		})
	}
}
