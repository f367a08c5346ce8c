package main

import (
	"strings"
	"testing"

	"github.com/HimbeerserverDE/repnet"
)

func TestHistory(t *testing.T) {
	h := &History{}
	h.Add("a")
	h.Add("b")
	h.Add("a")

	if len(h.lines) != 2 {
		t.Fatalf("lines %q", h.lines)
	}
	if l, ok := h.Get(1); !ok || l != "a" {
		t.Fatalf("most recent %q", l)
	}
	if l, ok := h.Expand("!2"); !ok || l != "b" {
		t.Fatalf("!2 = %q", l)
	}
	if _, ok := h.Expand("!9"); ok {
		t.Fatal("!9 expanded")
	}
	if l, ok := h.Expand("conns"); !ok || l != "conns" {
		t.Fatalf("plain line %q", l)
	}
}

func TestConsolePostsCommands(t *testing.T) {
	d := testDaemon(t, repnet.RoleServer)

	quit := false
	runConsole(d, strings.NewReader("help\n\n!!\nquit\nconns\n"), func() { quit = true })

	if !quit {
		t.Fatal("quit not called")
	}
	if n := d.tasks.run(); n != 2 {
		t.Fatalf("posted %d commands, want 2", n)
	}
}

func TestRunCommand(t *testing.T) {
	d := testDaemon(t, repnet.RoleServer)

	runCommand(d, "ban 10.0.0.5 flooding")
	if banned, reason, _ := d.db.IsBanned("10.0.0.5"); !banned || reason != "flooding" {
		t.Fatalf("ban: %v %q", banned, reason)
	}

	runCommand(d, "unban 10.0.0.5")
	if banned, _, _ := d.db.IsBanned("10.0.0.5"); banned {
		t.Fatal("unban failed")
	}

	runCommand(d, "nosuchcommand")
	runCommand(d, "kick")

	if _, _, err := d.ownPawn("move"); err == nil {
		t.Fatal("server owns a pawn")
	}
}
