package main

import (
	"errors"
	"fmt"
	"log"
	"sort"
	"strconv"
	"strings"

	"github.com/HimbeerserverDE/repnet"
)

var errUsage = errors.New("wrong arguments")

type consoleCommand struct {
	help     string
	usage    string
	function func(d *daemon, params []string) error
}

var consoleCommands map[string]consoleCommand

func init() {
	consoleCommands = map[string]consoleCommand{
		"help": {
			help:     "lists the commands",
			function: cmdHelp,
		},
		"conns": {
			help:     "lists the connections and their counters",
			function: cmdConns,
		},
		"kick": {
			help:     "closes a connection",
			usage:    "<addr> [reason]",
			function: cmdKick,
		},
		"ban": {
			help:     "bans an ip address",
			usage:    "<addr> [reason]",
			function: cmdBan,
		},
		"unban": {
			help:     "removes an ip address from the ban list",
			usage:    "<addr>",
			function: cmdUnban,
		},
		"bans": {
			help:     "lists the ban list",
			function: cmdBans,
		},
		"media": {
			help:     "lists the stored media",
			function: cmdMedia,
		},
		"objects": {
			help:     "lists the world's objects",
			function: cmdObjects,
		},
		"say": {
			help:     "sends a message to every peer",
			usage:    "<text>",
			function: cmdSay,
		},
		"move": {
			help:     "moves the own pawn",
			usage:    "<x> <y> <z>",
			function: cmdMove,
		},
		"attack": {
			help:     "attacks another pawn",
			usage:    "<id>",
			function: cmdAttack,
		},
		"uptime": {
			help:     "shows how long the daemon is running",
			function: cmdUptime,
		},
	}
}

// runCommand executes one console line.
func runCommand(d *daemon, line string) {
	params := strings.Fields(line)
	if len(params) == 0 {
		return
	}

	cmd, ok := consoleCommands[params[0]]
	if !ok {
		log.Print("Unknown command " + params[0] + ".")
		return
	}

	if err := cmd.function(d, params[1:]); err != nil {
		if errors.Is(err, errUsage) {
			log.Print("Usage: " + params[0] + " " + cmd.usage)
			return
		}
		log.Print(err)
	}
}

func cmdHelp(d *daemon, params []string) error {
	names := make([]string, 0, len(consoleCommands))
	for name := range consoleCommands {
		names = append(names, name)
	}
	sort.Strings(names)

	for _, name := range names {
		cmd := consoleCommands[name]
		log.Printf("%s %s: %s", name, cmd.usage, cmd.help)
	}
	log.Print("quit: shuts the daemon down")
	return nil
}

func cmdConns(d *daemon, params []string) error {
	conns := d.conns()
	if len(conns) == 0 {
		log.Print("No connections")
		return nil
	}

	for _, c := range conns {
		s := c.Stats()
		log.Printf("%s: %d/%d packets, %d/%d bytes out/in, %d out of order, %d stale fields, %d dropped operations",
			c.Addr(), s.PacketsSent, s.PacketsReceived, s.BytesSent, s.BytesReceived,
			s.OutOfOrderPackets, s.StaleFields, s.DroppedOperations)
	}
	return nil
}

func reasonOf(params []string, def string) string {
	if len(params) > 1 {
		return strings.Join(params[1:], " ")
	}
	return def
}

func cmdKick(d *daemon, params []string) error {
	if len(params) == 0 {
		return errUsage
	}

	if !d.kick(params[0], reasonOf(params, "kicked")) {
		return fmt.Errorf("no connection %s", params[0])
	}
	return nil
}

func cmdBan(d *daemon, params []string) error {
	if len(params) == 0 {
		return errUsage
	}
	return d.ban(params[0], reasonOf(params, "banned"))
}

func cmdUnban(d *daemon, params []string) error {
	if len(params) != 1 {
		return errUsage
	}
	return d.db.Unban(params[0])
}

func cmdBans(d *daemon, params []string) error {
	bans, err := d.db.BanList()
	if err != nil {
		return err
	}

	for addr, reason := range bans {
		log.Printf("%s: %s", addr, reason)
	}
	return nil
}

func cmdMedia(d *daemon, params []string) error {
	names, err := d.db.MediaList()
	if err != nil {
		return err
	}

	log.Print(strings.Join(names, " "))
	return nil
}

func cmdObjects(d *daemon, params []string) error {
	for _, p := range d.world.pawns() {
		if p.schema.FieldIndex("health") < 0 {
			continue
		}
		log.Printf("%d %s %q health %d at %v owned by %q", p.id, p.schema.Name,
			repnet.String(p.field("name")), repnet.Int32(p.field("health")),
			repnet.VectorOf(p.field("pos")), p.owner)
	}
	return nil
}

func cmdSay(d *daemon, params []string) error {
	if len(params) == 0 {
		return errUsage
	}

	text := strings.Join(params, " ")
	if d.role == repnet.RoleServer {
		d.broadcast("SAY console " + text)
		return nil
	}

	d.broadcast("SAY " + text)
	return nil
}

// ownPawn returns the client's pawn and the schema's operation op.
func (d *daemon) ownPawn(op string) (*pawn, int, error) {
	if d.role != repnet.RoleClient {
		return nil, 0, errors.New("only clients own pawns")
	}

	d.mu.Lock()
	self := d.self
	d.mu.Unlock()

	p := d.world.pawn(self)
	if p == nil {
		return nil, 0, errors.New("no pawn yet")
	}
	return p, p.schema.OperationIndex(op), nil
}

func cmdMove(d *daemon, params []string) error {
	if len(params) != 3 {
		return errUsage
	}

	var v [3]float64
	for i, s := range params {
		f, err := strconv.ParseFloat(s, 32)
		if err != nil {
			return errUsage
		}
		v[i] = f
	}

	p, op, err := d.ownPawn("move")
	if err != nil {
		return err
	}

	args := make([]byte, 12)
	repnet.PutVector(args, repnet.Vector{X: float32(v[0]), Y: float32(v[1]), Z: float32(v[2])})
	return d.callRemote(p, op, args)
}

func cmdAttack(d *daemon, params []string) error {
	if len(params) != 1 {
		return errUsage
	}

	id, err := strconv.ParseUint(params[0], 10, 32)
	if err != nil {
		return errUsage
	}

	p, op, err := d.ownPawn("attack")
	if err != nil {
		return err
	}

	args := make([]byte, 4)
	repnet.PutObjectRef(args, repnet.ObjectID(id))
	return d.callRemote(p, op, args)
}

func cmdUptime(d *daemon, params []string) error {
	log.Printf("Up for %.0f seconds", Uptime())
	return nil
}
