/*
Repnetd serves or joins a replicated world over the repnet transport,
with Lua plugins, a ban list and a media store.
*/
package main

import (
	"fmt"
	"log"
	"net"
	"os"
	"time"

	"github.com/HimbeerserverDE/repnet"
)

// openTransport binds the configured transport. Clients also get the
// resolved server address.
func openTransport(role repnet.Role) (repnet.Transport, net.Addr, error) {
	host := confString("host", "0.0.0.0:33000")

	var server net.Addr
	if role == repnet.RoleClient {
		addr, err := net.ResolveUDPAddr("udp", confString("server", "127.0.0.1:33000"))
		if err != nil {
			return nil, nil, err
		}
		server = addr
		host = confString("bind", ":0")
	}

	switch kind := confString("transport", "udp"); kind {
	case "udp":
		t, err := repnet.ListenUDP(host)
		return t, server, err
	case "rudp":
		pc, err := net.ListenPacket("udp", host)
		if err != nil {
			return nil, nil, err
		}
		if role == repnet.RoleClient {
			return repnet.DialRUDP(pc, server), server, nil
		}
		return repnet.ListenRUDP(pc), nil, nil
	default:
		return nil, nil, fmt.Errorf("unknown transport %q", kind)
	}
}

func main() {
	l, err := newLogger("log")
	if err != nil {
		log.Fatal(err)
	}
	log.SetOutput(l)

	if err := LoadConfig("config/repnet.yml"); err != nil {
		log.Fatal(err)
	}

	var role repnet.Role
	switch r := confString("role", "server"); r {
	case "server":
		role = repnet.RoleServer
	case "client":
		role = repnet.RoleClient
	default:
		log.Fatalf("Unknown role %q", r)
	}

	db, err := openDB()
	if err != nil {
		log.Fatal(err)
	}

	reg, err := newRegistry()
	if err != nil {
		log.Fatal(err)
	}

	tasks := &taskQueue{}
	w := newWorld(reg, tasks)
	d := newDaemon(role, db, w, tasks)

	if role == repnet.RoleServer {
		n, err := db.importMedia(d.mediaDir)
		if err != nil {
			log.Fatal(err)
		}
		log.Printf("Imported %d media files", n)
	}

	if _, err := d.scripts.LoadPlugins(confString("scripts", "plugins")); err != nil {
		log.Fatal(err)
	}

	tr, server, err := openTransport(role)
	if err != nil {
		log.Fatal(err)
	}

	driver, err := repnet.NewDriver(role, tr, w, reg, d, netConfig())
	if err != nil {
		log.Fatal(err)
	}
	d.driver = driver

	if role == repnet.RoleClient {
		c, err := driver.Connect(server)
		if err != nil {
			log.Fatal(err)
		}
		c.Control().Send("HELLO " + confString("name", "player"))

		log.Print("Connecting to ", server)
	} else {
		log.Print("Listening on " + confString("host", "0.0.0.0:33000"))
	}

	quit := make(chan struct{}, 1)
	stop := func() {
		select {
		case quit <- struct{}{}:
		default:
		}
	}

	handleSignals(stop)
	if confBool("console", true) {
		go runConsole(d, os.Stdin, stop)
	}

	ticker := time.NewTicker(tickInterval())
	defer ticker.Stop()

	last := time.Now()
	for {
		select {
		case <-quit:
			End(d, l, false)
		case now := <-ticker.C:
			dt := now.Sub(last)
			last = now

			if err := driver.Tick(dt); err != nil {
				log.Print(err)
				End(d, l, true)
			}
			if role == repnet.RoleServer {
				w.expire()
			}
			tasks.run()
			d.scripts.ticked(dt.Seconds())

			if role == repnet.RoleClient && driver.ServerConn() == nil {
				log.Print("Disconnected")
				End(d, l, false)
			}
		}
	}
}
