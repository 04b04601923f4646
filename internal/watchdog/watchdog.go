// Package watchdog implements the service-manager integration of §6:
// READY=1/STATUS=… notification on startup and fatal exit, and a
// periodic WATCHDOG=1 ping at half the manager-supplied interval. This
// speaks the systemd sd_notify datagram protocol directly over the
// $NOTIFY_SOCKET, since no example in the corpus vends a
// go-systemd-style client (see DESIGN.md) — the protocol itself is a
// handful of "KEY=VALUE\n" lines over a Unix datagram socket.
package watchdog

import (
	"fmt"
	"net"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/tjfontaine/gitlab-hookshot/internal/reactor"
)

// Notifier sends sd_notify-protocol messages to the service manager.
type Notifier struct {
	socketPath string
	conn       net.Conn
}

// New connects to $NOTIFY_SOCKET, if set. A nil-valued but non-nil
// Notifier is safe to use when the daemon isn't run under a service
// manager: every method becomes a no-op.
func New() *Notifier {
	path := os.Getenv("NOTIFY_SOCKET")
	if path == "" {
		return &Notifier{}
	}
	if strings.HasPrefix(path, "@") {
		path = "\x00" + path[1:]
	}
	conn, err := net.Dial("unixgram", path)
	if err != nil {
		return &Notifier{}
	}
	return &Notifier{socketPath: path, conn: conn}
}

func (n *Notifier) send(msg string) {
	if n.conn == nil {
		return
	}
	_, _ = n.conn.Write([]byte(msg))
}

// Ready reports READY=1 with an optional human-readable status line.
func (n *Notifier) Ready(status string) {
	if status != "" {
		n.send(fmt.Sprintf("READY=1\nSTATUS=%s\n", status))
	} else {
		n.send("READY=1\n")
	}
}

// Status reports a STATUS line, used on fatal exit (§6).
func (n *Notifier) Status(status string) {
	n.send(fmt.Sprintf("STATUS=%s\n", status))
}

// Ping sends WATCHDOG=1.
func (n *Notifier) Ping() {
	n.send("WATCHDOG=1\n")
}

// StartPinging arms a repeating reactor timer that pings the watchdog
// at half of $WATCHDOG_USEC, if the service manager supplied one.
// Returns a stop function; it is a no-op if no watchdog interval is
// configured or the notifier has no live connection.
func (n *Notifier) StartPinging(r *reactor.Reactor) (stop func()) {
	if n.conn == nil {
		return func() {}
	}
	usec := os.Getenv("WATCHDOG_USEC")
	if usec == "" {
		return func() {}
	}
	parsed, err := strconv.ParseInt(usec, 10, 64)
	if err != nil || parsed <= 0 {
		return func() {}
	}

	interval := time.Duration(parsed) * time.Microsecond / 2
	stopped := false
	var timer *reactor.Timer

	var tick func()
	tick = func() {
		if stopped {
			return
		}
		n.Ping()
		timer = r.After(interval, tick)
	}
	timer = r.After(interval, tick)

	return func() {
		stopped = true
		timer.Stop()
	}
}
