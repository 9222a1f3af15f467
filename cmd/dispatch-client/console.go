// ABOUTME: Terminal front end for the relay: prints events and turns input lines into frames
// ABOUTME: Stands in for the desktop UI that consumes the same event stream

package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"

	"github.com/fatih/color"

	"github.com/2389/dispatch-relay/internal/protocol"
	"github.com/2389/dispatch-relay/internal/relay"
)

// sender is the part of relay.Manager the console writes through.
type sender interface {
	SendText(s string) error
	Send(data []byte) error
	Ping() error
}

type console struct {
	mu  sync.Mutex
	out io.Writer

	status   *color.Color
	ok       *color.Color
	bad      *color.Color
	incoming *color.Color
	dim      *color.Color
}

func newConsole(out io.Writer) *console {
	return &console{
		out:      out,
		status:   color.New(color.FgYellow),
		ok:       color.New(color.FgGreen),
		bad:      color.New(color.FgRed),
		incoming: color.New(color.FgCyan),
		dim:      color.New(color.FgHiBlack),
	}
}

func (c *console) event(ev relay.Event) {
	c.mu.Lock()
	defer c.mu.Unlock()

	switch ev.Kind {
	case relay.EventStatus:
		col := c.status
		switch ev.Status {
		case relay.StatusConnected:
			col = c.ok
		case relay.StatusDisconnected:
			col = c.bad
		}
		col.Fprint(c.out, "● ")
		fmt.Fprintf(c.out, "%s\n", ev.Status)

	case relay.EventPong:
		c.dim.Fprintln(c.out, "Received PONG from server")

	case relay.EventMessage:
		c.incoming.Fprint(c.out, "← ")
		fmt.Fprintln(c.out, describeFrame(ev))
	}
}

// describeFrame renders an inbound frame for the terminal.
func describeFrame(ev relay.Event) string {
	if ev.Binary {
		return fmt.Sprintf("[binary %d bytes]", len(ev.Message))
	}

	msg, err := protocol.Decode(ev.Message)
	if err != nil {
		return string(ev.Message)
	}

	switch msg.Type {
	case protocol.TypeText:
		if text, err := msg.Text(); err == nil {
			return text
		}
	case protocol.TypeAck:
		var ack protocol.AckPayload
		if err := json.Unmarshal(msg.Payload, &ack); err == nil {
			return "ack " + ack.Type
		}
	case protocol.TypeError:
		return "error " + string(msg.Payload)
	}

	if len(msg.Payload) == 0 {
		return msg.Type
	}
	return msg.Type + " " + string(msg.Payload)
}

// line handles one line of user input. "/ping" sends an application ping,
// a line starting with "{" goes out verbatim as a JSON frame, anything else
// is sent as text.
func (c *console) line(s sender, input string) {
	input = strings.TrimSpace(input)
	if input == "" {
		return
	}

	var err error
	switch {
	case input == "/ping":
		err = s.Ping()
	case strings.HasPrefix(input, "{"):
		err = s.Send([]byte(input))
	default:
		err = s.SendText(input)
	}
	if err == nil {
		return
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	c.bad.Fprint(c.out, "✗ ")
	switch {
	case errors.Is(err, relay.ErrNotConnected):
		fmt.Fprintln(c.out, "not connected; message dropped")
	case errors.Is(err, relay.ErrQueueFull):
		fmt.Fprintln(c.out, "send queue full; message dropped")
	default:
		fmt.Fprintf(c.out, "send failed: %v\n", err)
	}
}
