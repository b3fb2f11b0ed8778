// Package channel contains user-facing frontends. Each channel turns
// user input into bus actions and renders UI events coming back.
package channel

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
	"sync"

	"aplex/internal/domain"
)

// CLI implements domain.Channel for interactive terminal chat. Response
// deltas are rendered in place as they stream in.
type CLI struct {
	bus    domain.Bus
	logger *slog.Logger
	in     io.Reader
	out    io.Writer

	// Stop requests the logical cancellation barrier directly; it must
	// not ride the sequential action queue or it would only run after
	// the turn it is meant to interrupt.
	stop func()

	// Sessions lists the current sessions for /list and /select.
	sessions func() []domain.Session

	// Export renders a transcript for /export.
	export func(sid string) (string, bool)

	voice bool

	mu       sync.Mutex
	rendered int // bytes of the current turn already printed
}

type CLIConfig struct {
	Logger   *slog.Logger
	In       io.Reader
	Out      io.Writer
	Stop     func()
	Sessions func() []domain.Session
	Export   func(sid string) (string, bool)
}

func NewCLI(cfg CLIConfig) *CLI {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.In == nil {
		cfg.In = os.Stdin
	}
	if cfg.Out == nil {
		cfg.Out = os.Stdout
	}
	return &CLI{
		logger:   cfg.Logger,
		in:       cfg.In,
		out:      cfg.Out,
		stop:     cfg.Stop,
		sessions: cfg.Sessions,
		export:   cfg.Export,
	}
}

func (c *CLI) Name() string { return "cli" }

// Start runs the interactive REPL and blocks until ctx is cancelled or
// input ends.
func (c *CLI) Start(ctx context.Context, bus domain.Bus) error {
	c.bus = bus

	bus.OnEvent("cli", c.render)

	fmt.Fprintln(c.out, "A-Plex AI. Type a message and press Enter. /help lists commands.")
	fmt.Fprint(c.out, "You> ")

	scanner := bufio.NewScanner(c.in)
	for {
		select {
		case <-ctx.Done():
			return nil
		default:
		}

		if !scanner.Scan() {
			if err := scanner.Err(); err != nil {
				return err
			}
			return nil // EOF
		}

		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			fmt.Fprint(c.out, "You> ")
			continue
		}
		if strings.HasPrefix(line, "/") {
			if quit := c.command(line); quit {
				return nil
			}
			continue
		}

		c.resetTurn()
		c.bus.Publish(domain.UserAction{
			Type:    domain.ActionSend,
			Channel: "cli",
			Text:    line,
			Voice:   c.voice,
		})
	}
}

func (c *CLI) Stop() error { return nil }

// command handles a slash command line; returns true on quit.
func (c *CLI) command(line string) bool {
	fields := strings.Fields(line)
	arg := ""
	if len(fields) > 1 {
		arg = fields[1]
	}

	switch fields[0] {
	case "/quit", "/exit", "/q":
		return true
	case "/stop":
		if c.stop != nil {
			c.stop()
		}
		fmt.Fprintln(c.out, "(stopped)")
	case "/new":
		c.bus.Publish(domain.UserAction{Type: domain.ActionNewChat, Channel: "cli"})
	case "/group":
		name := strings.TrimSpace(strings.TrimPrefix(line, "/group"))
		if name == "" {
			name = "New Group"
		}
		c.bus.Publish(domain.UserAction{
			Type:    domain.ActionNewGroup,
			Channel: "cli",
			Group:   &domain.GroupMetadata{Name: name, Visibility: domain.VisibilityPrivate},
		})
	case "/list":
		c.printSessions()
		fmt.Fprint(c.out, "You> ")
	case "/select":
		c.bus.Publish(domain.UserAction{Type: domain.ActionSelectSession, Channel: "cli", SessionID: arg})
	case "/delete":
		c.bus.Publish(domain.UserAction{Type: domain.ActionDeleteSession, Channel: "cli", SessionID: arg})
	case "/clear":
		c.bus.Publish(domain.UserAction{Type: domain.ActionClearAll, Channel: "cli"})
	case "/voice":
		c.voice = !c.voice
		fmt.Fprintf(c.out, "(voice replies %s)\n", onOff(c.voice))
		fmt.Fprint(c.out, "You> ")
	case "/export":
		if c.export != nil {
			if transcript, ok := c.export(arg); ok {
				fmt.Fprintln(c.out, transcript)
			} else {
				fmt.Fprintln(c.out, "(no such session)")
			}
		}
		fmt.Fprint(c.out, "You> ")
	case "/help":
		fmt.Fprintln(c.out, "/new /group <name> /list /select <id> /delete <id> /clear /stop /voice /export [id] /quit")
		fmt.Fprint(c.out, "You> ")
	default:
		fmt.Fprintf(c.out, "unknown command %s (/help)\n", fields[0])
		fmt.Fprint(c.out, "You> ")
	}
	return false
}

// render draws one UI event. Deltas carry the cumulative text, so only
// the unseen suffix is written.
func (c *CLI) render(evt domain.UIEvent) {
	switch evt.Type {
	case domain.UIDelta:
		c.mu.Lock()
		if c.rendered < len(evt.Content) {
			fmt.Fprint(c.out, evt.Content[c.rendered:])
			c.rendered = len(evt.Content)
		}
		c.mu.Unlock()
	case domain.UITurnSettled:
		c.mu.Lock()
		if evt.IsError && c.rendered < len(evt.Content) {
			fmt.Fprint(c.out, evt.Content[c.rendered:])
		}
		c.rendered = 0
		c.mu.Unlock()
		fmt.Fprint(c.out, "\n\nYou> ")
	case domain.UICredentialRequired:
		fmt.Fprintln(c.out, "\n(set GEMINI_API_KEY and restart to continue)")
	case domain.UISessionsChanged:
		// quiet; /list shows the current state on demand
	case domain.UISpeaking:
		// no terminal indicator for playback
	}
}

func (c *CLI) resetTurn() {
	c.mu.Lock()
	c.rendered = 0
	c.mu.Unlock()
}

func (c *CLI) printSessions() {
	if c.sessions == nil {
		return
	}
	for _, s := range c.sessions() {
		kind := "chat"
		if s.Kind == domain.SessionGroup {
			kind = "group"
		}
		fmt.Fprintf(c.out, "%s  [%s]  %s  (%d messages)\n", s.ID, kind, s.Title, len(s.Messages))
	}
}

func onOff(b bool) string {
	if b {
		return "on"
	}
	return "off"
}
