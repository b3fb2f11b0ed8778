package channel

import (
	"bytes"
	"context"
	"strings"
	"testing"
	"time"

	"aplex/internal/bus"
	"aplex/internal/domain"
)

func TestCLI_PublishesSendAction(t *testing.T) {
	b := bus.New(10, nil)
	defer b.Close()

	var out bytes.Buffer
	c := NewCLI(CLIConfig{In: strings.NewReader("hello world\n"), Out: &out})

	done := make(chan error, 1)
	go func() { done <- c.Start(context.Background(), b) }()

	select {
	case action := <-b.Subscribe():
		if action.Type != domain.ActionSend || action.Text != "hello world" {
			t.Fatalf("wrong action: %+v", action)
		}
		if action.Channel != "cli" {
			t.Fatalf("channel must be tagged, got %q", action.Channel)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("no action published")
	}

	if err := <-done; err != nil {
		t.Fatalf("start: %v", err)
	}
}

func TestCLI_QuitCommandEndsLoop(t *testing.T) {
	b := bus.New(10, nil)
	defer b.Close()

	var out bytes.Buffer
	c := NewCLI(CLIConfig{In: strings.NewReader("/quit\n"), Out: &out})

	done := make(chan error, 1)
	go func() { done <- c.Start(context.Background(), b) }()

	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("start: %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("/quit did not end the loop")
	}
}

func TestCLI_StopCommandInvokesCallback(t *testing.T) {
	stopped := false
	var out bytes.Buffer
	c := NewCLI(CLIConfig{Out: &out, Stop: func() { stopped = true }})

	if quit := c.command("/stop"); quit {
		t.Fatal("/stop must not quit")
	}
	if !stopped {
		t.Fatal("stop callback not invoked")
	}
}

func TestCLI_NewGroupCommand(t *testing.T) {
	b := bus.New(10, nil)
	defer b.Close()

	var out bytes.Buffer
	c := NewCLI(CLIConfig{Out: &out})
	c.bus = b

	c.command("/group Book Club")

	select {
	case action := <-b.Subscribe():
		if action.Type != domain.ActionNewGroup {
			t.Fatalf("expected new_group, got %s", action.Type)
		}
		if action.Group == nil || action.Group.Name != "Book Club" {
			t.Fatalf("group name lost: %+v", action.Group)
		}
	default:
		t.Fatal("no action published")
	}
}

func TestCLI_RenderDeltaPrintsOnlySuffix(t *testing.T) {
	var out bytes.Buffer
	c := NewCLI(CLIConfig{Out: &out})

	c.render(domain.UIEvent{Type: domain.UIDelta, Content: "Hel"})
	c.render(domain.UIEvent{Type: domain.UIDelta, Content: "Hello"})
	c.render(domain.UIEvent{Type: domain.UIDelta, Content: "Hello there"})

	if got := out.String(); got != "Hello there" {
		t.Fatalf("cumulative deltas must print each suffix once, got %q", got)
	}
}

func TestCLI_RenderSettledResetsForNextTurn(t *testing.T) {
	var out bytes.Buffer
	c := NewCLI(CLIConfig{Out: &out})

	c.render(domain.UIEvent{Type: domain.UIDelta, Content: "first"})
	c.render(domain.UIEvent{Type: domain.UITurnSettled, Content: "first"})
	out.Reset()
	c.render(domain.UIEvent{Type: domain.UIDelta, Content: "second"})

	if got := out.String(); got != "second" {
		t.Fatalf("render state must reset between turns, got %q", got)
	}
}

func TestCLI_RenderErrorSettlementPrintsText(t *testing.T) {
	var out bytes.Buffer
	c := NewCLI(CLIConfig{Out: &out})

	c.render(domain.UIEvent{Type: domain.UITurnSettled, Content: "Error: backend down", IsError: true})

	if !strings.Contains(out.String(), "Error: backend down") {
		t.Fatalf("error settlement must surface the text, got %q", out.String())
	}
}

func TestCLI_VoiceToggle(t *testing.T) {
	var out bytes.Buffer
	c := NewCLI(CLIConfig{Out: &out})

	c.command("/voice")
	if !c.voice {
		t.Fatal("voice should toggle on")
	}
	c.command("/voice")
	if c.voice {
		t.Fatal("voice should toggle off")
	}
}
