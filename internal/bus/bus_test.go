package bus

import (
	"testing"

	"aplex/internal/domain"
)

func TestPublishSubscribe(t *testing.T) {
	b := New(10, nil)
	defer b.Close()

	b.Publish(domain.UserAction{Type: domain.ActionSend, Channel: "cli", Text: "hi"})

	select {
	case action := <-b.Subscribe():
		if action.Text != "hi" || action.Channel != "cli" {
			t.Fatalf("action mangled: %+v", action)
		}
	default:
		t.Fatal("published action not delivered")
	}
}

func TestEmit_RoutesToOriginChannel(t *testing.T) {
	b := New(10, nil)
	defer b.Close()

	var cliGot, webGot []domain.UIEvent
	b.OnEvent("cli", func(e domain.UIEvent) { cliGot = append(cliGot, e) })
	b.OnEvent("web", func(e domain.UIEvent) { webGot = append(webGot, e) })

	b.Emit(domain.UIEvent{Type: domain.UIDelta, Channel: "cli", Content: "x"})

	if len(cliGot) != 1 {
		t.Fatalf("cli handler should receive the event, got %d", len(cliGot))
	}
	if len(webGot) != 0 {
		t.Fatal("web handler must not see a cli-scoped event")
	}
}

func TestEmit_BroadcastWithoutChannel(t *testing.T) {
	b := New(10, nil)
	defer b.Close()

	var cliGot, webGot int
	b.OnEvent("cli", func(domain.UIEvent) { cliGot++ })
	b.OnEvent("web", func(domain.UIEvent) { webGot++ })

	b.Emit(domain.UIEvent{Type: domain.UISessionsChanged})

	if cliGot != 1 || webGot != 1 {
		t.Fatalf("broadcast must reach every handler, cli=%d web=%d", cliGot, webGot)
	}
}

func TestPublishAfterClose(t *testing.T) {
	b := New(10, nil)
	b.Close()

	// Must not panic.
	b.Publish(domain.UserAction{Type: domain.ActionSend})
	b.Close() // double close is safe
}
