package speech

import (
	"context"
	"fmt"
	"io"
	"os/exec"
)

// playerCommands are tried in order; the first binary found on PATH is
// used. Each must accept audio on stdin.
var playerCommands = [][]string{
	{"ffplay", "-autoexit", "-nodisp", "-loglevel", "quiet", "-"},
	{"mpv", "--no-video", "--really-quiet", "-"},
	{"aplay", "-q"},
}

// ExecPlayer plays audio by piping it to an external player binary.
type ExecPlayer struct {
	argv []string
}

// NewExecPlayer locates a usable player binary. The returned error names
// the candidates when none is installed.
func NewExecPlayer() (*ExecPlayer, error) {
	for _, argv := range playerCommands {
		if _, err := exec.LookPath(argv[0]); err == nil {
			return &ExecPlayer{argv: argv}, nil
		}
	}
	return nil, fmt.Errorf("no audio player found (tried ffplay, mpv, aplay)")
}

// Play pipes audio into the player and waits for it to finish. Cancelling
// ctx kills the player.
func (p *ExecPlayer) Play(ctx context.Context, audio io.Reader) error {
	cmd := exec.CommandContext(ctx, p.argv[0], p.argv[1:]...)
	cmd.Stdin = audio
	if err := cmd.Run(); err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return fmt.Errorf("audio player: %w", err)
	}
	return nil
}

// NullPlayer discards audio; used when speech is disabled or no player
// binary exists.
type NullPlayer struct{}

func (NullPlayer) Play(ctx context.Context, audio io.Reader) error {
	_, err := io.Copy(io.Discard, audio)
	return err
}
