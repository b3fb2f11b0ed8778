// Package speech coordinates text-to-speech playback and speech capture
// for the assistant. It knows nothing about sessions.
package speech

import (
	"context"
	"io"
	"log/slog"
	"strings"
	"sync"

	"aplex/internal/domain"
)

// Player consumes synthesized audio, blocking until playback completes
// or ctx is cancelled.
type Player interface {
	Play(ctx context.Context, audio io.Reader) error
}

// CoordinatorConfig configures the speech coordinator.
type CoordinatorConfig struct {
	Synthesizer domain.Synthesizer
	Player      Player
	Voice       string // preferred voice; a regional variant is matched when the exact name is unavailable
	Logger      *slog.Logger
	OnState     func(speaking bool) // optional speaking-state observer
}

// Coordinator plays at most one utterance at a time. Speak cancels any
// current utterance first; Stop is idempotent and safe when nothing is
// playing.
type Coordinator struct {
	synth   domain.Synthesizer
	player  Player
	voice   string
	logger  *slog.Logger
	onState func(bool)

	mu         sync.Mutex
	cancel     context.CancelFunc
	generation int
	speaking   bool

	voiceOnce sync.Once
	resolved  string
}

func NewCoordinator(cfg CoordinatorConfig) *Coordinator {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Coordinator{
		synth:   cfg.Synthesizer,
		player:  cfg.Player,
		voice:   cfg.Voice,
		logger:  cfg.Logger,
		onState: cfg.OnState,
	}
}

// Speak synthesizes and plays text. Markup-significant characters are
// stripped first so formatting markers are not read aloud.
func (c *Coordinator) Speak(text string) {
	clean := StripMarkup(text)
	if strings.TrimSpace(clean) == "" {
		return
	}

	c.Stop()

	ctx, cancel := context.WithCancel(context.Background())

	c.mu.Lock()
	c.cancel = cancel
	c.generation++
	gen := c.generation
	c.speaking = true
	c.mu.Unlock()
	c.notify(true)

	go c.play(ctx, gen, clean)
}

func (c *Coordinator) play(ctx context.Context, gen int, text string) {
	defer c.settle(gen)

	audio, err := c.synth.Synthesize(ctx, text, c.pickVoice(ctx))
	if err != nil {
		if ctx.Err() == nil {
			c.logger.Warn("speech synthesis failed", "err", err)
		}
		return
	}
	defer audio.Close()

	if err := c.player.Play(ctx, audio); err != nil && ctx.Err() == nil {
		c.logger.Warn("audio playback failed", "err", err)
	}
}

// settle clears the speaking state, unless a newer utterance has already
// taken over.
func (c *Coordinator) settle(gen int) {
	c.mu.Lock()
	if c.generation != gen {
		c.mu.Unlock()
		return
	}
	c.speaking = false
	c.cancel = nil
	c.mu.Unlock()
	c.notify(false)
}

// Stop cancels the current utterance, if any.
func (c *Coordinator) Stop() {
	c.mu.Lock()
	cancel := c.cancel
	c.cancel = nil
	wasSpeaking := c.speaking
	c.speaking = false
	c.generation++
	c.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	if wasSpeaking {
		c.notify(false)
	}
}

// IsSpeaking reports whether an utterance is currently playing.
func (c *Coordinator) IsSpeaking() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.speaking
}

func (c *Coordinator) notify(speaking bool) {
	if c.onState != nil {
		c.onState(speaking)
	}
}

// pickVoice resolves the preferred voice once: the exact configured
// name when offered, else any variant sharing its prefix, else the
// platform's first voice.
func (c *Coordinator) pickVoice(ctx context.Context) string {
	c.voiceOnce.Do(func() {
		c.resolved = c.voice
		voices, err := c.synth.Voices(ctx)
		if err != nil || len(voices) == 0 {
			return
		}
		for _, v := range voices {
			if v == c.voice {
				return
			}
		}
		if c.voice != "" {
			for _, v := range voices {
				if strings.HasPrefix(strings.ToLower(v), strings.ToLower(c.voice)) {
					c.resolved = v
					return
				}
			}
		}
		c.resolved = voices[0]
	})
	return c.resolved
}

var markupReplacer = strings.NewReplacer("*", "", "#", "", "`", "", "_", "", "~", "")

// StripMarkup removes markdown formatting characters before synthesis.
func StripMarkup(text string) string {
	return markupReplacer.Replace(text)
}
