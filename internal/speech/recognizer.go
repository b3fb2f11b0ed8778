package speech

import (
	"context"
	"io"
	"log/slog"
	"strings"
	"sync"
	"time"

	"aplex/internal/domain"
)

// defaultSilence is the trailing-silence window after the last final
// result before capture auto-stops.
const defaultSilence = 2 * time.Second

// RecognizerConfig configures continuous speech capture.
type RecognizerConfig struct {
	Transcriber domain.Transcriber
	Silence     time.Duration
	Logger      *slog.Logger
	OnInterim   func(text string) // running transcript after each segment
	OnFinal     func(text string) // full transcript when capture stops
}

// Recognizer accumulates transcribed audio segments into one transcript.
// Each final segment resets a trailing-silence timer; when the timer
// fires, capture stops and the transcript is delivered through OnFinal.
type Recognizer struct {
	transcriber domain.Transcriber
	silence     time.Duration
	logger      *slog.Logger
	onInterim   func(string)
	onFinal     func(string)

	mu        sync.Mutex
	listening bool
	segments  []string
	timer     *time.Timer
}

func NewRecognizer(cfg RecognizerConfig) *Recognizer {
	if cfg.Silence <= 0 {
		cfg.Silence = defaultSilence
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Recognizer{
		transcriber: cfg.Transcriber,
		silence:     cfg.Silence,
		logger:      cfg.Logger,
		onInterim:   cfg.OnInterim,
		onFinal:     cfg.OnFinal,
	}
}

// Start begins a capture session, clearing any previous transcript.
func (r *Recognizer) Start() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.listening = true
	r.segments = nil
	r.stopTimerLocked()
}

// Push transcribes one captured audio segment and appends the result.
// Segments arriving after capture stopped are ignored.
func (r *Recognizer) Push(ctx context.Context, audio io.Reader, filename string) error {
	r.mu.Lock()
	if !r.listening {
		r.mu.Unlock()
		return nil
	}
	r.mu.Unlock()

	text, err := r.transcriber.Transcribe(ctx, audio, filename)
	if err != nil {
		return err
	}
	text = strings.TrimSpace(text)
	if text == "" {
		return nil
	}

	r.mu.Lock()
	if !r.listening {
		r.mu.Unlock()
		return nil
	}
	r.segments = append(r.segments, text)
	transcript := strings.Join(r.segments, " ")
	r.stopTimerLocked()
	r.timer = time.AfterFunc(r.silence, r.Stop)
	r.mu.Unlock()

	if r.onInterim != nil {
		r.onInterim(transcript)
	}
	return nil
}

// Stop ends the capture session and delivers the accumulated transcript.
// Safe to call when nothing is being captured.
func (r *Recognizer) Stop() {
	r.mu.Lock()
	if !r.listening {
		r.mu.Unlock()
		return
	}
	r.listening = false
	r.stopTimerLocked()
	transcript := strings.Join(r.segments, " ")
	r.segments = nil
	r.mu.Unlock()

	if transcript != "" && r.onFinal != nil {
		r.onFinal(transcript)
	}
}

// Listening reports whether a capture session is active.
func (r *Recognizer) Listening() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.listening
}

func (r *Recognizer) stopTimerLocked() {
	if r.timer != nil {
		r.timer.Stop()
		r.timer = nil
	}
}
