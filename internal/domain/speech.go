package domain

import (
	"context"
	"io"
)

// Synthesizer turns text into playable audio. Voices lists the voice
// names the platform offers so the coordinator can apply its regional
// preference.
type Synthesizer interface {
	Synthesize(ctx context.Context, text, voice string) (io.ReadCloser, error)
	Voices(ctx context.Context) ([]string, error)
}

// Transcriber converts captured audio into text.
type Transcriber interface {
	Transcribe(ctx context.Context, audio io.Reader, filename string) (string, error)
}
