package service

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// writerPlayer streams chunk payloads to a single writer, e.g. a pipe
// into an audio player process.
type writerPlayer struct {
	mu sync.Mutex
	w  io.Writer
}

func NewWriterPlayer(w io.Writer) Player {
	return &writerPlayer{w: w}
}

func (p *writerPlayer) PlayChunk(_ context.Context, _ uuid.UUID, _ int64, payload []byte) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	_, err := p.w.Write(payload)
	return err
}

// dirPlayer writes each chunk as its own file, which is handy for
// listening back to a relay from the command line.
type dirPlayer struct {
	dir string
}

func NewDirPlayer(dir string) Player {
	return &dirPlayer{dir: dir}
}

func (p *dirPlayer) PlayChunk(_ context.Context, sessionID uuid.UUID, sequence int64, payload []byte) error {
	dir := filepath.Join(p.dir, sessionID.String())
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}
	name := filepath.Join(dir, fmt.Sprintf("%08d.wav", sequence))
	return os.WriteFile(name, payload, 0o644)
}

// logTone stands in for the external alert-tone collaborator.
type logTone struct{}

func NewLogTone() AlertTone {
	return logTone{}
}

func (logTone) PlayAttentionSound(ctx context.Context) {
	zerolog.Ctx(ctx).Info().Msg("new broadcast session, playing attention sound")
}
