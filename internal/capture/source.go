package capture

import (
	"context"
	"errors"
	"sync"

	"github.com/skypro1111/voice-note-capture/internal/audio"
)

var (
	// ErrStartFailed wraps platform errors raised while opening an input
	// (permission denied, device busy).
	ErrStartFailed = errors.New("capture start failed")

	// ErrAlreadyStarted is returned by Start on a source that was started before.
	ErrAlreadyStarted = errors.New("capture source already started")

	// ErrNotRunning is returned for operations on a source that is not capturing.
	ErrNotRunning = errors.New("capture source not running")

	// ErrStopped is returned when audio is delivered after Stop.
	ErrStopped = errors.New("capture source stopped")
)

// Source is a platform audio input. Chunks are delivered on Chunks() in
// arrival order; the channel is closed after Stop returns or when the input
// ends. Capture failures are reported on Errors().
type Source interface {
	Start(ctx context.Context) error
	Pause() error
	Resume() error
	Stop() error
	SampleRate() int
	Chunks() <-chan audio.Chunk
	Errors() <-chan error
}

// pipe is the channel plumbing shared by the sources. Senders register in
// inflight before sending so close never races a send.
type pipe struct {
	chunks chan audio.Chunk
	errs   chan error
	done   chan struct{}

	inflight  sync.WaitGroup
	stopOnce  sync.Once
	closeOnce sync.Once
}

func newPipe(buffer int) *pipe {
	if buffer < 0 {
		buffer = 0
	}
	return &pipe{
		chunks: make(chan audio.Chunk, buffer),
		errs:   make(chan error, 1),
		done:   make(chan struct{}),
	}
}

// deliver sends c unless the pipe is stopped first.
func (p *pipe) deliver(c audio.Chunk) bool {
	select {
	case <-p.done:
		return false
	default:
	}

	select {
	case p.chunks <- c:
		return true
	case <-p.done:
		return false
	}
}

// fail reports err without blocking; only the first error is kept.
func (p *pipe) fail(err error) {
	select {
	case p.errs <- err:
	default:
	}
}

func (p *pipe) stop() {
	p.stopOnce.Do(func() { close(p.done) })
}

func (p *pipe) stopped() bool {
	select {
	case <-p.done:
		return true
	default:
		return false
	}
}

// closeChunks closes the chunk channel once every in-flight send returned.
func (p *pipe) closeChunks() {
	p.closeOnce.Do(func() {
		p.inflight.Wait()
		close(p.chunks)
	})
}
