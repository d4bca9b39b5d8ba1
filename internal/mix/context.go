package mix

import (
	"errors"
	"fmt"
	"sync"

	"github.com/audiolibrelab/notecapture/internal/capture"
)

// ErrContextInit means a processing context could not be constructed.
var ErrContextInit = errors.New("audio context init failed")

// Context owns the processing nodes of one mixing graph. Nodes run as
// goroutines started with Go and stop once the context is closed.
type Context struct {
	format      capture.Format
	blockFrames int

	done      chan struct{}
	closeOnce sync.Once
	wg        sync.WaitGroup
}

// NewContext creates a processing context running at format, moving audio in
// blocks of blockFrames frames.
func NewContext(format capture.Format, blockFrames int) (*Context, error) {
	if err := format.Validate(); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrContextInit, err)
	}
	if blockFrames <= 0 {
		return nil, fmt.Errorf("%w: block size must be positive, got %d", ErrContextInit, blockFrames)
	}
	return &Context{
		format:      format,
		blockFrames: blockFrames,
		done:        make(chan struct{}),
	}, nil
}

func (c *Context) Format() capture.Format {
	return c.format
}

// BlockSize is the number of interleaved samples in one block.
func (c *Context) BlockSize() int {
	return c.blockFrames * c.format.Channels
}

// Done is closed when the context is closed.
func (c *Context) Done() <-chan struct{} {
	return c.done
}

// Go runs a node that must return once Done is closed. Close waits for it.
func (c *Context) Go(node func()) {
	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		node()
	}()
}

// Close stops every node and waits for them to return. Calling it again is a
// no-op.
func (c *Context) Close() error {
	c.closeOnce.Do(func() {
		close(c.done)
	})
	c.wg.Wait()
	return nil
}
