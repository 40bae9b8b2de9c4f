package transport

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"

	"golang.org/x/crypto/ssh"
)

// Execute runs cmd on a fresh exec channel and returns everything it wrote
// to stdout and stderr once the channel closes. The exit status is not
// treated as an error; callers inspect the text.
func (c *Client) Execute(ctx context.Context, cmd string) (string, error) {
	var out syncBuffer
	ch, err := c.OpenChannel(ctx, ExecSpec{Command: cmd, Stderr: &out})
	if err != nil {
		return "", err
	}
	defer ch.Close()
	stop := context.AfterFunc(ctx, func() { _ = ch.Close() })
	defer stop()

	_ = ch.CloseWrite()
	if _, err := io.Copy(&out, ch); err != nil && ctx.Err() == nil {
		return out.String(), fmt.Errorf("read output of %q: %w", cmd, err)
	}
	err = ch.Wait()
	if ctx.Err() != nil {
		return out.String(), ctx.Err()
	}
	if err != nil && !isExitStatus(err) {
		return out.String(), fmt.Errorf("%w: %q: %v", ErrChannelClosed, cmd, err)
	}
	return out.String(), nil
}

// ExecuteWithInput runs cmd, writes input to its stdin, half-closes and
// waits. The remote side may close the channel as soon as it has consumed
// the input; that race is not an error. A non-zero exit status is.
func (c *Client) ExecuteWithInput(ctx context.Context, cmd string, input []byte) error {
	var out syncBuffer
	ch, err := c.OpenChannel(ctx, ExecSpec{Command: cmd, Stderr: &out})
	if err != nil {
		return err
	}
	defer ch.Close()
	stop := context.AfterFunc(ctx, func() { _ = ch.Close() })
	defer stop()

	drained := make(chan struct{})
	go func() {
		_, _ = io.Copy(&out, ch)
		close(drained)
	}()

	if _, err := ch.Write(input); err != nil && !isClosedEarly(err) {
		return fmt.Errorf("write input to %q: %w", cmd, err)
	}
	if err := ch.CloseWrite(); err != nil && !isClosedEarly(err) {
		return fmt.Errorf("close input of %q: %w", cmd, err)
	}

	err = ch.Wait()
	<-drained
	if ctx.Err() != nil {
		return ctx.Err()
	}
	var missing *ssh.ExitMissingError
	switch {
	case err == nil, errors.As(err, &missing):
		return nil
	default:
		msg := strings.TrimSpace(out.String())
		if msg != "" {
			return fmt.Errorf("%q: %w: %s", cmd, err, msg)
		}
		return fmt.Errorf("%q: %w", cmd, err)
	}
}

func isExitStatus(err error) bool {
	var exitErr *ssh.ExitError
	var missing *ssh.ExitMissingError
	return errors.As(err, &exitErr) || errors.As(err, &missing)
}

func isClosedEarly(err error) bool {
	return errors.Is(err, io.EOF) || errors.Is(err, io.ErrClosedPipe)
}

// syncBuffer collects stdout and stderr, which ssh copies from separate
// goroutines.
type syncBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *syncBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *syncBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}
