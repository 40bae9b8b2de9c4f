package transport

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"strings"
)

var (
	ErrNetwork              = errors.New("network error")
	ErrTimeout              = errors.New("connection timed out")
	ErrAuthenticationFailed = errors.New("authentication failed")
	ErrHostKeyRejected      = errors.New("host key rejected")
	ErrNotConnected         = errors.New("not connected")
	ErrChannelClosed        = errors.New("channel closed")
)

// classifyConnectError maps a dial or handshake failure onto the error
// taxonomy. The underlying error text is kept for the presentation layer.
func classifyConnectError(ctx context.Context, addr string, hostKeyErr, err error) error {
	switch {
	case hostKeyErr != nil:
		return fmt.Errorf("%w: %s: %v", ErrHostKeyRejected, addr, hostKeyErr)
	case errors.Is(ctx.Err(), context.DeadlineExceeded), errors.Is(err, os.ErrDeadlineExceeded), isNetTimeout(err):
		return fmt.Errorf("%w: %s", ErrTimeout, addr)
	case errors.Is(ctx.Err(), context.Canceled):
		return fmt.Errorf("%w: %s: %w", ErrNetwork, addr, context.Canceled)
	case strings.Contains(err.Error(), "unable to authenticate"):
		return fmt.Errorf("%w: %s: %v", ErrAuthenticationFailed, addr, err)
	default:
		return fmt.Errorf("%w: %s: %v", ErrNetwork, addr, err)
	}
}

func isNetTimeout(err error) bool {
	var ne net.Error
	return errors.As(err, &ne) && ne.Timeout()
}
