package tunnel

import (
	"errors"
	"io"
	"net"
	"sync"

	"golang.org/x/sync/errgroup"
)

type halfCloser interface {
	CloseWrite() error
}

// relayPair splices one local connection to one remote channel. It owns
// both ends; close tears down both.
type relayPair struct {
	local  net.Conn
	remote io.ReadWriteCloser

	closeOnce sync.Once
}

func newRelayPair(local net.Conn, remote io.ReadWriteCloser) *relayPair {
	return &relayPair{local: local, remote: remote}
}

// run copies in both directions until each side has finished, then closes
// both ends. A read EOF half-closes the opposite write side; any copy
// error closes everything.
func (p *relayPair) run() (up, down int64, err error) {
	var g errgroup.Group
	g.Go(func() error {
		n, err := p.pump(p.remote, p.local)
		up = n
		return err
	})
	g.Go(func() error {
		n, err := p.pump(p.local, p.remote)
		down = n
		return err
	})
	err = g.Wait()
	p.close()
	return up, down, err
}

func (p *relayPair) pump(dst io.Writer, src io.Reader) (int64, error) {
	n, err := io.Copy(dst, src)
	if err != nil {
		p.close()
		if errors.Is(err, net.ErrClosed) || errors.Is(err, io.EOF) {
			return n, nil
		}
		return n, err
	}
	if hc, ok := dst.(halfCloser); ok {
		if err := hc.CloseWrite(); err == nil {
			return n, nil
		}
	}
	p.close()
	return n, nil
}

func (p *relayPair) close() {
	p.closeOnce.Do(func() {
		_ = p.local.Close()
		_ = p.remote.Close()
	})
}
