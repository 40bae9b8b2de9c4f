// Package control separates out-of-band control frames from the terminal
// byte stream of a persistent session.
//
// Frame layout: [tag 0xFF][uint32 little-endian length][payload], where the
// payload is ASCII "<verb>;<argument>". 0xFF never occurs in UTF-8 text, but
// the format has no escaping: a raw 0xFF followed by four bytes that decode
// to a length within MaxPayload is indistinguishable from a real frame.
// Over-length declarations are passed through as terminal data.
package control

import (
	"bytes"
	"context"
	"errors"
	"io"
	"log/slog"
	"strconv"
	"strings"

	"github.com/octerm/clauntty/internal/wire"
)

const (
	Tag        byte = 0xFF
	headerSize      = 5

	// MaxPayload bounds the declared payload length of a frame.
	MaxPayload = 4096

	VerbOpen    = "open"
	VerbForward = "forward"
)

// Handlers receive demultiplexed output. Data slices are only valid for the
// duration of the call.
type Handlers struct {
	Data    func(p []byte)
	OpenTab func(port int)
	Forward func(port int)
}

type state int

const (
	stateIdle state = iota
	stateHeader
	statePayload
)

// Demuxer is a stateful splitter. Bytes for one session must be written in
// arrival order from a single goroutine at a time.
type Demuxer struct {
	h          Handlers
	maxPayload int
	logger     *slog.Logger

	st      state
	header  [headerSize]byte
	nHeader int
	payload []byte
	want    int
}

type Option func(*Demuxer)

// WithMaxPayload overrides MaxPayload.
func WithMaxPayload(n int) Option {
	return func(d *Demuxer) { d.maxPayload = n }
}

func WithLogger(l *slog.Logger) Option {
	return func(d *Demuxer) { d.logger = l }
}

func NewDemuxer(h Handlers, opts ...Option) *Demuxer {
	d := &Demuxer{h: h, maxPayload: MaxPayload}
	for _, o := range opts {
		o(d)
	}
	if d.logger == nil {
		d.logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return d
}

// Write feeds the next chunk of the stream. It never fails, so a Demuxer
// can sit at the end of an io.Copy.
func (d *Demuxer) Write(p []byte) (int, error) {
	n := len(p)
	for len(p) > 0 {
		switch d.st {
		case stateIdle:
			i := bytes.IndexByte(p, Tag)
			if i < 0 {
				d.emit(p)
				return n, nil
			}
			if i > 0 {
				d.emit(p[:i])
			}
			d.header[0] = Tag
			d.nHeader = 1
			d.st = stateHeader
			p = p[i+1:]

		case stateHeader:
			k := copy(d.header[d.nHeader:], p)
			d.nHeader += k
			p = p[k:]
			if d.nHeader < headerSize {
				continue
			}
			length, _ := wire.NewCursor(d.header[1:]).Uint32LE()
			if uint64(length) > uint64(d.maxPayload) {
				d.logger.Debug("control: over-length frame passed through", "declared", length)
				d.emit(d.header[:])
				d.reset()
				continue
			}
			d.want = int(length)
			d.payload = d.payload[:0]
			d.st = statePayload
			if d.want == 0 {
				d.dispatch()
			}

		case statePayload:
			k := d.want - len(d.payload)
			if k > len(p) {
				k = len(p)
			}
			d.payload = append(d.payload, p[:k]...)
			p = p[k:]
			if len(d.payload) == d.want {
				d.dispatch()
			}
		}
	}
	return n, nil
}

// Pending reports whether a partial frame is buffered.
func (d *Demuxer) Pending() bool { return d.st != stateIdle }

// Pump copies r into the demuxer until EOF, a read error, or ctx is done.
// A clean EOF returns nil.
func (d *Demuxer) Pump(ctx context.Context, r io.Reader) error {
	buf := make([]byte, 32*1024)
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		n, err := r.Read(buf)
		if n > 0 {
			_, _ = d.Write(buf[:n])
		}
		if err != nil {
			if errors.Is(err, io.EOF) {
				return nil
			}
			return err
		}
	}
}

func (d *Demuxer) reset() {
	d.st = stateIdle
	d.nHeader = 0
	d.want = 0
	d.payload = d.payload[:0]
}

func (d *Demuxer) emit(p []byte) {
	if len(p) == 0 || d.h.Data == nil {
		return
	}
	d.h.Data(p)
}

func (d *Demuxer) dispatch() {
	verb, arg, _ := strings.Cut(string(d.payload), ";")
	d.reset()

	var fn func(int)
	switch verb {
	case VerbOpen:
		fn = d.h.OpenTab
	case VerbForward:
		fn = d.h.Forward
	default:
		d.logger.Debug("control: dropping unknown verb", "verb", verb)
		return
	}
	port, err := parsePort(arg)
	if err != nil {
		d.logger.Debug("control: dropping frame with bad port", "verb", verb, "err", err)
		return
	}
	if fn != nil {
		fn(port)
	}
}

func parsePort(s string) (int, error) {
	v, err := strconv.ParseUint(strings.TrimSpace(s), 10, 16)
	if err != nil {
		return 0, err
	}
	return int(v), nil
}
