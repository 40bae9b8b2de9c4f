package rtach

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/juju/clock/testclock"
)

type fakeSocket struct {
	mtime int64
	live  bool
	title string
}

// fakeRemote interprets the commands Deployer sends and keeps a small
// in-memory filesystem keyed by the quoted remote path.
type fakeRemote struct {
	mu sync.Mutex

	arch      string
	installed string // version reported by the installed helper, "" when absent
	reports   string // version an uploaded helper reports
	uploaded  []byte
	uploads   int
	// brokenUpload accepts the upload but leaves nothing installed.
	brokenUpload bool

	files   map[string]string
	writes  map[string]int
	sockets map[string]fakeSocket
	kills   []string

	// failPrefix makes Execute fail for commands with this prefix.
	failPrefix string
}

func newFakeRemote() *fakeRemote {
	return &fakeRemote{
		arch:    "x86_64",
		reports: "rtach 1.0.0",
		files:   map[string]string{},
		writes:  map[string]int{},
		sockets: map[string]fakeSocket{},
	}
}

var errTransport = errors.New("transport gone")

func (f *fakeRemote) Execute(_ context.Context, cmd string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.failPrefix != "" && strings.HasPrefix(cmd, f.failPrefix) {
		return "", errTransport
	}
	switch {
	case cmd == "uname -m":
		return f.arch + "\n", nil
	case strings.HasPrefix(cmd, "if [ -x "):
		if f.installed == "" {
			return "missing\n", nil
		}
		return f.installed + "\n", nil
	case strings.HasPrefix(cmd, "cat ") && strings.HasSuffix(cmd, " 2>/dev/null"):
		p := strings.TrimSuffix(strings.TrimPrefix(cmd, "cat "), " 2>/dev/null")
		return f.files[p], nil
	case strings.HasPrefix(cmd, "d="):
		var b strings.Builder
		for id, s := range f.sockets {
			live := "stale"
			if s.live {
				live = "live"
			}
			fmt.Fprintf(&b, "%s|%d|%s|%s\n", id, s.mtime, live, s.title)
		}
		return b.String(), nil
	case strings.HasPrefix(cmd, "f="):
		id := socketID(strings.Fields(strings.TrimPrefix(cmd, "f="))[0])
		f.kills = append(f.kills, id)
		if s, ok := f.sockets[id]; ok {
			s.live = false
			f.sockets[id] = s
		}
		return "", nil
	case strings.HasPrefix(cmd, "rm -f "):
		id := socketID(strings.Fields(cmd)[2])
		delete(f.sockets, id)
		return "", nil
	}
	return "", fmt.Errorf("fake remote: unexpected command %q", cmd)
}

func (f *fakeRemote) ExecuteWithInput(_ context.Context, cmd string, input []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	if strings.Contains(cmd, "rtach.tmp") {
		f.uploads++
		f.uploaded = append([]byte(nil), input...)
		if !f.brokenUpload {
			f.installed = f.reports
		}
		return nil
	}
	// mkdir -p DIR && cat > TMP && mv -f TMP DST
	fields := strings.Fields(cmd)
	if len(fields) < 4 || fields[len(fields)-4] != "mv" {
		return fmt.Errorf("fake remote: unexpected command %q", cmd)
	}
	dst := fields[len(fields)-1]
	f.files[dst] = string(input)
	f.writes[dst]++
	return nil
}

// socketID extracts the id from `"$HOME/.clauntty/sessions/"<id>;`.
func socketID(word string) string {
	word = strings.TrimSuffix(word, ";")
	return word[strings.LastIndexByte(word, '"')+1:]
}

func (f *fakeRemote) file(p string) string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.files[p]
}

var epoch = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func newTestDeployer(t *testing.T, remote *fakeRemote) (*Deployer, *testclock.Clock) {
	t.Helper()
	clk := testclock.NewClock(epoch)
	d := New(remote, Config{
		HelperVersion: "1.0.0",
		Source:        StaticSource{ArchX86_64: []byte("x86 helper"), ArchAarch64: []byte("arm helper")},
		Clock:         clk,
		Logger:        slog.New(slog.NewTextHandler(io.Discard, nil)),
	})
	return d, clk
}
