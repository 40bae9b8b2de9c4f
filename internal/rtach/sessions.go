package rtach

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Session is one persistent session on the remote host.
type Session struct {
	ID           string
	Name         string
	Created      time.Time
	LastAccessed *time.Time
	// Modified is the socket's modification time.
	Modified time.Time
	// Title is the terminal title last recorded by the helper, if any.
	Title      string
	SocketPath string
	// Live reports whether a process still holds the socket. Hosts
	// without lsof always report false.
	Live bool
}

// LastActivity is LastAccessed when set, otherwise Modified.
func (s Session) LastActivity() time.Time {
	if s.LastAccessed != nil {
		return *s.LastAccessed
	}
	return s.Modified
}

// NewSessionID returns a fresh persistent session id.
func NewSessionID() string {
	return uuid.NewString()
}

// WrapCommand returns the shell command that attaches to session id,
// creating it when no helper process serves the socket yet.
func (d *Deployer) WrapCommand(id string) (string, error) {
	if err := validateID(id); err != nil {
		return "", err
	}
	p := d.paths
	return "mkdir -p " + p.sessions() + " && exec " + p.bin() + " -A " + p.socket(id) + " " + d.cfg.Shell, nil
}

// ListSessions returns the sessions whose sockets exist, most recently
// active first. Sockets without metadata get a synthesized name, and the
// additions are persisted.
func (d *Deployer) ListSessions(ctx context.Context) ([]Session, error) {
	dir := d.paths.sessions()
	script := `d=` + dir + `; for f in "$d"/*; do [ -S "$f" ] || continue; ` +
		`n=$(basename "$f"); m=$(stat -c %Y "$f" 2>/dev/null || stat -f %m "$f" 2>/dev/null); ` +
		`if lsof -t "$f" >/dev/null 2>&1; then l=live; else l=stale; fi; ` +
		`t=$(head -n 1 "$d/$n.title" 2>/dev/null); ` +
		`echo "$n|$m|$l|$t"; done`
	out, err := d.exec.Execute(ctx, script)
	if err != nil {
		return nil, fmt.Errorf("list sessions: %w", err)
	}
	sockets := parseSocketListing(out)

	meta, err := d.meta.Load(ctx)
	if err != nil {
		return nil, err
	}

	added := 0
	sessions := make([]Session, 0, len(sockets))
	for _, s := range sockets {
		m, ok := meta[s.ID]
		if !ok {
			created := s.Modified
			if created.IsZero() {
				created = d.cfg.Clock.Now()
			}
			m = Metadata{Name: synthesizeName(s.ID), Created: created}
			meta[s.ID] = m
			added++
		}
		s.Name = m.Name
		s.Created = m.Created
		s.LastAccessed = m.LastAccessed
		s.SocketPath = d.paths.socketDisplay(s.ID)
		sessions = append(sessions, s)
	}
	if added > 0 {
		if err := d.meta.Save(ctx, meta); err != nil {
			// The listing itself is still valid.
			d.logger.Warn("could not persist synthesized session names", "count", added, "err", err)
		}
	}

	sort.SliceStable(sessions, func(i, j int) bool {
		a, b := sessions[i].LastActivity(), sessions[j].LastActivity()
		if !a.Equal(b) {
			return a.After(b)
		}
		return sessions[i].ID < sessions[j].ID
	})
	return sessions, nil
}

// parseSocketListing reads "name|mtime|live|title" lines, skipping
// anything malformed.
func parseSocketListing(out string) []Session {
	var sessions []Session
	for _, line := range strings.Split(out, "\n") {
		parts := strings.SplitN(strings.TrimRight(line, "\r"), "|", 4)
		if len(parts) < 3 || validateID(parts[0]) != nil {
			continue
		}
		s := Session{ID: parts[0], Live: parts[2] == "live"}
		if secs, err := strconv.ParseInt(parts[1], 10, 64); err == nil {
			s.Modified = time.Unix(secs, 0).UTC()
		}
		if len(parts) == 4 {
			s.Title = parts[3]
		}
		sessions = append(sessions, s)
	}
	return sessions
}

func synthesizeName(id string) string {
	var b strings.Builder
	for _, r := range id {
		if b.Len() == 8 {
			break
		}
		if r < 0x80 && (r >= '0' && r <= '9' || r >= 'a' && r <= 'z' || r >= 'A' && r <= 'Z') {
			b.WriteRune(r)
		}
	}
	if b.Len() == 0 {
		return "session"
	}
	return "session-" + strings.ToLower(b.String())
}

var namePattern = regexp.MustCompile(`^[A-Za-z0-9-]+$`)

// Rename sets the display name of session id.
func (d *Deployer) Rename(ctx context.Context, id, name string) error {
	if err := validateID(id); err != nil {
		return err
	}
	if !namePattern.MatchString(name) {
		return fmt.Errorf("%w: %q (letters, digits and hyphens only)", ErrInvalidSessionName, name)
	}
	return d.update(ctx, id, func(m *Metadata) { m.Name = name })
}

// Touch records that session id was just used.
func (d *Deployer) Touch(ctx context.Context, id string) error {
	if err := validateID(id); err != nil {
		return err
	}
	now := d.cfg.Clock.Now().UTC()
	return d.update(ctx, id, func(m *Metadata) { m.LastAccessed = &now })
}

func (d *Deployer) update(ctx context.Context, id string, fn func(*Metadata)) error {
	meta, err := d.meta.Load(ctx)
	if err != nil {
		return err
	}
	m, ok := meta[id]
	if !ok {
		m = Metadata{Name: synthesizeName(id), Created: d.cfg.Clock.Now().UTC()}
	}
	fn(&m)
	meta[id] = m
	return d.meta.Save(ctx, meta)
}

// Delete stops the helper serving id, removes its socket and forgets its
// metadata. Each step runs even if an earlier one failed.
func (d *Deployer) Delete(ctx context.Context, id string) error {
	if err := validateID(id); err != nil {
		return err
	}
	sock := d.paths.socket(id)
	var errs []error

	kill := "f=" + sock + `; pids=$(lsof -t "$f" 2>/dev/null || fuser "$f" 2>/dev/null); [ -z "$pids" ] || kill $pids 2>/dev/null; true`
	if _, err := d.exec.Execute(ctx, kill); err != nil {
		errs = append(errs, fmt.Errorf("stop session process: %w", err))
	}

	rm := "rm -f " + sock + " " + sock + ".title"
	if _, err := d.exec.Execute(ctx, rm); err != nil {
		errs = append(errs, fmt.Errorf("remove socket: %w", err))
	}

	if meta, err := d.meta.Load(ctx); err != nil {
		errs = append(errs, err)
	} else if _, ok := meta[id]; ok {
		delete(meta, id)
		if err := d.meta.Save(ctx, meta); err != nil {
			errs = append(errs, err)
		}
	}

	if err := errors.Join(errs...); err != nil {
		return fmt.Errorf("delete session %s: %w", id, err)
	}
	d.logger.Info("session deleted", "session", id)
	return nil
}
