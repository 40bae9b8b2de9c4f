package rtach

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"time"
)

// Metadata is the display state kept for one session. LastAccessed is
// encoded as null until the session is first touched.
type Metadata struct {
	Name         string     `json:"name"`
	Created      time.Time  `json:"created"`
	LastAccessed *time.Time `json:"lastAccessed"`
}

// MetadataStore reads and writes the remote sessions.json. There is no
// locking across clients; the last Save wins.
type MetadataStore struct {
	exec   Executor
	paths  layout
	logger *slog.Logger
}

// Load returns the stored mapping. A missing or unreadable file yields an
// empty map; only a transport failure is an error.
func (s *MetadataStore) Load(ctx context.Context) (map[string]Metadata, error) {
	out, err := s.exec.Execute(ctx, "cat "+s.paths.metadata()+" 2>/dev/null")
	if err != nil {
		return nil, fmt.Errorf("load session metadata: %w", err)
	}
	return decodeMetadata([]byte(out), s.logger), nil
}

// Save replaces the remote file through a temporary file and rename.
func (s *MetadataStore) Save(ctx context.Context, m map[string]Metadata) error {
	data, err := encodeMetadata(m)
	if err != nil {
		return err
	}
	p := s.paths
	cmd := "mkdir -p " + p.dir() + " && cat > " + p.metadataTmp() + " && mv -f " + p.metadataTmp() + " " + p.metadata()
	if err := s.exec.ExecuteWithInput(ctx, cmd, data); err != nil {
		return fmt.Errorf("save session metadata: %w", err)
	}
	return nil
}

func decodeMetadata(data []byte, logger *slog.Logger) map[string]Metadata {
	m := map[string]Metadata{}
	if len(strings.TrimSpace(string(data))) == 0 {
		return m
	}
	if err := json.Unmarshal(data, &m); err != nil {
		logger.Warn("ignoring corrupt session metadata", "err", err)
		return map[string]Metadata{}
	}
	if m == nil {
		// "null"
		m = map[string]Metadata{}
	}
	return m
}

func encodeMetadata(m map[string]Metadata) ([]byte, error) {
	if m == nil {
		m = map[string]Metadata{}
	}
	data, err := json.MarshalIndent(m, "", "  ")
	if err != nil {
		return nil, err
	}
	return append(data, '\n'), nil
}
