package store

import (
	"bufio"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"github.com/opal-dev/opal/pkg/agent"
	"github.com/opal-dev/opal/pkg/ai"
)

// Store is the on-disk layout under the opal data directory:
//
//	<root>/
//	  sessions/<id>/messages.jsonl
//	  sessions/<id>/meta.json
//	  settings.json
//	  auth.json
//
// It implements agent.Saver. Writes within one store are serialised; the
// JSONL append keeps a crashed process from corrupting earlier messages.
type Store struct {
	root string
	mu   sync.Mutex
}

// DefaultDataDir resolves the opal data directory: $OPAL_DATA_DIR, else
// ~/.opal.
func DefaultDataDir() string {
	if dir := os.Getenv("OPAL_DATA_DIR"); dir != "" {
		return dir
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return ".opal"
	}
	return filepath.Join(home, ".opal")
}

// Open creates the directory tree if needed and returns the store.
func Open(root string) (*Store, error) {
	if err := os.MkdirAll(filepath.Join(root, "sessions"), 0o755); err != nil {
		return nil, fmt.Errorf("store: create %s: %w", root, err)
	}
	return &Store{root: root}, nil
}

// Root returns the data directory path.
func (s *Store) Root() string { return s.root }

func (s *Store) sessionDir(id string) string {
	return filepath.Join(s.root, "sessions", id)
}

// SessionDir returns the directory that holds one session's files.
func (s *Store) SessionDir(id string) string { return s.sessionDir(id) }

// ---------------------------------------------------------------------------
// agent.Saver
// ---------------------------------------------------------------------------

func (s *Store) CreateSession(id string, meta agent.SessionMeta) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	dir := s.sessionDir(id)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("store: create session dir: %w", err)
	}
	if err := writeJSONAtomic(filepath.Join(dir, "meta.json"), meta); err != nil {
		return err
	}
	f, err := os.OpenFile(filepath.Join(dir, "messages.jsonl"), os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("store: create messages file: %w", err)
	}
	return f.Close()
}

func (s *Store) AppendMessage(id string, m ai.Message) error {
	data, err := MarshalMessage(m)
	if err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	f, err := os.OpenFile(filepath.Join(s.sessionDir(id), "messages.jsonl"),
		os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return fmt.Errorf("store: open messages file: %w", err)
	}
	defer f.Close()
	if _, err := f.Write(append(data, '\n')); err != nil {
		return fmt.Errorf("store: append message: %w", err)
	}
	return nil
}

func (s *Store) SaveMeta(id string, meta agent.SessionMeta) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return writeJSONAtomic(filepath.Join(s.sessionDir(id), "meta.json"), meta)
}

// ---------------------------------------------------------------------------
// Loading and listing
// ---------------------------------------------------------------------------

// LoadMessages replays a session's JSONL file. Malformed lines are skipped;
// a partial trailing line from a crashed process must not lose the session.
func (s *Store) LoadMessages(id string) ([]ai.Message, error) {
	f, err := os.Open(filepath.Join(s.sessionDir(id), "messages.jsonl"))
	if err != nil {
		return nil, fmt.Errorf("store: open messages: %w", err)
	}
	defer f.Close()

	var msgs []ai.Message
	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 0, 64*1024), 16*1024*1024)
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if line == "" {
			continue
		}
		m, err := UnmarshalMessage(json.RawMessage(line))
		if err != nil {
			continue
		}
		msgs = append(msgs, m)
	}
	if err := sc.Err(); err != nil {
		return msgs, fmt.Errorf("store: read messages: %w", err)
	}
	return msgs, nil
}

// LoadMeta reads a session's metadata.
func (s *Store) LoadMeta(id string) (agent.SessionMeta, error) {
	var meta agent.SessionMeta
	data, err := os.ReadFile(filepath.Join(s.sessionDir(id), "meta.json"))
	if err != nil {
		return meta, fmt.Errorf("store: read meta: %w", err)
	}
	if err := json.Unmarshal(data, &meta); err != nil {
		return meta, fmt.Errorf("store: parse meta: %w", err)
	}
	return meta, nil
}

// SessionInfo is a lightweight summary for listing sessions.
type SessionInfo struct {
	ID   string            `json:"id"`
	Meta agent.SessionMeta `json:"meta"`
}

// ListSessions returns every persisted session, newest-first by UpdatedAt.
func (s *Store) ListSessions() ([]SessionInfo, error) {
	entries, err := os.ReadDir(filepath.Join(s.root, "sessions"))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("store: list sessions: %w", err)
	}

	var infos []SessionInfo
	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		meta, err := s.LoadMeta(e.Name())
		if err != nil {
			continue
		}
		infos = append(infos, SessionInfo{ID: e.Name(), Meta: meta})
	}
	sort.Slice(infos, func(i, j int) bool {
		return infos[i].Meta.UpdatedAt.After(infos[j].Meta.UpdatedAt)
	})
	return infos, nil
}

// ---------------------------------------------------------------------------
// Settings
// ---------------------------------------------------------------------------

// Settings are the client-visible persisted preferences.
type Settings struct {
	// DefaultModel is the provider:model_id used for new sessions.
	DefaultModel string `json:"default_model,omitempty"`
}

func (s *Store) LoadSettings() (Settings, error) {
	var out Settings
	data, err := os.ReadFile(filepath.Join(s.root, "settings.json"))
	if err != nil {
		if os.IsNotExist(err) {
			return out, nil
		}
		return out, fmt.Errorf("store: read settings: %w", err)
	}
	if err := json.Unmarshal(data, &out); err != nil {
		return out, fmt.Errorf("store: parse settings: %w", err)
	}
	return out, nil
}

func (s *Store) SaveSettings(settings Settings) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return writeJSONAtomic(filepath.Join(s.root, "settings.json"), settings)
}

// ---------------------------------------------------------------------------
// Auth
// ---------------------------------------------------------------------------

// AuthEntry holds one provider's credential.
type AuthEntry struct {
	APIKey string `json:"api_key,omitempty"`
}

// Auth maps provider name to credential. Written with 0600 permissions.
type Auth map[string]AuthEntry

func (s *Store) LoadAuth() (Auth, error) {
	data, err := os.ReadFile(filepath.Join(s.root, "auth.json"))
	if err != nil {
		if os.IsNotExist(err) {
			return Auth{}, nil
		}
		return nil, fmt.Errorf("store: read auth: %w", err)
	}
	var out Auth
	if err := json.Unmarshal(data, &out); err != nil {
		return nil, fmt.Errorf("store: parse auth: %w", err)
	}
	if out == nil {
		out = Auth{}
	}
	return out, nil
}

func (s *Store) SaveAuth(a Auth) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	data, err := json.MarshalIndent(a, "", "  ")
	if err != nil {
		return fmt.Errorf("store: marshal auth: %w", err)
	}
	return writeFileAtomic(filepath.Join(s.root, "auth.json"), data, 0o600)
}

// SetAPIKey stores one provider's key.
func (s *Store) SetAPIKey(provider, key string) error {
	auth, err := s.LoadAuth()
	if err != nil {
		return err
	}
	auth[provider] = AuthEntry{APIKey: key}
	return s.SaveAuth(auth)
}

// ---------------------------------------------------------------------------
// Atomic file writes
// ---------------------------------------------------------------------------

func writeJSONAtomic(path string, v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("store: marshal %s: %w", filepath.Base(path), err)
	}
	return writeFileAtomic(path, data, 0o644)
}

// writeFileAtomic writes via a temp file and rename so readers never see a
// torn file.
func writeFileAtomic(path string, data []byte, perm os.FileMode) error {
	tmp, err := os.CreateTemp(filepath.Dir(path), "."+filepath.Base(path)+".tmp-")
	if err != nil {
		return fmt.Errorf("store: temp file: %w", err)
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName)

	if err := tmp.Chmod(perm); err != nil {
		tmp.Close()
		return fmt.Errorf("store: chmod temp: %w", err)
	}
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("store: write temp: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("store: close temp: %w", err)
	}
	if err := os.Rename(tmpName, path); err != nil {
		return fmt.Errorf("store: rename: %w", err)
	}
	return nil
}
