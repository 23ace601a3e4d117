package auth

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"sync"
	"time"

	"github.com/zz80900/Antigravity2Api/internal/config"
	"github.com/zz80900/Antigravity2Api/internal/logging"
)

var filenameSanitizer = regexp.MustCompile(`[^A-Za-z0-9@.]`)

// Store owns the credential files in the auth directory and the per-group
// rotation cursors.
type Store struct {
	dir string

	mu       sync.RWMutex
	accounts []*Account
	cursors  map[config.Group]int
}

// NewStore returns a store rooted at dir. Call Load before first use.
func NewStore(dir string) *Store {
	return &Store{
		dir:     dir,
		cursors: map[config.Group]int{config.GroupClaude: 0, config.GroupGemini: 0},
	}
}

// Load scans the auth directory and builds the pool. Files that are not
// valid JSON or lack a refresh token are skipped with a warning. The
// directory is created when missing.
func (s *Store) Load() error {
	if err := os.MkdirAll(s.dir, 0o700); err != nil {
		return fmt.Errorf("create auth directory: %w", err)
	}
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return fmt.Errorf("read auth directory: %w", err)
	}

	var accounts []*Account
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".json") {
			continue
		}
		// Node-style project files sometimes end up next to credentials.
		if strings.HasPrefix(entry.Name(), "package") || entry.Name() == "tsconfig.json" {
			continue
		}
		path := filepath.Join(s.dir, entry.Name())
		data, err := os.ReadFile(path)
		if err != nil {
			logging.Warnf("[Auth] skipping %s: %v", entry.Name(), err)
			continue
		}
		var creds Credentials
		if err := json.Unmarshal(data, &creds); err != nil {
			logging.Warnf("[Auth] skipping %s: invalid JSON: %v", entry.Name(), err)
			continue
		}
		if !creds.Usable() {
			logging.Warnf("[Auth] skipping %s: incomplete credential record", entry.Name())
			continue
		}
		a := &Account{FilePath: path, Key: entry.Name()}
		a.SetCredentials(creds)
		accounts = append(accounts, a)
	}

	s.mu.Lock()
	s.accounts = accounts
	s.cursors[config.GroupClaude] = 0
	s.cursors[config.GroupGemini] = 0
	s.mu.Unlock()

	logging.Infof("[Auth] loaded %d account(s) from %s", len(accounts), s.dir)
	return nil
}

// Add persists a credential record. An existing account with the same
// e-mail is updated in place rather than appended; when its backing file
// does not carry the e-mail-derived name (hand-copied files), the file is
// renamed. The file name derives from the e-mail; without one a timestamp
// placeholder is used.
func (s *Store) Add(creds Credentials) (*Account, error) {
	if !creds.Usable() {
		return nil, fmt.Errorf("add account: incomplete credential record")
	}
	name := fmt.Sprintf("account-%d.json", time.Now().UnixMilli())
	if creds.Email != "" {
		name = filenameSanitizer.ReplaceAllString(creds.Email, "_") + ".json"
	}

	if existing := s.findByEmail(creds.Email); existing != nil {
		if existing.Key != name {
			newPath := filepath.Join(s.dir, name)
			if err := os.Rename(existing.FilePath, newPath); err != nil && !os.IsNotExist(err) {
				return nil, fmt.Errorf("rename %s: %w", existing.Key, err)
			}
			existing.FilePath = newPath
			existing.Key = name
		}
		existing.SetCredentials(creds)
		if err := s.Save(existing); err != nil {
			return nil, err
		}
		logging.Infof("[Auth] updated account %s", existing.Label())
		return existing, nil
	}

	a := &Account{FilePath: filepath.Join(s.dir, name), Key: name}
	a.SetCredentials(creds)
	if err := s.Save(a); err != nil {
		return nil, err
	}

	s.mu.Lock()
	s.accounts = append(s.accounts, a)
	s.mu.Unlock()

	logging.Infof("[Auth] added account %s", a.Label())
	return a, nil
}

// findByEmail returns the pool member holding the e-mail, if any.
func (s *Store) findByEmail(email string) *Account {
	if email == "" {
		return nil
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, a := range s.accounts {
		if a.Credentials().Email == email {
			return a
		}
	}
	return nil
}

// Save writes the account's current credentials back to its file.
func (s *Store) Save(a *Account) error {
	creds := a.Credentials()
	data, err := json.MarshalIndent(&creds, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal credentials: %w", err)
	}
	if err := os.WriteFile(a.FilePath, data, 0o600); err != nil {
		return fmt.Errorf("write %s: %w", a.Key, err)
	}
	return nil
}

// Delete removes the named account and its file. The name must be a bare
// .json file name; anything resembling a path is rejected.
func (s *Store) Delete(name string) error {
	if !validAccountName(name) {
		return fmt.Errorf("invalid account name %q", name)
	}

	s.mu.Lock()
	idx := -1
	for i, a := range s.accounts {
		if a.Key == name {
			idx = i
			break
		}
	}
	if idx < 0 {
		s.mu.Unlock()
		return fmt.Errorf("account %q not found", name)
	}
	path := s.accounts[idx].FilePath
	s.accounts = append(s.accounts[:idx], s.accounts[idx+1:]...)
	for group, cursor := range s.cursors {
		if cursor > idx {
			cursor--
		}
		// Deleting the tail while the cursor sat on it clamps to the new tail.
		if cursor >= len(s.accounts) {
			cursor = len(s.accounts) - 1
		}
		if cursor < 0 {
			cursor = 0
		}
		s.cursors[group] = cursor
	}
	s.mu.Unlock()

	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("remove %s: %w", name, err)
	}
	logging.Infof("[Auth] deleted account %s", name)
	return nil
}

func validAccountName(name string) bool {
	if name == "" || !strings.HasSuffix(name, ".json") {
		return false
	}
	if strings.ContainsAny(name, `/\`) || strings.Contains(name, "..") {
		return false
	}
	return true
}

// Accounts returns a snapshot of the pool.
func (s *Store) Accounts() []*Account {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*Account, len(s.accounts))
	copy(out, s.accounts)
	return out
}

// Len returns the pool size.
func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.accounts)
}

// Get returns the account with the given file name.
func (s *Store) Get(name string) (*Account, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, a := range s.accounts {
		if a.Key == name {
			return a, true
		}
	}
	return nil, false
}

// Rotate picks the next account for a group, skipping excluded keys, and
// advances the group cursor past the pick. It returns nil when every
// account is excluded or the pool is empty.
func (s *Store) Rotate(group config.Group, excluded map[string]bool) *Account {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := len(s.accounts)
	if n == 0 {
		return nil
	}
	start := s.cursors[group] % n
	for i := 0; i < n; i++ {
		idx := (start + i) % n
		a := s.accounts[idx]
		if excluded[a.Key] {
			continue
		}
		s.cursors[group] = (idx + 1) % n
		return a
	}
	return nil
}
