package auth

import (
	"os"
	"path/filepath"
	"regexp"
	"testing"

	"github.com/zz80900/Antigravity2Api/internal/config"
)

func writeAuthFile(t *testing.T, dir, name, content string) {
	t.Helper()
	if err := os.WriteFile(filepath.Join(dir, name), []byte(content), 0o600); err != nil {
		t.Fatal(err)
	}
}

const validRecord = `{"accessToken":"at","refreshToken":"rt","tokenType":"Bearer","expiryMs":1}`

func TestStoreLoadSkipsInvalidFiles(t *testing.T) {
	dir := t.TempDir()
	writeAuthFile(t, dir, "good.json", validRecord)
	writeAuthFile(t, dir, "scoped.json", `{"accessToken":"at","refreshToken":"rt","scope":"email"}`)
	writeAuthFile(t, dir, "broken.json", `{not json`)
	writeAuthFile(t, dir, "no-refresh.json", `{"accessToken":"at","tokenType":"Bearer"}`)
	writeAuthFile(t, dir, "no-access.json", `{"refreshToken":"rt","tokenType":"Bearer"}`)
	writeAuthFile(t, dir, "bare-tokens.json", `{"accessToken":"at","refreshToken":"rt"}`)
	writeAuthFile(t, dir, "notes.txt", `ignored`)
	// Node project files in the auth directory are never credentials.
	writeAuthFile(t, dir, "package.json", validRecord)
	writeAuthFile(t, dir, "package-lock.json", validRecord)
	writeAuthFile(t, dir, "tsconfig.json", validRecord)

	s := NewStore(dir)
	if err := s.Load(); err != nil {
		t.Fatalf("Load: %v", err)
	}
	if s.Len() != 2 {
		t.Fatalf("pool size = %d, want 2", s.Len())
	}
	if _, ok := s.Get("good.json"); !ok {
		t.Error("good.json not loaded")
	}
	if _, ok := s.Get("scoped.json"); !ok {
		t.Error("scoped.json not loaded")
	}
}

func TestStoreAddFilenames(t *testing.T) {
	dir := t.TempDir()
	s := NewStore(dir)
	if err := s.Load(); err != nil {
		t.Fatal(err)
	}

	a, err := s.Add(Credentials{AccessToken: "at", RefreshToken: "rt", TokenType: "Bearer", Email: "dev+test@example.com"})
	if err != nil {
		t.Fatalf("Add: %v", err)
	}
	if a.Key != "dev_test@example.com.json" {
		t.Errorf("sanitized name = %q", a.Key)
	}
	if _, err := os.Stat(a.FilePath); err != nil {
		t.Errorf("credential file not written: %v", err)
	}

	b, err := s.Add(Credentials{AccessToken: "at2", RefreshToken: "rt2", TokenType: "Bearer"})
	if err != nil {
		t.Fatalf("Add: %v", err)
	}
	if !regexp.MustCompile(`^account-\d+\.json$`).MatchString(b.Key) {
		t.Errorf("placeholder name = %q", b.Key)
	}
}

func TestStoreAddReusesEmailSlot(t *testing.T) {
	dir := t.TempDir()
	s := NewStore(dir)
	if err := s.Load(); err != nil {
		t.Fatal(err)
	}

	first, err := s.Add(Credentials{AccessToken: "at1", RefreshToken: "rt1", TokenType: "Bearer", Email: "dup@example.com"})
	if err != nil {
		t.Fatalf("Add: %v", err)
	}
	second, err := s.Add(Credentials{AccessToken: "at2", RefreshToken: "rt2", TokenType: "Bearer", Email: "dup@example.com"})
	if err != nil {
		t.Fatalf("second Add: %v", err)
	}

	if s.Len() != 1 {
		t.Fatalf("pool size after double add = %d, want 1", s.Len())
	}
	if first != second {
		t.Error("second add did not reuse the existing slot")
	}
	if got := first.Credentials().RefreshToken; got != "rt2" {
		t.Errorf("refresh token = %q, want the updated rt2", got)
	}
	data, err := os.ReadFile(first.FilePath)
	if err != nil {
		t.Fatal(err)
	}
	if !regexp.MustCompile(`"rt2"`).Match(data) {
		t.Error("updated credentials not persisted")
	}
}

func TestStoreAddRenamesMismatchedFile(t *testing.T) {
	dir := t.TempDir()
	// A hand-copied file whose name does not derive from the e-mail inside.
	writeAuthFile(t, dir, "work.json", `{"accessToken":"at","refreshToken":"rt","tokenType":"Bearer","email":"me@example.com"}`)
	s := NewStore(dir)
	if err := s.Load(); err != nil {
		t.Fatal(err)
	}

	a, err := s.Add(Credentials{AccessToken: "at2", RefreshToken: "rt2", TokenType: "Bearer", Email: "me@example.com"})
	if err != nil {
		t.Fatalf("Add: %v", err)
	}
	if s.Len() != 1 {
		t.Fatalf("pool size = %d, want 1", s.Len())
	}
	if a.Key != "me@example.com.json" {
		t.Errorf("key = %q, want the e-mail-derived name", a.Key)
	}
	if _, err := os.Stat(filepath.Join(dir, "work.json")); !os.IsNotExist(err) {
		t.Error("old backing file still present")
	}
	if _, err := os.Stat(filepath.Join(dir, "me@example.com.json")); err != nil {
		t.Errorf("renamed file missing: %v", err)
	}
}

func TestStoreDeleteValidation(t *testing.T) {
	s := NewStore(t.TempDir())
	if err := s.Load(); err != nil {
		t.Fatal(err)
	}
	for _, name := range []string{"", "a.txt", "../a.json", "sub/a.json", `sub\a.json`, "..json.."} {
		if err := s.Delete(name); err == nil {
			t.Errorf("Delete(%q) accepted an invalid name", name)
		}
	}
}

func TestStoreRotate(t *testing.T) {
	dir := t.TempDir()
	for _, n := range []string{"a.json", "b.json", "c.json"} {
		writeAuthFile(t, dir, n, validRecord)
	}
	s := NewStore(dir)
	if err := s.Load(); err != nil {
		t.Fatal(err)
	}

	var order []string
	for i := 0; i < 4; i++ {
		order = append(order, s.Rotate(config.GroupClaude, nil).Key)
	}
	want := []string{"a.json", "b.json", "c.json", "a.json"}
	for i := range want {
		if order[i] != want[i] {
			t.Fatalf("rotation order %v, want %v", order, want)
		}
	}

	// A different group keeps its own cursor.
	if got := s.Rotate(config.GroupGemini, nil).Key; got != "a.json" {
		t.Errorf("gemini cursor advanced with claude picks: got %q", got)
	}

	// Exclusions are skipped without losing the cursor.
	got := s.Rotate(config.GroupClaude, map[string]bool{"b.json": true})
	if got.Key != "c.json" {
		t.Errorf("Rotate with exclusion = %q, want c.json", got.Key)
	}

	// Everything excluded.
	all := map[string]bool{"a.json": true, "b.json": true, "c.json": true}
	if got := s.Rotate(config.GroupClaude, all); got != nil {
		t.Errorf("Rotate with all excluded = %v, want nil", got.Key)
	}
}

func TestStoreDeleteFixesCursor(t *testing.T) {
	dir := t.TempDir()
	for _, n := range []string{"a.json", "b.json", "c.json"} {
		writeAuthFile(t, dir, n, validRecord)
	}
	s := NewStore(dir)
	if err := s.Load(); err != nil {
		t.Fatal(err)
	}

	// Advance the cursor past a.json and b.json.
	s.Rotate(config.GroupClaude, nil)
	s.Rotate(config.GroupClaude, nil)

	// Deleting an account before the cursor must not skip c.json.
	if err := s.Delete("a.json"); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	if got := s.Rotate(config.GroupClaude, nil).Key; got != "c.json" {
		t.Errorf("next after delete = %q, want c.json", got)
	}
	if _, err := os.Stat(filepath.Join(dir, "a.json")); !os.IsNotExist(err) {
		t.Error("deleted credential file still present")
	}
}

func TestStoreDeleteTailClampsCursor(t *testing.T) {
	dir := t.TempDir()
	for _, n := range []string{"a.json", "b.json", "c.json"} {
		writeAuthFile(t, dir, n, validRecord)
	}
	s := NewStore(dir)
	if err := s.Load(); err != nil {
		t.Fatal(err)
	}

	// Park the cursor on the tail element.
	s.Rotate(config.GroupClaude, nil)
	s.Rotate(config.GroupClaude, nil)

	// Deleting the tail clamps the cursor to the new tail, not to the head.
	if err := s.Delete("c.json"); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	if got := s.Rotate(config.GroupClaude, nil).Key; got != "b.json" {
		t.Errorf("next after tail delete = %q, want b.json", got)
	}
}

func TestSynthesizeProjectIDShape(t *testing.T) {
	re := regexp.MustCompile(`^[a-z]+-[a-z]+-[0-9a-z]{5}$`)
	for i := 0; i < 20; i++ {
		if id := SynthesizeProjectID(); !re.MatchString(id) {
			t.Fatalf("synthesized id %q does not match <adj>-<noun>-<5 base36>", id)
		}
	}
}
