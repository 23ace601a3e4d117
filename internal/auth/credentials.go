// Package auth manages the OAuth account pool: credential files, proactive
// token refresh and per-group rotation.
package auth

import (
	"errors"
	"sync"
	"time"
)

// Domain errors surfaced to the dispatcher.
var (
	ErrNoAccounts         = errors.New("no accounts available")
	ErrAccountNotEligible = errors.New("account is not eligible")
)

// Credentials mirrors one file under the auth directory.
type Credentials struct {
	AccessToken  string `json:"accessToken"`
	RefreshToken string `json:"refreshToken"`
	ExpiryMs     int64  `json:"expiryMs"`
	TokenType    string `json:"tokenType,omitempty"`
	Scope        string `json:"scope,omitempty"`
	Email        string `json:"email,omitempty"`
	ProjectID    string `json:"projectId,omitempty"`
}

// Usable reports whether the record has the full OAuth shape: both tokens
// plus at least one of tokenType or scope. Files failing this check are
// skipped at load time.
func (c *Credentials) Usable() bool {
	return c.AccessToken != "" && c.RefreshToken != "" &&
		(c.TokenType != "" || c.Scope != "")
}

// ExpiredAt reports whether the access token is stale at the given time.
// A missing token counts as expired.
func (c *Credentials) ExpiredAt(now time.Time) bool {
	return c.AccessToken == "" || now.UnixMilli() >= c.ExpiryMs
}

// Account is one pool member. Credential fields are guarded by the mutex;
// FilePath and Key change only when Store.Add renames the backing file.
type Account struct {
	FilePath string
	Key      string // file base name, unique within the pool

	mu    sync.RWMutex
	creds Credentials
}

// Credentials returns a copy of the current credential record.
func (a *Account) Credentials() Credentials {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.creds
}

// SetCredentials replaces the credential record.
func (a *Account) SetCredentials(c Credentials) {
	a.mu.Lock()
	a.creds = c
	a.mu.Unlock()
}

// UpdateToken installs a refreshed access token. A rotated refresh token
// replaces the stored one; an empty rotation keeps it.
func (a *Account) UpdateToken(accessToken string, expiryMs int64, refreshToken string) {
	a.mu.Lock()
	a.creds.AccessToken = accessToken
	a.creds.ExpiryMs = expiryMs
	if refreshToken != "" {
		a.creds.RefreshToken = refreshToken
	}
	a.mu.Unlock()
}

// SetProjectID records the resolved project id.
func (a *Account) SetProjectID(projectID string) {
	a.mu.Lock()
	a.creds.ProjectID = projectID
	a.mu.Unlock()
}

// Label returns the e-mail when known, otherwise the file name.
func (a *Account) Label() string {
	c := a.Credentials()
	if c.Email != "" {
		return c.Email
	}
	return a.Key
}
