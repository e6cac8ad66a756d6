package config

import (
	"encoding/json"
	"fmt"
	"os"
	"strconv"
	"sync"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/lsm/target-api/internal/auth"
	"github.com/lsm/target-api/internal/state"
)

// Keys the credential is persisted under.
const (
	KeyAccessToken  = "access_token"
	KeyRefreshToken = "refresh_token"
	KeyExpiresIn    = "expires_in"
)

// CredentialFile writes refreshed credentials back into the config file,
// keeping every other key. expires_in holds the absolute expiry in epoch
// seconds. It implements auth.Persister.
type CredentialFile struct {
	Path string

	mu sync.Mutex
}

// SaveCredential rewrites the credential keys of the file atomically.
func (f *CredentialFile) SaveCredential(c auth.Credential) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	doc, err := readDocument(f.Path)
	if err != nil {
		return err
	}
	doc[KeyAccessToken] = c.Value
	if c.RefreshToken != "" {
		doc[KeyRefreshToken] = c.RefreshToken
	}
	doc[KeyExpiresIn] = c.ExpiresAt().Unix()

	data, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		return fmt.Errorf("encode config: %w", err)
	}
	perm := os.FileMode(0o600)
	if info, err := os.Stat(f.Path); err == nil {
		perm = info.Mode().Perm()
	}
	return state.WriteFileAtomic(f.Path, append(data, '\n'), perm)
}

// ReadCredential reads the persisted credential, as seen at now. ok is false
// when the file holds no access token.
func ReadCredential(path string, now time.Time) (c auth.Credential, ok bool, err error) {
	doc, err := readDocument(path)
	if err != nil {
		return auth.Credential{}, false, err
	}
	token, _ := doc[KeyAccessToken].(string)
	if token == "" {
		return auth.Credential{}, false, nil
	}
	refresh, _ := doc[KeyRefreshToken].(string)
	expires, err := epochSeconds(doc[KeyExpiresIn])
	if err != nil {
		return auth.Credential{}, false, fmt.Errorf("%s: %w", KeyExpiresIn, err)
	}
	return auth.CredentialFromExpiry(token, refresh, time.Unix(expires, 0), now), true, nil
}

// readDocument parses the config file (JSON is read as YAML).
func readDocument(path string) (map[string]any, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config %s: %w", path, err)
	}
	doc := make(map[string]any)
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("parse config %s: %w", path, err)
	}
	if doc == nil {
		doc = make(map[string]any)
	}
	return doc, nil
}

func epochSeconds(v any) (int64, error) {
	switch n := v.(type) {
	case nil:
		return 0, nil
	case int:
		return int64(n), nil
	case int64:
		return n, nil
	case uint64:
		return int64(n), nil
	case float64:
		return int64(n), nil
	case string:
		return strconv.ParseInt(n, 10, 64)
	default:
		return 0, fmt.Errorf("unexpected type %T", v)
	}
}
