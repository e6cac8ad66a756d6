package auth

import "time"

// SafetyMargin is the remaining lifetime under which a credential is no longer used.
const SafetyMargin = 120 * time.Second

// Credential is an access token with its lifetime. It is replaced wholesale
// on refresh and never mutated in place.
type Credential struct {
	Value        string
	RefreshToken string
	IssuedAt     time.Time
	TTL          time.Duration
}

// CredentialFromExpiry rebuilds a credential persisted as an absolute expiry.
func CredentialFromExpiry(value, refreshToken string, expiresAt, now time.Time) Credential {
	ttl := expiresAt.Sub(now)
	if ttl < 0 {
		ttl = 0
	}
	return Credential{Value: value, RefreshToken: refreshToken, IssuedAt: now, TTL: ttl}
}

// ExpiresAt returns the instant the credential stops being accepted.
func (c Credential) ExpiresAt() time.Time {
	return c.IssuedAt.Add(c.TTL)
}

// Usable reports whether the credential can be sent at now: it must exist,
// have a lifetime, and keep at least SafetyMargin of it.
func (c Credential) Usable(now time.Time) bool {
	if c.Value == "" || c.TTL <= 0 {
		return false
	}
	return c.TTL-now.Sub(c.IssuedAt) >= SafetyMargin
}
