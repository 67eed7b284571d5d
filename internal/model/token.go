package model

import "time"

// Token is an access/refresh token pair issued by the identity provider.
// ExpiresAt always belongs to the access token it was issued with and is
// never rewritten independently.
type Token struct {
	AccessToken  string    `json:"accessToken"`
	RefreshToken string    `json:"refreshToken"`
	ExpiresAt    time.Time `json:"expiresAt"`
}

// Expired reports whether the access token is past its expiry, shrunk by
// the given safety margin.
func (t *Token) Expired(margin time.Duration) bool {
	if t == nil || t.ExpiresAt.IsZero() {
		return true
	}
	return !time.Now().Before(t.ExpiresAt.Add(-margin))
}

// Usable reports whether the pair carries enough material to authenticate.
func (t *Token) Usable() bool {
	return t != nil && t.AccessToken != "" && t.RefreshToken != ""
}
