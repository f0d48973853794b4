// Package model holds the API key record and the collection type that the
// storage backends persist as a single unit.
package model

import "time"

// maskVisiblePrefix and maskVisibleSuffix are the number of secret characters
// left readable by Mask.
const (
	maskVisiblePrefix = 15
	maskVisibleSuffix = 4
	maskMarker        = "..."
)

// APIKey is one issued credential. JSON names match the persisted
// api-keys.json format, where the secret lives under "key".
type APIKey struct {
	ID          string     `json:"id"`
	Secret      string     `json:"key"`
	Name        string     `json:"name"`
	Description string     `json:"description"`
	CreatedAt   time.Time  `json:"createdAt"`
	LastUsedAt  *time.Time `json:"lastUsedAt"`
	UsageCount  int64      `json:"usageCount"`
	Active      bool       `json:"active"`
}

// Masked returns a copy of k whose secret is replaced by MaskSecret.
func (k APIKey) Masked() APIKey {
	k.Secret = MaskSecret(k.Secret)
	if k.LastUsedAt != nil {
		t := *k.LastUsedAt
		k.LastUsedAt = &t
	}
	return k
}

// Clone returns a deep copy of k.
func (k APIKey) Clone() APIKey {
	if k.LastUsedAt != nil {
		t := *k.LastUsedAt
		k.LastUsedAt = &t
	}
	return k
}

// MaskSecret keeps the first 15 and last 4 characters of secret and replaces
// the middle with "...". Secrets too short to leave anything hidden are
// reduced to the marker alone.
func MaskSecret(secret string) string {
	if len(secret) <= maskVisiblePrefix+maskVisibleSuffix {
		return maskMarker
	}
	return secret[:maskVisiblePrefix] + maskMarker + secret[len(secret)-maskVisibleSuffix:]
}

// Collection is the ordered set of keys, in creation order.
type Collection []APIKey

// IndexByID returns the position of the key with the given id, or -1.
func (c Collection) IndexByID(id string) int {
	for i := range c {
		if c[i].ID == id {
			return i
		}
	}
	return -1
}

// IndexBySecret returns the position of the key with the given secret, or -1.
func (c Collection) IndexBySecret(secret string) int {
	for i := range c {
		if c[i].Secret == secret {
			return i
		}
	}
	return -1
}

// Clone returns a deep copy so callers can mutate it without aliasing.
func (c Collection) Clone() Collection {
	out := make(Collection, len(c))
	for i := range c {
		out[i] = c[i].Clone()
	}
	return out
}
