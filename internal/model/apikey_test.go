package model

import (
	"testing"
	"time"
)

func TestMaskSecret(t *testing.T) {
	tests := []struct {
		name   string
		secret string
		want   string
	}{
		{
			name:   "issued secret",
			secret: "rfsk_ABCDEFGHIJKLMNOPQRSTUVWXYZabcdefghijklmnopqrstuv",
			want:   "rfsk_ABCDEFGHIJ...stuv",
		},
		{name: "exactly twenty", secret: "abcdefghijklmnopqrst", want: "abcdefghijklmno...qrst"},
		{name: "nineteen chars", secret: "abcdefghijklmnopqrs", want: "..."},
		{name: "empty", secret: "", want: "..."},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := MaskSecret(tt.secret); got != tt.want {
				t.Errorf("MaskSecret(%q) = %q, want %q", tt.secret, got, tt.want)
			}
		})
	}
}

func TestMaskedDoesNotAlias(t *testing.T) {
	used := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	k := APIKey{ID: "1", Secret: "rfsk_0123456789abcdefghijklmnop", LastUsedAt: &used}

	m := k.Masked()
	if m.Secret == k.Secret {
		t.Fatalf("expected masked secret, got %q", m.Secret)
	}
	*m.LastUsedAt = m.LastUsedAt.Add(time.Hour)
	if !k.LastUsedAt.Equal(used) {
		t.Fatalf("masking aliased LastUsedAt: %v", *k.LastUsedAt)
	}
}

func TestCollectionLookups(t *testing.T) {
	c := Collection{
		{ID: "a", Secret: "s-a"},
		{ID: "b", Secret: "s-b"},
	}
	if got := c.IndexByID("b"); got != 1 {
		t.Errorf("IndexByID(b) = %d, want 1", got)
	}
	if got := c.IndexByID("zz"); got != -1 {
		t.Errorf("IndexByID(zz) = %d, want -1", got)
	}
	if got := c.IndexBySecret("s-a"); got != 0 {
		t.Errorf("IndexBySecret(s-a) = %d, want 0", got)
	}

	clone := c.Clone()
	clone[0].Name = "changed"
	if c[0].Name != "" {
		t.Error("Clone aliased the original collection")
	}
}
