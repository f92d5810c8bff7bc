package vault

import (
	"crypto/sha256"
	"encoding/hex"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestNormalizeHostname(t *testing.T) {
	tests := []struct {
		in, want string
	}{
		{"https://www.Example.com/login?x=1", "example.com"},
		{"http://evil.example:8080/path", "evil.example"},
		{"WWW.paypal-secure.example", "paypal-secure.example"},
		{"www.example.com/some/path", "example.com"},
		{"example.com:443", "example.com"},
		{"  Mixed.Example  ", "mixed.example"},
		{"https://user:pw@www.host.example:9000/", "host.example"},
		{"sub.www.example.com", "sub.www.example.com"},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			assert.Equal(t, tt.want, NormalizeHostname(tt.in))
		})
	}
}

func TestHashHostname(t *testing.T) {
	sum := sha256.Sum256([]byte("example.com"))
	want := hex.EncodeToString(sum[:])

	assert.Equal(t, want, HashHostname("https://www.example.com/a"))
	assert.Equal(t, want, HashHostname("example.com"))
	assert.True(t, ValidHash(want))
}

func TestValidHash(t *testing.T) {
	assert.False(t, ValidHash("abc"))
	assert.False(t, ValidHash("zz"+HashHostname("x")[2:]))
}
