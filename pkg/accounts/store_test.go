package accounts

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStoreMissingFile(t *testing.T) {
	s := NewStore(filepath.Join(t.TempDir(), "none.json"))
	accs, err := s.Load()
	require.NoError(t, err)
	assert.Empty(t, accs)
}

func TestStorePlainRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "accounts.json")
	s := NewStore(path)

	added := time.Date(2024, 1, 2, 3, 4, 5, 0, time.UTC)
	require.NoError(t, s.Save([]Account{{
		Username: "alice",
		Password: "secret",
		Proxy:    "socks5://127.0.0.1:1080",
		AddedAt:  added,
		Status:   StatusActive,
	}}))

	raw, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Contains(t, string(raw), `"accounts"`)
	assert.Contains(t, string(raw), `"updated_at"`)
	assert.Contains(t, string(raw), `"secret"`)

	accs, err := s.Load()
	require.NoError(t, err)
	require.Len(t, accs, 1)
	assert.Equal(t, "secret", accs[0].Password)
	assert.True(t, added.Equal(accs[0].AddedAt))

	_, err = os.Stat(path + ".tmp")
	assert.True(t, os.IsNotExist(err))
}

func TestStoreSealsPasswords(t *testing.T) {
	path := filepath.Join(t.TempDir(), "accounts.json")
	s := NewStore(path, WithPassphrase("pool-pass"))

	require.NoError(t, s.Save([]Account{
		{Username: "alice", Password: "secret-a"},
		{Username: "bob", Password: "secret-b"},
	}))

	raw, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.NotContains(t, string(raw), "secret-a")
	assert.Equal(t, 2, strings.Count(string(raw), `"enc:`))

	accs, err := s.Load()
	require.NoError(t, err)
	assert.Equal(t, "secret-a", accs[0].Password)
	assert.Equal(t, "secret-b", accs[1].Password)
	assert.Equal(t, StatusActive, accs[0].Status)

	// a second save keeps the salt so a fresh store can still read it
	require.NoError(t, s.Save(accs))
	accs, err = NewStore(path, WithPassphrase("pool-pass")).Load()
	require.NoError(t, err)
	assert.Equal(t, "secret-b", accs[1].Password)
}

func TestStoreSealedWithoutPassphrase(t *testing.T) {
	path := filepath.Join(t.TempDir(), "accounts.json")
	require.NoError(t, NewStore(path, WithPassphrase("p")).Save([]Account{{Username: "alice", Password: "x"}}))

	_, err := NewStore(path).Load()
	assert.ErrorContains(t, err, "no passphrase")

	_, err = NewStore(path, WithPassphrase("wrong")).Load()
	assert.ErrorContains(t, err, "failed to unseal password")
}

func TestStoreCorruptFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "accounts.json")
	require.NoError(t, os.WriteFile(path, []byte("{not json"), 0600))

	_, err := NewStore(path).Load()
	assert.ErrorContains(t, err, "failed to parse accounts file")
}
