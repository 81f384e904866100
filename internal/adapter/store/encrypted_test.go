package store

import (
	"context"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"squadron/internal/infra/config"
)

func TestEncryptedStore(t *testing.T) {
	s, err := NewEncryptedStore(NewMemoryStore(), "correct horse")
	require.NoError(t, err)
	storeContract(t, s)
}

func TestEncryptedStoreSealsContent(t *testing.T) {
	inner := NewMemoryStore()
	s, err := NewEncryptedStore(inner, "correct horse")
	require.NoError(t, err)
	ctx := context.Background()

	rec := sampleRecord("s1", time.Now())
	require.NoError(t, s.Save(ctx, rec))
	assert.Equal(t, "weather in Paris?", rec.Turns[0].Content, "caller's record is untouched")

	raw, err := inner.Load(ctx, "s1")
	require.NoError(t, err)
	for _, turn := range raw.Turns {
		assert.True(t, strings.HasPrefix(turn.Content, encPrefix))
		assert.NotContains(t, turn.Content, "Paris")
	}
	assert.Equal(t, "weather", raw.LastSelectedAgentID)
}

func TestEncryptedStoreReadsAcrossRestarts(t *testing.T) {
	path := filepath.Join(t.TempDir(), "sessions.db")
	ctx := context.Background()
	cfg := config.StoreConfig{Type: "sqlite", Path: path, Passphrase: "correct horse"}

	s, err := Open(ctx, cfg)
	require.NoError(t, err)
	require.NoError(t, s.Save(ctx, sampleRecord("keep", time.Now())))
	require.NoError(t, s.Close())

	// A new instance derives a new salt but still opens old values.
	s, err = Open(ctx, cfg)
	require.NoError(t, err)
	defer s.Close()
	got, err := s.Load(ctx, "keep")
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, "Sunny.", got.Turns[1].Content)
}

func TestEncryptedStoreWrongPassphrase(t *testing.T) {
	inner := NewMemoryStore()
	ctx := context.Background()
	a, err := NewEncryptedStore(inner, "one")
	require.NoError(t, err)
	require.NoError(t, a.Save(ctx, sampleRecord("s1", time.Now())))

	b, err := NewEncryptedStore(inner, "two")
	require.NoError(t, err)
	_, err = b.Load(ctx, "s1")
	assert.ErrorContains(t, err, "decrypt")
}

func TestEncryptedStorePlaintextPassthrough(t *testing.T) {
	inner := NewMemoryStore()
	ctx := context.Background()
	require.NoError(t, inner.Save(ctx, sampleRecord("legacy", time.Now())))

	s, err := NewEncryptedStore(inner, "correct horse")
	require.NoError(t, err)
	got, err := s.Load(ctx, "legacy")
	require.NoError(t, err)
	assert.Equal(t, "weather in Paris?", got.Turns[0].Content)
}

func TestEncryptedStorePurge(t *testing.T) {
	ctx := context.Background()
	sq, err := OpenSQLite(filepath.Join(t.TempDir(), "sessions.db"))
	require.NoError(t, err)
	s, err := NewEncryptedStore(sq, "correct horse")
	require.NoError(t, err)
	defer s.Close()

	require.NoError(t, s.Save(ctx, sampleRecord("old", time.Now().Add(-48*time.Hour))))
	n, err := s.PurgeBefore(ctx, time.Now().Add(-time.Hour))
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	m, err := NewEncryptedStore(NewMemoryStore(), "correct horse")
	require.NoError(t, err)
	_, err = m.PurgeBefore(ctx, time.Now())
	assert.ErrorIs(t, err, errNoPurge)
}

func TestNewEncryptedStoreNeedsPassphrase(t *testing.T) {
	_, err := NewEncryptedStore(NewMemoryStore(), "")
	assert.Error(t, err)
}
