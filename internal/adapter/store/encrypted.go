package store

import (
	"context"
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"
	"time"

	"golang.org/x/crypto/argon2"

	"squadron/internal/domain"
)

const (
	encPrefix = "enc:"
	saltSize  = 16
)

var errNoPurge = errors.New("store cannot purge")

// contentCipher seals strings with AES-256-GCM under a key derived from a
// passphrase with Argon2id. Each sealed value carries its salt, so values
// written under an earlier salt stay readable after a restart.
type contentCipher struct {
	passphrase []byte
	salt       []byte
	gcm        cipher.AEAD

	mu   sync.Mutex
	keys map[string]cipher.AEAD // by salt, for values sealed by other instances
}

func newContentCipher(passphrase string) (*contentCipher, error) {
	if passphrase == "" {
		return nil, errors.New("passphrase must not be empty")
	}
	salt := make([]byte, saltSize)
	if _, err := io.ReadFull(rand.Reader, salt); err != nil {
		return nil, fmt.Errorf("generate salt: %w", err)
	}
	c := &contentCipher{passphrase: []byte(passphrase), salt: salt, keys: map[string]cipher.AEAD{}}
	gcm, err := c.aead(salt)
	if err != nil {
		return nil, err
	}
	c.gcm = gcm
	return c, nil
}

func (c *contentCipher) aead(salt []byte) (cipher.AEAD, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if g, ok := c.keys[string(salt)]; ok {
		return g, nil
	}
	key := argon2.IDKey(c.passphrase, salt, 1, 64*1024, 4, 32)
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("create cipher: %w", err)
	}
	g, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("create gcm: %w", err)
	}
	c.keys[string(salt)] = g
	return g, nil
}

// seal returns "enc:" + base64(salt | nonce | ciphertext).
func (c *contentCipher) seal(plaintext string) (string, error) {
	nonce := make([]byte, c.gcm.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return "", fmt.Errorf("generate nonce: %w", err)
	}
	out := make([]byte, 0, saltSize+len(nonce)+len(plaintext)+c.gcm.Overhead())
	out = append(out, c.salt...)
	out = append(out, nonce...)
	out = c.gcm.Seal(out, nonce, []byte(plaintext), nil)
	return encPrefix + base64.StdEncoding.EncodeToString(out), nil
}

// open reverses seal. Values without the prefix pass through unchanged.
func (c *contentCipher) open(s string) (string, error) {
	if !strings.HasPrefix(s, encPrefix) {
		return s, nil
	}
	data, err := base64.StdEncoding.DecodeString(strings.TrimPrefix(s, encPrefix))
	if err != nil {
		return "", fmt.Errorf("base64 decode: %w", err)
	}
	if len(data) < saltSize {
		return "", errors.New("ciphertext too short")
	}
	g, err := c.aead(data[:saltSize])
	if err != nil {
		return "", err
	}
	data = data[saltSize:]
	if len(data) < g.NonceSize() {
		return "", errors.New("ciphertext too short")
	}
	plain, err := g.Open(nil, data[:g.NonceSize()], data[g.NonceSize():], nil)
	if err != nil {
		return "", fmt.Errorf("decrypt: %w", err)
	}
	return string(plain), nil
}

// EncryptedStore encrypts turn content before it reaches the inner store.
// Session ids, agent ids and timestamps stay in the clear.
type EncryptedStore struct {
	inner  domain.ConversationStore
	cipher *contentCipher
}

// NewEncryptedStore wraps inner.
func NewEncryptedStore(inner domain.ConversationStore, passphrase string) (*EncryptedStore, error) {
	c, err := newContentCipher(passphrase)
	if err != nil {
		return nil, err
	}
	return &EncryptedStore{inner: inner, cipher: c}, nil
}

// Load implements domain.ConversationStore.
func (s *EncryptedStore) Load(ctx context.Context, sessionID string) (*domain.SessionRecord, error) {
	rec, err := s.inner.Load(ctx, sessionID)
	if err != nil || rec == nil {
		return rec, err
	}
	for i := range rec.Turns {
		if rec.Turns[i].Content, err = s.cipher.open(rec.Turns[i].Content); err != nil {
			return nil, fmt.Errorf("session %s turn %d: %w", sessionID, i, err)
		}
	}
	return rec, nil
}

// Save implements domain.ConversationStore. rec is not modified.
func (s *EncryptedStore) Save(ctx context.Context, rec *domain.SessionRecord) error {
	if rec == nil {
		return s.inner.Save(ctx, rec)
	}
	sealed := *rec
	sealed.Turns = make([]domain.Turn, len(rec.Turns))
	for i, t := range rec.Turns {
		var err error
		if t.Content, err = s.cipher.seal(t.Content); err != nil {
			return err
		}
		sealed.Turns[i] = t
	}
	return s.inner.Save(ctx, &sealed)
}

// Delete implements domain.ConversationStore.
func (s *EncryptedStore) Delete(ctx context.Context, sessionID string) error {
	return s.inner.Delete(ctx, sessionID)
}

// Close implements domain.ConversationStore.
func (s *EncryptedStore) Close() error { return s.inner.Close() }

// PurgeBefore forwards to the inner store when it supports purging.
func (s *EncryptedStore) PurgeBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	p, ok := s.inner.(interface {
		PurgeBefore(context.Context, time.Time) (int64, error)
	})
	if !ok {
		return 0, errNoPurge
	}
	return p.PurgeBefore(ctx, cutoff)
}

var _ domain.ConversationStore = (*EncryptedStore)(nil)
