package store

import (
	"context"
	"fmt"

	"squadron/internal/domain"
	"squadron/internal/infra/config"
)

// Open builds the store selected by cfg.Type, encrypting turn content when
// a passphrase is set.
func Open(ctx context.Context, cfg config.StoreConfig) (domain.ConversationStore, error) {
	var (
		s   domain.ConversationStore
		err error
	)
	switch cfg.Type {
	case "", "memory":
		s = NewMemoryStore()
	case "sqlite":
		s, err = OpenSQLite(cfg.Path)
	case "redis":
		s, err = OpenRedis(ctx, cfg.Redis)
	default:
		return nil, fmt.Errorf("%w: unknown store type %q", domain.ErrConfigLoad, cfg.Type)
	}
	if err != nil {
		return nil, err
	}
	if cfg.Passphrase == "" {
		return s, nil
	}
	enc, err := NewEncryptedStore(s, cfg.Passphrase)
	if err != nil {
		_ = s.Close()
		return nil, err
	}
	return enc, nil
}
