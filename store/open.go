package store

import (
	"context"
	"fmt"

	"github.com/maxpert/changerelay/cfg"
)

// Open creates the backend selected by the configuration
func Open(ctx context.Context, c *cfg.Configuration) (Store, error) {
	switch c.Store.Backend {
	case cfg.StoreMemory:
		return NewMemoryStore(c.Store.SubBufferSize), nil
	case cfg.StorePebble:
		s, err := NewPebbleStore(c.DataDir, c.Store.SubBufferSize)
		if err != nil {
			return nil, err
		}
		s.StartSweeper(DefaultSweepInterval)
		return s, nil
	case cfg.StoreNATS:
		return NewNatsStore(ctx, c.Store.NatsURL, c.Store.KVBucket, c.Store.SubjectPrefix, c.Store.SubBufferSize)
	default:
		return nil, fmt.Errorf("unknown store backend %q", c.Store.Backend)
	}
}
