package objstore

import (
	"context"
	"fmt"

	cfgpkg "github.com/rzbill/relay/internal/config"
	pebblestore "github.com/rzbill/relay/internal/storage/pebble"
)

// Open builds the Store selected by cfg. The local kind shares db.
func Open(ctx context.Context, cfg cfgpkg.ObjectStore, db *pebblestore.DB) (Store, error) {
	switch cfg.Kind {
	case "", "local":
		return NewLocal(db), nil
	case "dynamodb":
		return NewDynamo(ctx, cfg.DynamoTable, cfg.DynamoRegion, cfg.DynamoEndpoint)
	case "redis":
		return NewRedis(cfg.RedisAddr, cfg.RedisPassword, cfg.RedisDB, cfg.RedisPrefix), nil
	default:
		return nil, fmt.Errorf("objstore: unknown kind %q", cfg.Kind)
	}
}
