package redis

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/rueidis"
)

// releaseScript deletes the lease only if this owner still holds it.
var releaseScript = rueidis.NewLuaScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

// Leaser hands out per-transaction leases stored in Redis with SET NX PX.
// Each Leaser instance has its own owner token.
type Leaser struct {
	client rueidis.Client
	owner  string
	config LeaserConfig
}

// LeaserConfig configures the Redis connection and key layout.
type LeaserConfig struct {
	// Addr is the Redis server address for single node mode
	Addr string
	// ClusterAddrs enables cluster mode when set
	ClusterAddrs []string
	Username     string
	Password     string
	DB           int
	KeyPrefix    string
	DialTimeout  time.Duration
	WriteTimeout time.Duration
}

// DefaultLeaserConfig returns a single-node configuration on localhost.
func DefaultLeaserConfig() LeaserConfig {
	return LeaserConfig{
		Addr:         "localhost:6379",
		KeyPrefix:    "ledger:lease:",
		DialTimeout:  5 * time.Second,
		WriteTimeout: 3 * time.Second,
	}
}

// NewLeaser connects to Redis and verifies the connection.
func NewLeaser(config LeaserConfig) (*Leaser, error) {
	var initAddress []string
	if len(config.ClusterAddrs) > 0 {
		initAddress = config.ClusterAddrs
	} else if config.Addr != "" {
		initAddress = []string{config.Addr}
	} else {
		return nil, fmt.Errorf("redis: no addresses configured (set Addr or ClusterAddrs)")
	}
	if config.DialTimeout <= 0 {
		config.DialTimeout = 5 * time.Second
	}

	client, err := rueidis.NewClient(rueidis.ClientOption{
		InitAddress:      initAddress,
		Username:         config.Username,
		Password:         config.Password,
		SelectDB:         config.DB,
		ConnWriteTimeout: config.WriteTimeout,
	})
	if err != nil {
		return nil, fmt.Errorf("redis: failed to create client: %w", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), config.DialTimeout)
	defer cancel()

	if err := client.Do(ctx, client.B().Ping().Build()).Error(); err != nil {
		client.Close()
		return nil, fmt.Errorf("redis: failed to ping server: %w", err)
	}

	return NewLeaserWithClient(client, config), nil
}

// NewLeaserWithClient builds a leaser on an existing client.
func NewLeaserWithClient(client rueidis.Client, config LeaserConfig) *Leaser {
	return &Leaser{
		client: client,
		owner:  uuid.NewString(),
		config: config,
	}
}

func (l *Leaser) key(id string) string {
	return l.config.KeyPrefix + id
}

// Acquire claims id for ttl. It returns false if another owner holds it.
func (l *Leaser) Acquire(ctx context.Context, id string, ttl time.Duration) (bool, error) {
	cmd := l.client.B().Set().Key(l.key(id)).Value(l.owner).Nx().PxMilliseconds(ttl.Milliseconds()).Build()
	if err := l.client.Do(ctx, cmd).Error(); err != nil {
		if rueidis.IsRedisNil(err) {
			return false, nil
		}
		return false, fmt.Errorf("redis lease acquire: %w", err)
	}
	return true, nil
}

// Release gives up id if this owner still holds it.
func (l *Leaser) Release(ctx context.Context, id string) error {
	if err := releaseScript.Exec(ctx, l.client, []string{l.key(id)}, []string{l.owner}).Error(); err != nil {
		return fmt.Errorf("redis lease release: %w", err)
	}
	return nil
}

// Ping checks the connection.
func (l *Leaser) Ping(ctx context.Context) error {
	return l.client.Do(ctx, l.client.B().Ping().Build()).Error()
}

// Close closes the client.
func (l *Leaser) Close() error {
	l.client.Close()
	return nil
}
