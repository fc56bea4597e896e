package monitor

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// Store remembers which (chain, txHash, logIndex) observations have already
// been applied to the ledger, so redelivered events are dropped before they
// reach it.
type Store interface {
	Seen(chain, txHash string, logIndex uint) (bool, error)

	MarkSeen(chain, txHash string, logIndex uint) error
}

type redisStore struct {
	client *redis.Client
}

func NewRedisStore(redisURL string) (Store, error) {
	parsedURL, err := url.Parse(redisURL)
	if err != nil {
		return nil, err
	}
	redisPassword, _ := parsedURL.User.Password()
	client := redis.NewClient(&redis.Options{
		Addr:     parsedURL.Host,
		Password: redisPassword,
		DB:       0, // Use default DB.
	})
	return redisStore{client: client}, nil
}

func (rs redisStore) Seen(chain, txHash string, logIndex uint) (bool, error) {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	ok, err := rs.client.Get(ctx, eventKey(chain, txHash, logIndex)).Bool()
	if errors.Is(err, redis.Nil) {
		return false, nil
	}
	return ok, err
}

func (rs redisStore) MarkSeen(chain, txHash string, logIndex uint) error {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	return rs.client.Set(ctx, eventKey(chain, txHash, logIndex), true, 0).Err()
}

func eventKey(chain, txHash string, logIndex uint) string {
	return fmt.Sprintf("%v-%v-%v", chain, txHash, logIndex)
}

type inMemStore struct {
	mu   *sync.Mutex
	seen map[string]struct{}
}

func NewInMemStore() Store {
	return inMemStore{
		mu:   new(sync.Mutex),
		seen: map[string]struct{}{},
	}
}

func (store inMemStore) Seen(chain, txHash string, logIndex uint) (bool, error) {
	store.mu.Lock()
	defer store.mu.Unlock()

	_, ok := store.seen[eventKey(chain, txHash, logIndex)]
	return ok, nil
}

func (store inMemStore) MarkSeen(chain, txHash string, logIndex uint) error {
	store.mu.Lock()
	defer store.mu.Unlock()

	store.seen[eventKey(chain, txHash, logIndex)] = struct{}{}
	return nil
}
