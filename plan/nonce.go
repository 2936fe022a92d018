package plan

import (
	"fmt"
	"time"

	"github.com/go-redis/redis/v7"
)

const nonceTTL = time.Hour * 24

// NonceStore remembers which provisioning nonces already produced a charge
// scheme. The processor-side idempotency key is the actual duplicate guard;
// the store makes duplicate submissions observable across processes.
type NonceStore struct {
	redis redis.UniversalClient
}

// NewNonceStore returns a NonceStore backed by Redis
func NewNonceStore(redisClient redis.UniversalClient) (*NonceStore, error) {
	if redisClient == nil {
		return nil, fmt.Errorf("nil redisClient is invalid")
	}
	return &NonceStore{
		redis: redisClient,
	}, nil
}

func nonceKey(customerID, nonce string) string {
	return fmt.Sprintf("plan:nonce:%s:%s", customerID, nonce)
}

// Lookup returns the subscription ID previously recorded under the nonce, if any
func (n *NonceStore) Lookup(customerID, nonce string) (string, error) {
	val, err := n.redis.Get(nonceKey(customerID, nonce)).Result()
	if err == redis.Nil {
		return "", nil
	}
	if err != nil {
		return "", err
	}
	return val, nil
}

// Record stores nonce -> subscription so later duplicates can be flagged
func (n *NonceStore) Record(customerID, nonce, subscriptionID string) error {
	return n.redis.Set(nonceKey(customerID, nonce), subscriptionID, nonceTTL).Err()
}
