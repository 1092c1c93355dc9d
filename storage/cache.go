package storage

import (
	"context"
	"strconv"
	"sync"
	"time"

	"github.com/aws/aws-sdk-go/aws"
	"github.com/aws/aws-sdk-go/aws/session"
	"github.com/aws/aws-sdk-go/service/dynamodb"
	"github.com/aws/aws-sdk-go/service/dynamodb/dynamodbattribute"
	"github.com/pkg/errors"
	"github.com/redis/go-redis/v9"
	log "github.com/sirupsen/logrus"
)

// Cache is the small cross-invocation key-value store.
type Cache interface {
	Get(ctx context.Context, key string) (value string, found bool, err error)
	Put(ctx context.Context, key, value string, ttl time.Duration) error
}

// GetOrCompute returns the cached value for key, or computes, stores and
// returns it. A failing cache write is logged and does not fail the call.
func GetOrCompute(ctx context.Context, c Cache, key string, ttl time.Duration, compute func() (string, error)) (string, error) {
	value, found, err := c.Get(ctx, key)
	if err != nil {
		log.WithError(err).WithField("key", key).Warn("cache read failed, computing")
	} else if found {
		return value, nil
	}

	value, err = compute()
	if err != nil {
		return "", err
	}
	if err := c.Put(ctx, key, value, ttl); err != nil {
		log.WithError(err).WithField("key", key).Warn("cache write failed")
	}
	return value, nil
}

type dynamoItem struct {
	Key   string `dynamodbav:"Key"`
	Value string `dynamodbav:"Value"`
	TTL   int64  `dynamodbav:"ttl"`
}

// DynamoDBCache stores entries in a table keyed by "Key" with a numeric
// "ttl" attribute. Expired items are filtered on read because DynamoDB
// deletes them lazily.
type DynamoDBCache struct {
	svc   *dynamodb.DynamoDB
	table string
	now   func() time.Time
}

func NewDynamoDBCache(sess *session.Session, endpoint, table string) *DynamoDBCache {
	cfg := aws.NewConfig()
	if endpoint != "" {
		cfg = cfg.WithEndpoint(endpoint)
	}
	return &DynamoDBCache{svc: dynamodb.New(sess, cfg), table: table, now: time.Now}
}

func (c *DynamoDBCache) Get(ctx context.Context, key string) (string, bool, error) {
	out, err := c.svc.GetItemWithContext(ctx, &dynamodb.GetItemInput{
		TableName:      aws.String(c.table),
		ConsistentRead: aws.Bool(true),
		Key: map[string]*dynamodb.AttributeValue{
			"Key": {S: aws.String(key)},
		},
	})
	if err != nil {
		return "", false, errors.Wrapf(err, "unable to get %s from %s", key, c.table)
	}
	if len(out.Item) == 0 {
		return "", false, nil
	}
	var item dynamoItem
	if err := dynamodbattribute.UnmarshalMap(out.Item, &item); err != nil {
		return "", false, errors.Wrap(err, "malformed cache item")
	}
	if item.TTL > 0 && item.TTL <= c.now().Unix() {
		return "", false, nil
	}
	return item.Value, true, nil
}

func (c *DynamoDBCache) Put(ctx context.Context, key, value string, ttl time.Duration) error {
	item, err := dynamodbattribute.MarshalMap(dynamoItem{
		Key:   key,
		Value: value,
		TTL:   c.now().Add(ttl).Unix(),
	})
	if err != nil {
		return err
	}
	_, err = c.svc.PutItemWithContext(ctx, &dynamodb.PutItemInput{
		TableName: aws.String(c.table),
		Item:      item,
	})
	return errors.Wrapf(err, "unable to put %s into %s", key, c.table)
}

type RedisCache struct {
	client *redis.Client
}

func NewRedisCache(redisURL string) (*RedisCache, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, errors.Wrap(err, "invalid REDIS_URL")
	}
	return &RedisCache{client: redis.NewClient(opts)}, nil
}

func (c *RedisCache) Get(ctx context.Context, key string) (string, bool, error) {
	value, err := c.client.Get(ctx, key).Result()
	if err == redis.Nil {
		return "", false, nil
	}
	if err != nil {
		return "", false, errors.Wrapf(err, "unable to get %s", key)
	}
	return value, true, nil
}

func (c *RedisCache) Put(ctx context.Context, key, value string, ttl time.Duration) error {
	return errors.Wrapf(c.client.Set(ctx, key, value, ttl).Err(), "unable to set %s", key)
}

// MemoryCache is a process-local cache for standalone runs and tests.
type MemoryCache struct {
	mu      sync.Mutex
	entries map[string]memoryEntry
	now     func() time.Time
}

type memoryEntry struct {
	value   string
	expires time.Time
}

func NewMemoryCache() *MemoryCache {
	return &MemoryCache{entries: make(map[string]memoryEntry), now: time.Now}
}

// SetClock replaces the time source.
func (c *MemoryCache) SetClock(now func() time.Time) {
	c.mu.Lock()
	c.now = now
	c.mu.Unlock()
}

func (c *MemoryCache) Get(_ context.Context, key string) (string, bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.entries[key]
	if !ok || !c.now().Before(e.expires) {
		return "", false, nil
	}
	return e.value, true, nil
}

func (c *MemoryCache) Put(_ context.Context, key, value string, ttl time.Duration) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries[key] = memoryEntry{value: value, expires: c.now().Add(ttl)}
	return nil
}

// FormatBool and ParseBool encode cached flags.
func FormatBool(b bool) string { return strconv.FormatBool(b) }

func ParseBool(s string) (bool, error) { return strconv.ParseBool(s) }
