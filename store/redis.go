package store

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"time"

	redis "github.com/redis/go-redis/v9"

	"github.com/alimasry/go-delta/delta"
)

// RedisStore keeps each document in a hash and its op batches in a list,
// oldest first. A set indexes the document IDs.
type RedisStore struct {
	rdb    *redis.Client
	prefix string
}

// NewRedisStore creates a RedisStore whose keys start with "delta:".
func NewRedisStore(rdb *redis.Client) *RedisStore {
	return &RedisStore{rdb: rdb, prefix: "delta:"}
}

func (s *RedisStore) docKey(id string) string     { return s.prefix + "doc:" + id }
func (s *RedisStore) historyKey(id string) string { return s.prefix + "ops:" + id }
func (s *RedisStore) indexKey() string            { return s.prefix + "docs" }

// createScript writes the document hash and indexes it in one step.
// KEYS: doc hash, index set. ARGV: id, ops, now.
var createScript = redis.NewScript(`
if redis.call("EXISTS", KEYS[1]) == 1 then
	return 0
end
redis.call("HSET", KEYS[1], "ops", ARGV[2], "version", 0, "created_at", ARGV[3], "updated_at", ARGV[3])
redis.call("SADD", KEYS[2], ARGV[1])
return 1
`)

// appendScript pushes a batch only when it is the next one in the history.
// KEYS: doc hash, history list. ARGV: version, ops, now.
// Returns -1 when the document is missing, 0 when the batch is already
// stored, 1 when it was appended and -2 when it would leave a gap.
var appendScript = redis.NewScript(`
if redis.call("EXISTS", KEYS[1]) == 0 then
	return -1
end
local version = tonumber(ARGV[1])
local n = redis.call("LLEN", KEYS[2])
if version <= n then
	return 0
end
if version ~= n + 1 then
	return -2
end
redis.call("RPUSH", KEYS[2], ARGV[2])
redis.call("HSET", KEYS[1], "version", ARGV[1], "updated_at", ARGV[3])
return 1
`)

func (s *RedisStore) Create(ctx context.Context, id string, doc *delta.Document) error {
	data, err := encodeOps(cloneDoc(doc).Ops())
	if err != nil {
		return err
	}
	now := strconv.FormatInt(time.Now().UnixNano(), 10)
	created, err := createScript.Run(ctx, s.rdb, []string{s.docKey(id), s.indexKey()}, id, data, now).Int()
	if err != nil {
		return fmt.Errorf("create document: %w", err)
	}
	if created == 0 {
		return fmt.Errorf("document %q: %w", id, ErrExists)
	}
	return nil
}

func (s *RedisStore) Get(ctx context.Context, id string) (*DocumentInfo, error) {
	fields, err := s.rdb.HGetAll(ctx, s.docKey(id)).Result()
	if err != nil {
		return nil, err
	}
	if len(fields) == 0 {
		return nil, fmt.Errorf("document %q: %w", id, ErrNotFound)
	}
	return hashToDocInfo(id, fields)
}

func (s *RedisStore) List(ctx context.Context) ([]DocumentInfo, error) {
	ids, err := s.rdb.SMembers(ctx, s.indexKey()).Result()
	if err != nil {
		return nil, err
	}
	sort.Strings(ids)

	result := make([]DocumentInfo, 0, len(ids))
	for _, id := range ids {
		info, err := s.Get(ctx, id)
		if errors.Is(err, ErrNotFound) {
			continue
		}
		if err != nil {
			return nil, err
		}
		result = append(result, *info)
	}
	return result, nil
}

func (s *RedisStore) UpdateContent(ctx context.Context, id string, doc *delta.Document, version int) error {
	if err := s.requireDoc(ctx, id); err != nil {
		return err
	}
	data, err := encodeOps(cloneDoc(doc).Ops())
	if err != nil {
		return err
	}
	return s.rdb.HSet(ctx, s.docKey(id),
		"ops", data,
		"version", version,
		"updated_at", strconv.FormatInt(time.Now().UnixNano(), 10),
	).Err()
}

// AppendOperation stores ops as batch number version. Repeating an already
// stored version is a no-op, so a retried flush keeps the first copy.
func (s *RedisStore) AppendOperation(ctx context.Context, id string, ops []*delta.Op, version int) error {
	data, err := encodeOps(ops)
	if err != nil {
		return err
	}
	now := strconv.FormatInt(time.Now().UnixNano(), 10)
	res, err := appendScript.Run(ctx, s.rdb, []string{s.docKey(id), s.historyKey(id)}, version, data, now).Int()
	if err != nil {
		return fmt.Errorf("append op batch %d: %w", version, err)
	}
	switch res {
	case -1:
		return fmt.Errorf("document %q: %w", id, ErrNotFound)
	case -2:
		return fmt.Errorf("append op batch %d: history of %q is behind", version, id)
	}
	return nil
}

func (s *RedisStore) GetOperations(ctx context.Context, id string, fromVersion int) ([][]*delta.Op, error) {
	if err := s.requireDoc(ctx, id); err != nil {
		return nil, err
	}
	if fromVersion < 0 {
		return nil, fmt.Errorf("invalid version %d", fromVersion)
	}
	items, err := s.rdb.LRange(ctx, s.historyKey(id), int64(fromVersion), -1).Result()
	if err != nil && err != redis.Nil {
		return nil, err
	}
	history := make([][]*delta.Op, 0, len(items))
	for _, item := range items {
		ops, err := decodeOps(item)
		if err != nil {
			return nil, err
		}
		history = append(history, ops)
	}
	return history, nil
}

func (s *RedisStore) requireDoc(ctx context.Context, id string) error {
	n, err := s.rdb.Exists(ctx, s.docKey(id)).Result()
	if err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("document %q: %w", id, ErrNotFound)
	}
	return nil
}

func hashToDocInfo(id string, fields map[string]string) (*DocumentInfo, error) {
	ops, err := decodeOps(fields["ops"])
	if err != nil {
		return nil, fmt.Errorf("document %q: %w", id, err)
	}
	version, err := strconv.Atoi(fields["version"])
	if err != nil {
		return nil, fmt.Errorf("document %q: version: %w", id, err)
	}
	createdAt, err := strconv.ParseInt(fields["created_at"], 10, 64)
	if err != nil {
		return nil, fmt.Errorf("document %q: created_at: %w", id, err)
	}
	updatedAt, err := strconv.ParseInt(fields["updated_at"], 10, 64)
	if err != nil {
		return nil, fmt.Errorf("document %q: updated_at: %w", id, err)
	}
	return &DocumentInfo{
		ID:        id,
		Delta:     delta.New(ops),
		Version:   version,
		CreatedAt: time.Unix(0, createdAt),
		UpdatedAt: time.Unix(0, updatedAt),
	}, nil
}
