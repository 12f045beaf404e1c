// Package redis provides a Redis-backed Repository using go-redis. Each
// row lives under a prefixed string key holding its JSON payload, with a
// set per table indexing the member keys so scans avoid KEYS.
package redis

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/taskweave/taskweave/store"
)

// Repository implements store.Repository over Redis.
type Repository struct {
	spec   store.TableSpec
	client *redis.Client
	prefix string
	ttl    time.Duration
	poller *store.Poller
}

// Options configures the Redis connection.
type Options struct {
	Addr     string
	Password string
	DB       int
	// Prefix namespaces every key; default "taskweave:"
	Prefix string
	// TTL expires rows after the duration; zero keeps them forever
	TTL time.Duration
}

// New creates a Redis repository for the table.
func New(spec store.TableSpec, opts Options) (*Repository, error) {
	if err := spec.Validate(); err != nil {
		return nil, err
	}
	client := redis.NewClient(&redis.Options{
		Addr:     opts.Addr,
		Password: opts.Password,
		DB:       opts.DB,
	})
	prefix := opts.Prefix
	if prefix == "" {
		prefix = "taskweave:"
	}
	r := &Repository{spec: spec, client: client, prefix: prefix, ttl: opts.TTL}
	r.poller = store.NewPoller(spec, r.GetAll)
	return r, nil
}

// Spec implements store.Repository.
func (r *Repository) Spec() store.TableSpec { return r.spec }

// Close stops subscriptions and closes the client.
func (r *Repository) Close() error {
	r.poller.Close()
	return r.client.Close()
}

func (r *Repository) rowKey(ks string) string {
	return fmt.Sprintf("%s%s:row:%s", r.prefix, r.spec.Name, ks)
}

func (r *Repository) indexKey() string {
	return fmt.Sprintf("%s%s:keys", r.prefix, r.spec.Name)
}

// Put implements store.Repository.
func (r *Repository) Put(ctx context.Context, row store.Row) error {
	return r.putPipe(ctx, []store.Row{row})
}

// putIfScript checks the guard fields against the stored row and writes
// the replacement in one server-side step. Returns 1 on write, 0 when
// the row is missing or a guard field differs.
var putIfScript = redis.NewScript(`
local data = redis.call('GET', KEYS[1])
if not data then return 0 end
local current = cjson.decode(data)
local guard = cjson.decode(ARGV[2])
for field, want in pairs(guard) do
	if current[field] ~= want then return 0 end
end
if tonumber(ARGV[3]) > 0 then
	redis.call('SET', KEYS[1], ARGV[1], 'PX', ARGV[3])
else
	redis.call('SET', KEYS[1], ARGV[1])
end
return 1
`)

// PutIf implements store.Repository through a Lua script, so the guard
// check and the write execute atomically on the server.
func (r *Repository) PutIf(ctx context.Context, row store.Row, guard store.Row) (bool, error) {
	key, err := r.spec.KeyOf(row)
	if err != nil {
		return false, err
	}
	ks, err := r.spec.KeyString(key)
	if err != nil {
		return false, err
	}
	data, err := json.Marshal(row)
	if err != nil {
		return false, fmt.Errorf("store/redis: row not serialisable: %w", err)
	}
	guardJSON, err := json.Marshal(guard)
	if err != nil {
		return false, fmt.Errorf("store/redis: guard not serialisable: %w", err)
	}
	n, err := putIfScript.Run(ctx, r.client,
		[]string{r.rowKey(ks)}, data, guardJSON, r.ttl.Milliseconds()).Int()
	if err != nil {
		return false, fmt.Errorf("store/redis: conditional put: %w", err)
	}
	return n == 1, nil
}

// PutBulk writes all rows in one pipeline round trip.
func (r *Repository) PutBulk(ctx context.Context, rows []store.Row) error {
	return r.putPipe(ctx, rows)
}

func (r *Repository) putPipe(ctx context.Context, rows []store.Row) error {
	pipe := r.client.Pipeline()
	for _, row := range rows {
		key, err := r.spec.KeyOf(row)
		if err != nil {
			return err
		}
		ks, err := r.spec.KeyString(key)
		if err != nil {
			return err
		}
		data, err := json.Marshal(row)
		if err != nil {
			return fmt.Errorf("store/redis: row not serialisable: %w", err)
		}
		pipe.Set(ctx, r.rowKey(ks), data, r.ttl)
		pipe.SAdd(ctx, r.indexKey(), ks)
		if r.ttl > 0 {
			pipe.Expire(ctx, r.indexKey(), r.ttl)
		}
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("store/redis: put rows: %w", err)
	}
	return nil
}

// Get implements store.Repository.
func (r *Repository) Get(ctx context.Context, key store.Key) (store.Row, error) {
	ks, err := r.spec.KeyString(key)
	if err != nil {
		return nil, err
	}
	data, err := r.client.Get(ctx, r.rowKey(ks)).Bytes()
	if err != nil {
		if err == redis.Nil {
			return nil, store.ErrNotFound
		}
		return nil, fmt.Errorf("store/redis: get row: %w", err)
	}
	var row store.Row
	if err := json.Unmarshal(data, &row); err != nil {
		return nil, fmt.Errorf("store/redis: corrupt row payload: %w", err)
	}
	return row, nil
}

// Search scans the indexed rows and evaluates predicates in memory.
func (r *Repository) Search(ctx context.Context, q store.Query) ([]store.Row, error) {
	rows, err := r.GetAll(ctx)
	if err != nil {
		return nil, err
	}
	return store.Filter(rows, q), nil
}

// Delete implements store.Repository.
func (r *Repository) Delete(ctx context.Context, key store.Key) error {
	ks, err := r.spec.KeyString(key)
	if err != nil {
		return err
	}
	pipe := r.client.Pipeline()
	pipe.Del(ctx, r.rowKey(ks))
	pipe.SRem(ctx, r.indexKey(), ks)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("store/redis: delete row: %w", err)
	}
	return nil
}

// DeleteSearch implements store.Repository.
func (r *Repository) DeleteSearch(ctx context.Context, q store.Query) error {
	rows, err := r.Search(ctx, q)
	if err != nil {
		return err
	}
	for _, row := range rows {
		key, err := r.spec.KeyOf(row)
		if err != nil {
			continue
		}
		if err := r.Delete(ctx, key); err != nil {
			return err
		}
	}
	return nil
}

// DeleteAll implements store.Repository.
func (r *Repository) DeleteAll(ctx context.Context) error {
	members, err := r.client.SMembers(ctx, r.indexKey()).Result()
	if err != nil {
		return fmt.Errorf("store/redis: list keys: %w", err)
	}
	pipe := r.client.Pipeline()
	for _, ks := range members {
		pipe.Del(ctx, r.rowKey(ks))
	}
	pipe.Del(ctx, r.indexKey())
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("store/redis: delete all rows: %w", err)
	}
	return nil
}

// GetAll implements store.Repository.
func (r *Repository) GetAll(ctx context.Context) ([]store.Row, error) {
	members, err := r.client.SMembers(ctx, r.indexKey()).Result()
	if err != nil {
		return nil, fmt.Errorf("store/redis: list keys: %w", err)
	}
	if len(members) == 0 {
		return nil, nil
	}
	keys := make([]string, len(members))
	for i, ks := range members {
		keys[i] = r.rowKey(ks)
	}
	results, err := r.client.MGet(ctx, keys...).Result()
	if err != nil {
		return nil, fmt.Errorf("store/redis: fetch rows: %w", err)
	}
	var rows []store.Row
	for _, result := range results {
		// Expired rows come back nil; the stale index entry is harmless.
		data, ok := result.(string)
		if !ok {
			continue
		}
		var row store.Row
		if err := json.Unmarshal([]byte(data), &row); err != nil {
			continue
		}
		rows = append(rows, row)
	}
	return rows, nil
}

// Size implements store.Repository.
func (r *Repository) Size(ctx context.Context) (int, error) {
	n, err := r.client.SCard(ctx, r.indexKey()).Result()
	if err != nil {
		return 0, fmt.Errorf("store/redis: count rows: %w", err)
	}
	return int(n), nil
}

// Subscribe implements store.Repository.
func (r *Repository) Subscribe(cb store.ChangeCallback, opts store.SubscribeOptions) (cancel func()) {
	return r.poller.Subscribe(cb, opts)
}
