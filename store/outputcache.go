package store

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"time"

	"github.com/klauspost/compress/gzip"
)

// OutputCacheSpec is the table shape for cached task outputs.
var OutputCacheSpec = TableSpec{
	Name:      "task_outputs",
	KeyFields: []string{"task_type", "fingerprint"},
}

// OutputCache stores task outputs keyed by (task type, input fingerprint)
// in any Repository. Values are gzip-compressed JSON by default; blobs
// are shape-validated on the way out so a corrupt row reads as a miss
// rather than poisoning the task.
type OutputCache struct {
	repo     Repository
	compress bool
	now      func() time.Time
}

// OutputCacheOption tunes an OutputCache.
type OutputCacheOption func(*OutputCache)

// WithoutCompression stores output blobs as plain JSON.
func WithoutCompression() OutputCacheOption {
	return func(c *OutputCache) { c.compress = false }
}

// NewOutputCache creates a cache over the repository, which must use
// OutputCacheSpec (or a spec with the same key fields).
func NewOutputCache(repo Repository, opts ...OutputCacheOption) *OutputCache {
	c := &OutputCache{repo: repo, compress: true, now: time.Now}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// GetOutput returns the cached output for the task type and input, with a
// hit flag. Decode failures are returned as errors so callers can log and
// treat them as a miss.
func (c *OutputCache) GetOutput(ctx context.Context, taskType string, input map[string]any) (map[string]any, bool, error) {
	row, err := c.repo.Get(ctx, Key{
		"task_type":   taskType,
		"fingerprint": Fingerprint(input),
	})
	if err != nil {
		if err == ErrNotFound {
			return nil, false, nil
		}
		return nil, false, err
	}
	output, err := c.decode(row)
	if err != nil {
		return nil, false, err
	}
	return output, true, nil
}

// PutOutput stores the output under the task type and input fingerprint.
func (c *OutputCache) PutOutput(ctx context.Context, taskType string, input map[string]any, output map[string]any) error {
	blob, err := c.encode(output)
	if err != nil {
		return err
	}
	return c.repo.Put(ctx, Row{
		"task_type":   taskType,
		"fingerprint": Fingerprint(input),
		"value":       blob,
		"compressed":  c.compress,
		"created_at":  c.now().UnixMilli(),
	})
}

// ClearOlderThan purges entries created more than the duration ago.
func (c *OutputCache) ClearOlderThan(ctx context.Context, age time.Duration) error {
	cutoff := c.now().Add(-age).UnixMilli()
	return c.repo.DeleteSearch(ctx, Where("created_at", OpLt, cutoff))
}

// Clear removes every cached output.
func (c *OutputCache) Clear(ctx context.Context) error {
	return c.repo.DeleteAll(ctx)
}

// Size returns the number of cached outputs.
func (c *OutputCache) Size(ctx context.Context) (int, error) {
	return c.repo.Size(ctx)
}

func (c *OutputCache) encode(output map[string]any) (string, error) {
	data, err := json.Marshal(output)
	if err != nil {
		return "", fmt.Errorf("store: output not serialisable: %w", err)
	}
	if !c.compress {
		return base64.StdEncoding.EncodeToString(data), nil
	}
	var buf bytes.Buffer
	zw := gzip.NewWriter(&buf)
	if _, err := zw.Write(data); err != nil {
		return "", fmt.Errorf("store: compress output: %w", err)
	}
	if err := zw.Close(); err != nil {
		return "", fmt.Errorf("store: compress output: %w", err)
	}
	return base64.StdEncoding.EncodeToString(buf.Bytes()), nil
}

func (c *OutputCache) decode(row Row) (map[string]any, error) {
	blob, ok := row["value"].(string)
	if !ok {
		return nil, fmt.Errorf("store: cache row for %v/%v has no value blob", row["task_type"], row["fingerprint"])
	}
	raw, err := base64.StdEncoding.DecodeString(blob)
	if err != nil {
		return nil, fmt.Errorf("store: cache blob not base64: %w", err)
	}
	compressed, _ := row["compressed"].(bool)
	if compressed {
		zr, err := gzip.NewReader(bytes.NewReader(raw))
		if err != nil {
			return nil, fmt.Errorf("store: cache blob not gzip: %w", err)
		}
		raw, err = io.ReadAll(zr)
		if err != nil {
			return nil, fmt.Errorf("store: decompress cache blob: %w", err)
		}
		if err := zr.Close(); err != nil {
			return nil, fmt.Errorf("store: decompress cache blob: %w", err)
		}
	}
	var output map[string]any
	if err := json.Unmarshal(raw, &output); err != nil {
		return nil, fmt.Errorf("store: cache blob is not an output object: %w", err)
	}
	return output, nil
}
