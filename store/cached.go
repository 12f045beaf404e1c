package store

import (
	"context"
	"errors"

	"github.com/taskweave/taskweave/log"
)

// Cached composes a volatile front repository with a durable back.
// Writes go to durable first, then to the cache; reads check the cache
// and lazily populate it from durable on a miss. Searches and bulk scans
// always hit durable since the cache may hold a partial view. Change
// subscriptions poll the durable source.
type Cached struct {
	front  Repository
	back   Repository
	logger log.Logger
}

// NewCached wraps a durable repository with a volatile cache. Both must
// share the same table spec.
func NewCached(front, back Repository, logger log.Logger) (*Cached, error) {
	if front.Spec().Name != back.Spec().Name {
		return nil, errors.New("store: cached front and back declare different tables")
	}
	if logger == nil {
		logger = log.GetDefaultLogger()
	}
	return &Cached{front: front, back: back, logger: logger}, nil
}

// Spec implements Repository.
func (c *Cached) Spec() TableSpec { return c.back.Spec() }

// Put writes through: durable first, then the cache. A cache write
// failure is logged and swallowed since durable already holds the row.
func (c *Cached) Put(ctx context.Context, row Row) error {
	if err := c.back.Put(ctx, row); err != nil {
		return err
	}
	if err := c.front.Put(ctx, row); err != nil {
		c.logger.Warn("cached %s: front put failed: %v", c.Spec().Name, err)
	}
	return nil
}

// PutIf claims through the durable layer, which owns atomicity, then
// refreshes the cache on success.
func (c *Cached) PutIf(ctx context.Context, row Row, guard Row) (bool, error) {
	ok, err := c.back.PutIf(ctx, row, guard)
	if err != nil || !ok {
		return ok, err
	}
	if perr := c.front.Put(ctx, row); perr != nil {
		c.logger.Warn("cached %s: front put failed: %v", c.Spec().Name, perr)
	}
	return true, nil
}

// PutBulk writes through every row.
func (c *Cached) PutBulk(ctx context.Context, rows []Row) error {
	if err := c.back.PutBulk(ctx, rows); err != nil {
		return err
	}
	if err := c.front.PutBulk(ctx, rows); err != nil {
		c.logger.Warn("cached %s: front bulk put failed: %v", c.Spec().Name, err)
	}
	return nil
}

// Get checks the cache, falls back to durable, and populates the cache
// lazily on a durable hit.
func (c *Cached) Get(ctx context.Context, key Key) (Row, error) {
	row, err := c.front.Get(ctx, key)
	if err == nil {
		return row, nil
	}
	if !errors.Is(err, ErrNotFound) {
		c.logger.Warn("cached %s: front get failed: %v", c.Spec().Name, err)
	}
	row, err = c.back.Get(ctx, key)
	if err != nil {
		return nil, err
	}
	if perr := c.front.Put(ctx, row); perr != nil {
		c.logger.Warn("cached %s: lazy populate failed: %v", c.Spec().Name, perr)
	}
	return row, nil
}

// Search queries the durable source.
func (c *Cached) Search(ctx context.Context, q Query) ([]Row, error) {
	return c.back.Search(ctx, q)
}

// Delete removes the row from both layers; durable first.
func (c *Cached) Delete(ctx context.Context, key Key) error {
	if err := c.back.Delete(ctx, key); err != nil {
		return err
	}
	if err := c.front.Delete(ctx, key); err != nil {
		c.logger.Warn("cached %s: front delete failed: %v", c.Spec().Name, err)
	}
	return nil
}

// DeleteSearch removes matching rows from both layers.
func (c *Cached) DeleteSearch(ctx context.Context, q Query) error {
	if err := c.back.DeleteSearch(ctx, q); err != nil {
		return err
	}
	if err := c.front.DeleteSearch(ctx, q); err != nil {
		c.logger.Warn("cached %s: front delete search failed: %v", c.Spec().Name, err)
	}
	return nil
}

// DeleteAll clears both layers.
func (c *Cached) DeleteAll(ctx context.Context) error {
	if err := c.back.DeleteAll(ctx); err != nil {
		return err
	}
	if err := c.front.DeleteAll(ctx); err != nil {
		c.logger.Warn("cached %s: front delete all failed: %v", c.Spec().Name, err)
	}
	return nil
}

// GetAll scans the durable source.
func (c *Cached) GetAll(ctx context.Context) ([]Row, error) {
	return c.back.GetAll(ctx)
}

// Size counts the durable source.
func (c *Cached) Size(ctx context.Context) (int, error) {
	return c.back.Size(ctx)
}

// Subscribe polls the durable source for changes.
func (c *Cached) Subscribe(cb ChangeCallback, opts SubscribeOptions) (cancel func()) {
	return c.back.Subscribe(cb, opts)
}
