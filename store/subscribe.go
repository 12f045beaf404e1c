package store

import (
	"context"
	"reflect"
	"sync"
	"time"
)

// Poller implements change subscriptions for backends without native
// notifications. It polls a snapshot function, diffs against the previous
// snapshot, and invokes callbacks serialised per subscriber.
type Poller struct {
	spec     TableSpec
	snapshot func(ctx context.Context) ([]Row, error)

	mu   sync.Mutex
	next int
	subs map[int]*subscriber
}

type subscriber struct {
	cb     ChangeCallback
	cancel context.CancelFunc
	// callMu serialises callback invocations for this subscriber
	callMu sync.Mutex
}

// NewPoller creates a poller over a snapshot function, typically the
// repository's own GetAll.
func NewPoller(spec TableSpec, snapshot func(ctx context.Context) ([]Row, error)) *Poller {
	return &Poller{spec: spec, snapshot: snapshot, subs: make(map[int]*subscriber)}
}

// Subscribe starts a poll loop for the callback and returns its cancel
// function. The first change fires after the first differing snapshot.
func (p *Poller) Subscribe(cb ChangeCallback, opts SubscribeOptions) (cancel func()) {
	interval := opts.PollInterval
	if interval <= 0 {
		interval = time.Second
	}
	ctx, stop := context.WithCancel(context.Background())

	p.mu.Lock()
	id := p.next
	p.next++
	sub := &subscriber{cb: cb, cancel: stop}
	p.subs[id] = sub
	p.mu.Unlock()

	go p.loop(ctx, sub, interval)

	return func() {
		stop()
		p.mu.Lock()
		delete(p.subs, id)
		p.mu.Unlock()
	}
}

// Close cancels every active subscription.
func (p *Poller) Close() {
	p.mu.Lock()
	defer p.mu.Unlock()
	for id, sub := range p.subs {
		sub.cancel()
		delete(p.subs, id)
	}
}

func (p *Poller) loop(ctx context.Context, sub *subscriber, interval time.Duration) {
	var prev map[string]Row
	first := true

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		rows, err := p.snapshot(ctx)
		if err == nil {
			indexed := p.index(rows)
			if first {
				prev = indexed
				first = false
			} else if !reflect.DeepEqual(prev, indexed) {
				prev = indexed
				sub.callMu.Lock()
				sub.cb(rows)
				sub.callMu.Unlock()
			}
		}
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

func (p *Poller) index(rows []Row) map[string]Row {
	indexed := make(map[string]Row, len(rows))
	for _, row := range rows {
		key, err := p.spec.KeyOf(row)
		if err != nil {
			continue
		}
		ks, err := p.spec.KeyString(key)
		if err != nil {
			continue
		}
		indexed[ks] = row
	}
	return indexed
}
