package redis

import (
	"context"
	"errors"
	"fmt"

	goredis "github.com/redis/go-redis/v9"

	"github.com/xraph/txflow"
	txpkg "github.com/xraph/txflow/tx"
)

// BeginTx opens an optimistic transaction over the txflow KV namespace.
// Reads record watched keys; writes are buffered until Commit, which runs
// them in a WATCH/MULTI block. A concurrent write to any read key aborts
// the MULTI and surfaces as txflow.ErrTxConflict.
func (s *Store) BeginTx(ctx context.Context) (txpkg.Tx, error) {
	return &Tx{
		client:  s.client,
		writes:  make(map[string][]byte),
		deletes: make(map[string]struct{}),
	}, nil
}

// Tx is a WATCH/MULTI optimistic transaction. Not safe for concurrent use.
type Tx struct {
	client  goredis.UniversalClient
	watched []string
	writes  map[string][]byte
	deletes map[string]struct{}
	done    bool
}

// Get reads a key, consulting the local write set first. The key joins the
// watch set so Commit fails if another client writes it.
func (t *Tx) Get(ctx context.Context, key string) ([]byte, bool, error) {
	if t.done {
		return nil, false, txflow.ErrTxClosed
	}

	if _, deleted := t.deletes[key]; deleted {
		return nil, false, nil
	}
	if data, ok := t.writes[key]; ok {
		cp := make([]byte, len(data))
		copy(cp, data)
		return cp, true, nil
	}

	t.watch(key)

	data, err := t.client.Get(ctx, kvKey(key)).Bytes()
	if err != nil {
		if errors.Is(err, goredis.Nil) {
			return nil, false, nil
		}
		return nil, false, fmt.Errorf("txflow/redis: tx get %s: %w", key, err)
	}
	return data, true, nil
}

// Set buffers a write. Visible to Get within this transaction only.
func (t *Tx) Set(key string, data []byte) {
	if t.done {
		return
	}
	cp := make([]byte, len(data))
	copy(cp, data)
	t.writes[key] = cp
	delete(t.deletes, key)
}

// Delete buffers a deletion.
func (t *Tx) Delete(key string) {
	if t.done {
		return
	}
	t.deletes[key] = struct{}{}
	delete(t.writes, key)
}

// Commit applies the buffered writes inside a WATCH/MULTI block.
func (t *Tx) Commit(ctx context.Context) error {
	if t.done {
		return txflow.ErrTxClosed
	}
	t.done = true

	if len(t.writes) == 0 && len(t.deletes) == 0 {
		return nil
	}

	apply := func(rtx *goredis.Tx) error {
		_, err := rtx.TxPipelined(ctx, func(pipe goredis.Pipeliner) error {
			for key, data := range t.writes {
				pipe.Set(ctx, kvKey(key), data, 0)
			}
			for key := range t.deletes {
				pipe.Del(ctx, kvKey(key))
			}
			return nil
		})
		return err
	}

	watchKeys := make([]string, 0, len(t.watched))
	for _, key := range t.watched {
		watchKeys = append(watchKeys, kvKey(key))
	}

	err := t.client.Watch(ctx, apply, watchKeys...)
	if err != nil {
		if errors.Is(err, goredis.TxFailedErr) {
			return fmt.Errorf("%w: watched key modified", txflow.ErrTxConflict)
		}
		return fmt.Errorf("txflow/redis: commit: %w", err)
	}
	return nil
}

// Rollback discards the buffered writes. A no-op after Commit.
func (t *Tx) Rollback(_ context.Context) error {
	t.done = true
	return nil
}

func (t *Tx) watch(key string) {
	for _, w := range t.watched {
		if w == key {
			return
		}
	}
	t.watched = append(t.watched, key)
}
