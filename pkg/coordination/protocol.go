package coordination

import (
	"context"
	"errors"
	"time"

	"github.com/cuemby/mcc/pkg/types"
)

// ErrQueueEmpty is returned by Claim when remaining has been drained; it
// is not a failure, it is the claim loop's normal exit signal (spec.md
// §4.3 claimLoop step 1).
var ErrQueueEmpty = errors.New("no points remaining")

// RunKeys namespaces the four per-run keys of spec.md §3 under the
// Manager's run id R.
type RunKeys struct {
	Run string
}

func (k RunKeys) All() string        { return k.Run + "_all" }
func (k RunKeys) Remaining() string  { return k.Run + "_remaining" }
func (k RunKeys) InProgress() string { return k.Run + "_in_progress" }
func (k RunKeys) Completed() string  { return k.Run + "_completed" }

func (k RunKeys) all4() []string {
	return []string{k.All(), k.Remaining(), k.InProgress(), k.Completed()}
}

// Protocol implements the shared key/value schema and transaction shapes
// of spec.md §4.1, used by both Manager and Worker. It is the only code
// path permitted to mutate remaining/in_progress/completed.
type Protocol struct {
	Store Store
	Keys  RunKeys
}

func NewProtocol(store Store, run string) *Protocol {
	return &Protocol{Store: store, Keys: RunKeys{Run: run}}
}

// Seed writes `all`, `remaining`, and empties `completed`/`in_progress`
// (spec.md §4.2 seed). It is a plain write, not a transaction: it runs
// once before any worker exists, so there is nothing to watch yet.
func (p *Protocol) Seed(ctx context.Context, items []types.Point) error {
	all, err := types.Encode(types.PointList(items))
	if err != nil {
		return err
	}
	remaining := all // same contents at seed time
	completed, err := types.Encode(types.PointList{})
	if err != nil {
		return err
	}
	inProgress, err := types.Encode(types.InProgressMap{})
	if err != nil {
		return err
	}

	if err := p.Store.Set(ctx, p.Keys.All(), all); err != nil {
		return err
	}
	if err := p.Store.Set(ctx, p.Keys.Remaining(), remaining); err != nil {
		return err
	}
	if err := p.Store.Set(ctx, p.Keys.Completed(), completed); err != nil {
		return err
	}
	return p.Store.Set(ctx, p.Keys.InProgress(), inProgress)
}

// Register inserts a fresh WorkerRecord for workerID (spec.md §4.3
// register): self -> {items: [], check_in: now}.
func (p *Protocol) Register(ctx context.Context, workerID string, now time.Time) error {
	return p.Store.Transact(ctx, []string{p.Keys.InProgress()}, func(reads map[string][]byte) (map[string][]byte, error) {
		var inProgress types.InProgressMap
		if err := types.Decode(reads[p.Keys.InProgress()], &inProgress); err != nil {
			return nil, err
		}
		if inProgress == nil {
			inProgress = types.InProgressMap{}
		}
		inProgress[workerID] = types.WorkerRecord{Items: []types.Point{}, CheckIn: now}

		enc, err := types.Encode(inProgress)
		if err != nil {
			return nil, err
		}
		return map[string][]byte{p.Keys.InProgress(): enc}, nil
	})
}

// Claim pops one point from `remaining` into in_progress[workerID].items
// and refreshes its check_in (spec.md §4.3 claimLoop step 1). Returns
// ErrQueueEmpty (via Abort, so Transact does not retry it) once remaining
// is empty.
func (p *Protocol) Claim(ctx context.Context, workerID string, now time.Time) (types.Point, error) {
	var claimed types.Point

	err := p.Store.Transact(ctx, []string{p.Keys.Remaining(), p.Keys.InProgress()}, func(reads map[string][]byte) (map[string][]byte, error) {
		var remaining types.PointList
		if err := types.Decode(reads[p.Keys.Remaining()], &remaining); err != nil {
			return nil, err
		}
		if len(remaining) == 0 {
			return nil, Abort(ErrQueueEmpty)
		}

		var inProgress types.InProgressMap
		if err := types.Decode(reads[p.Keys.InProgress()], &inProgress); err != nil {
			return nil, err
		}
		if inProgress == nil {
			inProgress = types.InProgressMap{}
		}

		point := remaining[len(remaining)-1]
		remaining = remaining[:len(remaining)-1]

		rec := inProgress[workerID]
		rec.Items = append(rec.Items, point)
		rec.CheckIn = now
		inProgress[workerID] = rec

		claimed = point

		encRemaining, err := types.Encode(remaining)
		if err != nil {
			return nil, err
		}
		encInProgress, err := types.Encode(inProgress)
		if err != nil {
			return nil, err
		}
		return map[string][]byte{
			p.Keys.Remaining():  encRemaining,
			p.Keys.InProgress(): encInProgress,
		}, nil
	})

	return claimed, err
}

// Complete moves point from in_progress[workerID].items to `completed`
// (spec.md §4.3 claimLoop step 3).
func (p *Protocol) Complete(ctx context.Context, workerID string, point types.Point) error {
	return p.Store.Transact(ctx, []string{p.Keys.InProgress(), p.Keys.Completed()}, func(reads map[string][]byte) (map[string][]byte, error) {
		var inProgress types.InProgressMap
		if err := types.Decode(reads[p.Keys.InProgress()], &inProgress); err != nil {
			return nil, err
		}
		var completed types.PointList
		if err := types.Decode(reads[p.Keys.Completed()], &completed); err != nil {
			return nil, err
		}

		rec, ok := inProgress[workerID]
		if ok {
			rec.Items = removePoint(rec.Items, point)
			inProgress[workerID] = rec
		}
		completed = append(completed, point)

		encInProgress, err := types.Encode(inProgress)
		if err != nil {
			return nil, err
		}
		encCompleted, err := types.Encode(completed)
		if err != nil {
			return nil, err
		}
		return map[string][]byte{
			p.Keys.InProgress(): encInProgress,
			p.Keys.Completed():  encCompleted,
		}, nil
	})
}

// Heartbeat refreshes in_progress[workerID].check_in (spec.md §4.3
// heartbeat). It returns registered=false, with no error, if the
// worker's own entry has already disappeared from in_progress -- the
// heartbeat task's cue to exit silently, having been evicted.
func (p *Protocol) Heartbeat(ctx context.Context, workerID string, now time.Time) (registered bool, err error) {
	err = p.Store.Transact(ctx, []string{p.Keys.InProgress()}, func(reads map[string][]byte) (map[string][]byte, error) {
		var inProgress types.InProgressMap
		if derr := types.Decode(reads[p.Keys.InProgress()], &inProgress); derr != nil {
			return nil, derr
		}

		rec, ok := inProgress[workerID]
		if !ok {
			registered = false
			return nil, nil
		}
		registered = true
		rec.CheckIn = now
		inProgress[workerID] = rec

		enc, eerr := types.Encode(inProgress)
		if eerr != nil {
			return nil, eerr
		}
		return map[string][]byte{p.Keys.InProgress(): enc}, nil
	})
	return registered, err
}

// Deregister removes workerID's entry from in_progress on clean exit
// (spec.md §4.3 deregister).
func (p *Protocol) Deregister(ctx context.Context, workerID string) error {
	return p.Store.Transact(ctx, []string{p.Keys.InProgress()}, func(reads map[string][]byte) (map[string][]byte, error) {
		var inProgress types.InProgressMap
		if err := types.Decode(reads[p.Keys.InProgress()], &inProgress); err != nil {
			return nil, err
		}
		if _, ok := inProgress[workerID]; !ok {
			return nil, nil
		}
		delete(inProgress, workerID)

		enc, err := types.Encode(inProgress)
		if err != nil {
			return nil, err
		}
		return map[string][]byte{p.Keys.InProgress(): enc}, nil
	})
}

// EvictStalled removes workerID from in_progress and returns its items to
// `remaining` in one transaction (spec.md §4.2 supervise step 4b). It
// returns the items that were requeued.
func (p *Protocol) EvictStalled(ctx context.Context, workerID string) ([]types.Point, error) {
	var requeued []types.Point

	err := p.Store.Transact(ctx, []string{p.Keys.Remaining(), p.Keys.InProgress()}, func(reads map[string][]byte) (map[string][]byte, error) {
		var remaining types.PointList
		if err := types.Decode(reads[p.Keys.Remaining()], &remaining); err != nil {
			return nil, err
		}
		var inProgress types.InProgressMap
		if err := types.Decode(reads[p.Keys.InProgress()], &inProgress); err != nil {
			return nil, err
		}

		rec, ok := inProgress[workerID]
		if !ok {
			return nil, nil
		}
		delete(inProgress, workerID)
		remaining = append(remaining, rec.Items...)
		requeued = rec.Items

		encRemaining, err := types.Encode(remaining)
		if err != nil {
			return nil, err
		}
		encInProgress, err := types.Encode(inProgress)
		if err != nil {
			return nil, err
		}
		return map[string][]byte{
			p.Keys.Remaining():  encRemaining,
			p.Keys.InProgress(): encInProgress,
		}, nil
	})

	return requeued, err
}

// State is a point-in-time read of all four run keys, used by the
// Manager's supervise tick.
type State struct {
	All        types.PointList
	Remaining  types.PointList
	InProgress types.InProgressMap
	Completed  types.PointList
}

// ReadState reads the four run keys without a transaction, so the result
// may be inconsistent across keys. The Manager's supervise tick takes its
// stall decisions from this snapshot; the requeue that follows
// (EvictStalled) is a transaction over the current values, but it does
// not re-check the worker's check_in (spec.md §4.2).
func (p *Protocol) ReadState(ctx context.Context) (State, error) {
	var st State

	all, err := p.Store.Get(ctx, p.Keys.All())
	if err != nil {
		return st, err
	}
	if err := types.Decode(all, &st.All); err != nil {
		return st, err
	}

	remaining, err := p.Store.Get(ctx, p.Keys.Remaining())
	if err != nil {
		return st, err
	}
	if err := types.Decode(remaining, &st.Remaining); err != nil {
		return st, err
	}

	inProgress, err := p.Store.Get(ctx, p.Keys.InProgress())
	if err != nil {
		return st, err
	}
	if err := types.Decode(inProgress, &st.InProgress); err != nil {
		return st, err
	}

	completed, err := p.Store.Get(ctx, p.Keys.Completed())
	if err != nil {
		return st, err
	}
	if err := types.Decode(completed, &st.Completed); err != nil {
		return st, err
	}

	return st, nil
}

// Finalize deletes the four per-run keys (spec.md §4.2 finalize). Called
// only once the Manager has observed |completed| == |all|.
func (p *Protocol) Finalize(ctx context.Context) error {
	return p.Store.Delete(ctx, p.Keys.all4()...)
}

func removePoint(items []types.Point, target types.Point) []types.Point {
	out := items[:0:0]
	removed := false
	key := target.Key()
	for _, it := range items {
		if !removed && it.Key() == key {
			removed = true
			continue
		}
		out = append(out, it)
	}
	return out
}
