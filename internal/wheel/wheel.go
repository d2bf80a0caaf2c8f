// Package wheel implements the hierarchical timing wheel that drives
// heartbeat due-checks: four cascaded levels (20x50ms, 60x1s, 60x1min,
// 24x1h) plus an overflow list for horizons beyond 24h. Placing a new
// key is O(1); removing an entry (Cancel, or Schedule replacing an
// existing key) scans the slot arrays, so it is O(pending entries).
//
// No timing-wheel implementation exists anywhere in the reference
// corpus, so this package is new code. It is written in FluxForge's
// idiom: plain structs guarded by a single sync.Mutex, heap-free slot
// arrays, and the same "ThreadSafeQueue wraps the data structure with a
// mutex" shape control_plane/scheduler/queue.go uses for its own
// priority queue.
package wheel

import (
	"sort"
	"sync"
	"time"
)

const (
	l0Slots = 20
	l0Tick  = 50 * time.Millisecond
	l1Slots = 60
	l1Tick  = 1 * time.Second
	l2Slots = 60
	l2Tick  = 1 * time.Minute
	l3Slots = 24
	l3Tick  = 1 * time.Hour
)

// Entry is a single scheduled item. Key must be unique per entry; a
// second Schedule call with the same Key replaces the prior placement.
type Entry struct {
	Key     string
	DueAt   time.Time
	Payload any

	seq int64 // insertion order, breaks DueAt ties in Advance's result
}

type level struct {
	slots    [][]*Entry
	slotSize time.Duration
	cursor   int
	lastTick int64 // last absolute tick index this level has processed
}

func newLevel(n int, slotSize time.Duration) *level {
	return &level{
		slots:    make([][]*Entry, n),
		slotSize: slotSize,
		cursor:   n - 1,
		lastTick: -1,
	}
}

// Wheel is a hierarchical timing wheel. Placing a new key is O(1);
// Cancel and re-Schedule of an existing key scan the slots to remove
// the old entry; Advance is O(slots visited + expired entries).
type Wheel struct {
	mu sync.Mutex

	start time.Time // wheel epoch; tick 0 of L0 begins here
	now   time.Time // last Advance time, used to compute current tick

	levels   [4]*level
	overflow []*Entry // horizon beyond L3's 24h span

	index map[string]*Entry // Key -> Entry, for key lookup in Schedule/Cancel

	seqCounter int64
}

// New creates a wheel whose epoch is t0 (normally time.Now()).
func New(t0 time.Time) *Wheel {
	return &Wheel{
		start: t0,
		now:   t0,
		levels: [4]*level{
			newLevel(l0Slots, l0Tick),
			newLevel(l1Slots, l1Tick),
			newLevel(l2Slots, l2Tick),
			newLevel(l3Slots, l3Tick),
		},
		index: make(map[string]*Entry),
	}
}

// horizon is the total span covered by the four cascaded levels.
func horizon() time.Duration {
	return l0Slots*l0Tick + l1Slots*l1Tick + l2Slots*l2Tick + l3Slots*l3Tick
}

// Schedule places (or replaces) an entry for dueAt. Duplicate Keys are
// idempotent: the later call wins and the earlier placement is removed.
func (w *Wheel) Schedule(key string, dueAt time.Time, payload any) {
	w.mu.Lock()
	defer w.mu.Unlock()

	if existing, ok := w.index[key]; ok {
		w.removeLocked(existing)
	}

	w.seqCounter++
	e := &Entry{Key: key, DueAt: dueAt, Payload: payload, seq: w.seqCounter}
	w.index[key] = e
	w.placeLocked(e)
}

// Cancel removes a pending entry by key. It is a no-op if the key is
// unknown or has already fired.
func (w *Wheel) Cancel(key string) bool {
	w.mu.Lock()
	defer w.mu.Unlock()

	e, ok := w.index[key]
	if !ok {
		return false
	}
	w.removeLocked(e)
	delete(w.index, key)
	return true
}

// Advance moves the wheel's clock forward to t and returns every entry
// whose DueAt has elapsed, in non-decreasing DueAt order (ties broken
// by insertion order, oldest Schedule call first). Entries at
// wheel-level boundaries cascade down one level per call; repeated
// short Advance calls drain correctly just like a single long one.
func (w *Wheel) Advance(t time.Time) []*Entry {
	w.mu.Lock()
	defer w.mu.Unlock()

	if !t.After(w.now) {
		return nil
	}
	w.now = t

	var fired []*Entry

	// Drain the overflow list first: anything now within L3's span
	// gets re-placed into the cascaded levels.
	remaining := w.overflow[:0]
	for _, e := range w.overflow {
		if !e.DueAt.After(t) {
			fired = append(fired, e)
			delete(w.index, e.Key)
			continue
		}
		if e.DueAt.Sub(w.start) < horizon() {
			w.placeLocked(e)
			continue
		}
		remaining = append(remaining, e)
	}
	w.overflow = remaining

	for lvl := 0; lvl < len(w.levels); lvl++ {
		fired = append(fired, w.advanceLevelLocked(lvl, t)...)
	}

	sort.SliceStable(fired, func(i, j int) bool {
		if fired[i].DueAt.Equal(fired[j].DueAt) {
			return fired[i].seq < fired[j].seq
		}
		return fired[i].DueAt.Before(fired[j].DueAt)
	})

	return fired
}

// advanceLevelLocked walks this level's cursor forward to the slot that
// corresponds to t and collects/cascades everything it passes. Steps
// are capped at one full revolution: a gap long enough to lap this
// level more than once still only needs one pass to visit every slot,
// and walking tick-by-tick for an arbitrarily long gap would be
// needlessly slow (and, worse, an exact-multiple-of-a-lap gap would
// walk zero net steps and miss every slot in between if target were
// compared by slot index alone instead of by absolute tick count).
func (w *Wheel) advanceLevelLocked(lvl int, t time.Time) []*Entry {
	l := w.levels[lvl]
	n := int64(len(l.slots))

	tick := int64(t.Sub(w.start) / l.slotSize)
	steps := tick - l.lastTick
	if steps <= 0 {
		return nil
	}
	if steps > n {
		steps = n
	}

	var fired []*Entry
	cursor := l.cursor
	for i := int64(0); i < steps; i++ {
		cursor = (cursor + 1) % int(n)
		bucket := l.slots[cursor]
		l.slots[cursor] = nil
		for _, e := range bucket {
			if !e.DueAt.After(t) {
				fired = append(fired, e)
				delete(w.index, e.Key)
				continue
			}
			// Cascade down: re-place at a finer level (or this one,
			// for an updated slot) now that the coarse slot expired.
			w.placeLocked(e)
		}
	}

	l.cursor = int(((tick % n) + n) % n)
	l.lastTick = tick
	return fired
}

// slotIndexLocked returns the slot this level's cursor should be at
// when the wheel clock reaches t.
func (w *Wheel) slotIndexLocked(lvl int, t time.Time) int {
	elapsed := t.Sub(w.start)
	ticks := elapsed / w.levels[lvl].slotSize
	return int(ticks) % len(w.levels[lvl].slots)
}

// placeLocked inserts e into the finest level that can represent its
// remaining delay, or the overflow list beyond the wheel's horizon.
func (w *Wheel) placeLocked(e *Entry) {
	delay := e.DueAt.Sub(w.now)
	if delay < 0 {
		delay = 0
	}

	if e.DueAt.Sub(w.start) >= horizon() {
		w.overflow = append(w.overflow, e)
		return
	}

	for lvl := 0; lvl < len(w.levels); lvl++ {
		span := time.Duration(len(w.levels[lvl].slots)) * w.levels[lvl].slotSize
		if delay < span || lvl == len(w.levels)-1 {
			idx := w.slotIndexLocked(lvl, e.DueAt)
			w.levels[lvl].slots[idx] = append(w.levels[lvl].slots[idx], e)
			return
		}
	}
}

// removeLocked deletes e from whichever slot or overflow slice holds it.
func (w *Wheel) removeLocked(e *Entry) {
	for _, l := range w.levels {
		for i, bucket := range l.slots {
			for j, cand := range bucket {
				if cand == e {
					l.slots[i] = append(bucket[:j], bucket[j+1:]...)
					return
				}
			}
		}
	}
	for i, cand := range w.overflow {
		if cand == e {
			w.overflow = append(w.overflow[:i], w.overflow[i+1:]...)
			return
		}
	}
}

// Len reports the total number of pending entries across all levels.
func (w *Wheel) Len() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return len(w.index)
}
