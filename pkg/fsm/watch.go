package fsm

import (
	"github.com/pixperk/fairlock/pkg/types"
)

// one-shot subscription to the next event on a key
type watcher struct {
	key      string
	startRev int64
	ch       chan types.Event
}

// watchHub keeps a bounded event history and the pending watchers.
// It has no lock of its own; the FSM mutex guards it.
type watchHub struct {
	limit     int
	history   []types.Event
	compacted int64 // highest revision no longer fully present in history

	watchers map[string]map[*watcher]struct{}
}

func newWatchHub(limit int) *watchHub {
	return &watchHub{
		limit:    limit,
		watchers: make(map[string]map[*watcher]struct{}),
	}
}

// registers a watcher, or answers it straight from history
func (h *watchHub) watch(key string, startRev int64) (<-chan types.Event, *watcher, error) {
	if startRev < h.compacted {
		return nil, nil, types.ErrCompacted
	}

	ch := make(chan types.Event, 1)
	for _, ev := range h.history {
		if ev.Revision > startRev && ev.Kv.Key == key {
			ch <- ev
			return ch, nil, nil
		}
	}

	w := &watcher{key: key, startRev: startRev, ch: ch}
	set, ok := h.watchers[key]
	if !ok {
		set = make(map[*watcher]struct{})
		h.watchers[key] = set
	}
	set[w] = struct{}{}
	return ch, w, nil
}

func (h *watchHub) remove(w *watcher) {
	if w == nil {
		return
	}
	set, ok := h.watchers[w.key]
	if !ok {
		return
	}
	delete(set, w)
	if len(set) == 0 {
		delete(h.watchers, w.key)
	}
}

// records an event and fires every watcher of its key
func (h *watchHub) publish(ev types.Event) {
	h.history = append(h.history, ev)
	if h.limit > 0 && len(h.history) > h.limit {
		drop := len(h.history) - h.limit
		h.compacted = h.history[drop-1].Revision
		h.history = h.history[drop:]
	}

	set, ok := h.watchers[ev.Kv.Key]
	if !ok {
		return
	}
	for w := range set {
		if ev.Revision <= w.startRev {
			continue
		}
		w.ch <- ev
		delete(set, w)
	}
	if len(set) == 0 {
		delete(h.watchers, ev.Kv.Key)
	}
}

// drops all history up to rev and closes every pending watcher; they
// resubscribe and learn that their start revision is gone
func (h *watchHub) reset(rev int64) {
	for key, set := range h.watchers {
		for w := range set {
			close(w.ch)
		}
		delete(h.watchers, key)
	}
	h.history = nil
	h.compacted = rev
}

func (h *watchHub) size() int {
	n := 0
	for _, set := range h.watchers {
		n += len(set)
	}
	return n
}
