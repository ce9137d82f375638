package channel

type (
	// replayWindow remembers the last N message ids seen for a document.
	// Oldest ids are evicted FIFO, trading bounded memory for bounded
	// protection: an id older than the window could in theory be replayed.
	replayWindow struct {
		cap   int
		seen  map[string]struct{}
		order []string
		head  int
	}
)

func newReplayWindow(capacity int) *replayWindow {
	return &replayWindow{
		cap:   capacity,
		seen:  make(map[string]struct{}, capacity),
		order: make([]string, 0, capacity),
	}
}

// contains reports whether id is inside the window.
func (w *replayWindow) contains(id string) bool {
	_, ok := w.seen[id]
	return ok
}

// record adds id to the window, evicting the oldest entry once full.
func (w *replayWindow) record(id string) {
	if _, ok := w.seen[id]; ok {
		return
	}
	if len(w.order) < w.cap {
		w.order = append(w.order, id)
	} else {
		evicted := w.order[w.head]
		delete(w.seen, evicted)
		w.order[w.head] = id
		w.head = (w.head + 1) % w.cap
	}
	w.seen[id] = struct{}{}
}

func (w *replayWindow) len() int {
	return len(w.seen)
}
