package rtc

import (
	"sync"

	"github.com/voxlink-app/voxlink/internal/signal"
)

// incomingWatcher subscribes to inbound call records for one user and
// forwards each live call exactly once. The store may replay records
// (snapshot on subscribe, repeated notifications), so delivery is deduped
// by call id here rather than in the manager.
type incomingWatcher struct {
	store   signal.Store
	selfID  string
	deliver func(signal.CallRecord)

	mu     sync.Mutex
	seen   map[string]struct{}
	cancel signal.CancelFunc
}

func newIncomingWatcher(store signal.Store, selfID string, deliver func(signal.CallRecord)) *incomingWatcher {
	return &incomingWatcher{
		store:   store,
		selfID:  selfID,
		deliver: deliver,
		seen:    make(map[string]struct{}),
	}
}

func (w *incomingWatcher) start() error {
	cancel, err := w.store.WatchIncoming(w.selfID, w.onRecord)
	if err != nil {
		return err
	}
	w.mu.Lock()
	w.cancel = cancel
	w.mu.Unlock()
	return nil
}

func (w *incomingWatcher) onRecord(rec signal.CallRecord) {
	// Own outbound calls and already-terminated records never ring.
	if rec.CallerID == w.selfID || rec.Ended() {
		return
	}

	w.mu.Lock()
	if _, dup := w.seen[rec.ID]; dup {
		w.mu.Unlock()
		return
	}
	w.seen[rec.ID] = struct{}{}
	w.mu.Unlock()

	w.deliver(rec)
}

func (w *incomingWatcher) stop() {
	w.mu.Lock()
	cancel := w.cancel
	w.cancel = nil
	w.mu.Unlock()
	if cancel != nil {
		cancel()
	}
}
