package rtc

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/voxlink-app/voxlink/internal/signal"
)

func TestIncomingWatcherFilters(t *testing.T) {
	var delivered []string
	w := newIncomingWatcher(nil, "bob", func(rec signal.CallRecord) {
		delivered = append(delivered, rec.ID)
	})

	w.onRecord(signal.CallRecord{ID: "c1", CallerID: "alice", CalleeID: "bob"})
	w.onRecord(signal.CallRecord{ID: "c1", CallerID: "alice", CalleeID: "bob"}) // replay
	w.onRecord(signal.CallRecord{ID: "c2", CallerID: "bob", CalleeID: "bob"})   // own call
	w.onRecord(signal.CallRecord{ID: "c3", CallerID: "carol", CalleeID: "bob",
		EndReason: signal.EndCancelled}) // already over
	w.onRecord(signal.CallRecord{ID: "c4", CallerID: "carol", CalleeID: "bob"})

	assert.Equal(t, []string{"c1", "c4"}, delivered)
}
