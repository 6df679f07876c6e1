package rtc

import (
	"log"
	"sync"

	"github.com/voxlink-app/voxlink/internal/media"
	"github.com/voxlink-app/voxlink/internal/signal"
)

// Hub hands out one Manager per signed-in user, created on first use and
// kept for the life of the process so inbound calls ring even between page
// loads.
type Hub struct {
	store    signal.Store
	engine   media.Engine
	mediaCfg media.Config

	mu       sync.Mutex
	managers map[string]*Manager
}

// NewHub creates an empty manager registry.
func NewHub(store signal.Store, engine media.Engine, mediaCfg media.Config) *Hub {
	return &Hub{
		store:    store,
		engine:   engine,
		mediaCfg: mediaCfg,
		managers: make(map[string]*Manager),
	}
}

// Manager returns the call manager for userID, creating it if needed.
func (h *Hub) Manager(userID, displayName string) (*Manager, error) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if m, ok := h.managers[userID]; ok {
		return m, nil
	}
	m, err := New(h.store, h.engine, Config{
		SelfID:   userID,
		SelfName: displayName,
		Media:    h.mediaCfg,
	})
	if err != nil {
		return nil, err
	}
	log.Printf("RTC: call manager ready for %s", userID)
	h.managers[userID] = m
	return m, nil
}

// Close shuts down every manager.
func (h *Hub) Close() {
	h.mu.Lock()
	managers := h.managers
	h.managers = make(map[string]*Manager)
	h.mu.Unlock()

	for _, m := range managers {
		m.Close()
	}
}
