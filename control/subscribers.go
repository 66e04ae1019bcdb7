package control

import (
	"log/slog"
	"sync"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
)

// viewer is one websocket client following the session state.
type viewer struct {
	ID        uuid.UUID
	Addr      string
	conn      *websocket.Conn
	send      chan []byte
	closeOnce sync.Once
}

func (v *viewer) close() {
	v.closeOnce.Do(func() { close(v.send) })
}

type viewerList struct {
	viewers map[uuid.UUID]*viewer
	mu      sync.RWMutex
}

func newViewerList() *viewerList {
	return &viewerList{
		viewers: make(map[uuid.UUID]*viewer),
	}
}

func (vl *viewerList) Add(v *viewer) {
	vl.mu.Lock()
	defer vl.mu.Unlock()
	vl.viewers[v.ID] = v
}

func (vl *viewerList) Remove(id uuid.UUID) {
	vl.mu.Lock()
	defer vl.mu.Unlock()
	if v, ok := vl.viewers[id]; ok {
		delete(vl.viewers, id)
		v.close()
	}
}

func (vl *viewerList) Count() int {
	vl.mu.RLock()
	defer vl.mu.RUnlock()
	return len(vl.viewers)
}

// Broadcast queues data for every viewer, skipping those that are behind.
func (vl *viewerList) Broadcast(data []byte) {
	vl.mu.RLock()
	defer vl.mu.RUnlock()
	for id, v := range vl.viewers {
		select {
		case v.send <- data:
		default:
			slog.Warn("Failed to send to viewer - channel full", "viewerID", id)
		}
	}
}

// CloseAll disconnects every viewer.
func (vl *viewerList) CloseAll() {
	vl.mu.Lock()
	defer vl.mu.Unlock()
	for id, v := range vl.viewers {
		delete(vl.viewers, id)
		v.close()
	}
}
