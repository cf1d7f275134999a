package jobs

import (
	"sync"

	"github.com/gorilla/websocket"
)

// LogStreamer fans live log lines out to websocket subscribers per job.
type LogStreamer struct {
	mu          sync.RWMutex
	subscribers map[string][]*websocket.Conn
}

func NewLogStreamer() *LogStreamer {
	return &LogStreamer{
		subscribers: make(map[string][]*websocket.Conn),
	}
}

// Subscribe adds a new subscriber to a job's log stream.
func (ls *LogStreamer) Subscribe(jobID string, conn *websocket.Conn) {
	ls.mu.Lock()
	defer ls.mu.Unlock()
	ls.subscribers[jobID] = append(ls.subscribers[jobID], conn)
}

// Unsubscribe removes a subscriber from a job's log stream.
func (ls *LogStreamer) Unsubscribe(jobID string, conn *websocket.Conn) {
	ls.mu.Lock()
	defer ls.mu.Unlock()
	subscribers := ls.subscribers[jobID]
	for i, s := range subscribers {
		if s == conn {
			ls.subscribers[jobID] = append(subscribers[:i], subscribers[i+1:]...)
			break
		}
	}
	if len(ls.subscribers[jobID]) == 0 {
		delete(ls.subscribers, jobID)
	}
}

// Broadcast sends a log line to all subscribers of a job. Write failures are
// left to the reader loop owning the connection.
func (ls *LogStreamer) Broadcast(jobID string, line string) {
	ls.mu.RLock()
	defer ls.mu.RUnlock()
	for _, conn := range ls.subscribers[jobID] {
		_ = conn.WriteMessage(websocket.TextMessage, []byte(line))
	}
}

// Close closes all connections for a job once it reaches a terminal state.
func (ls *LogStreamer) Close(jobID string) {
	ls.mu.Lock()
	defer ls.mu.Unlock()
	for _, conn := range ls.subscribers[jobID] {
		conn.Close()
	}
	delete(ls.subscribers, jobID)
}
