package pipeline

import (
	"encoding/json"
	"log"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

// WSPublisher broadcasts progress events to connected WebSocket clients
// in small batches: events queue between ticks and flush to every
// connected client at once, keeping per-frame publishing off the socket.
type WSPublisher struct {
	upgrader websocket.Upgrader

	clientsMu sync.Mutex
	clients   map[*websocket.Conn]bool

	batchMu sync.Mutex
	batch   []Event

	ticker *time.Ticker
	done   chan struct{}

	logger *log.Logger
}

// NewWSPublisher creates a publisher that flushes queued events every
// interval. Call ServeHTTP from an http.Handler to accept connections,
// and Close when the pipeline run finishes.
func NewWSPublisher(interval time.Duration, logger *log.Logger) *WSPublisher {
	if logger == nil {
		logger = log.Default()
	}
	if interval <= 0 {
		interval = 150 * time.Millisecond
	}
	p := &WSPublisher{
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool { return true },
		},
		clients: make(map[*websocket.Conn]bool),
		batch:   make([]Event, 0, 64),
		ticker:  time.NewTicker(interval),
		done:    make(chan struct{}),
		logger:  logger,
	}
	go p.loop()
	return p
}

// ServeHTTP upgrades the connection and registers it as a subscriber.
func (p *WSPublisher) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := p.upgrader.Upgrade(w, r, nil)
	if err != nil {
		p.logger.Printf("pipeline: websocket upgrade error: %v", err)
		return
	}

	p.clientsMu.Lock()
	p.clients[conn] = true
	p.clientsMu.Unlock()

	defer func() {
		p.clientsMu.Lock()
		delete(p.clients, conn)
		p.clientsMu.Unlock()
		conn.Close()
	}()

	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			break
		}
	}
}

// OnProgress implements Observer by queuing the event for the next batch
// flush, rather than writing to sockets synchronously from the stage's
// hot path.
func (p *WSPublisher) OnProgress(e Event) {
	p.batchMu.Lock()
	p.batch = append(p.batch, e)
	p.batchMu.Unlock()
}

func (p *WSPublisher) loop() {
	for {
		select {
		case <-p.ticker.C:
			p.flush()
		case <-p.done:
			return
		}
	}
}

func (p *WSPublisher) flush() {
	p.batchMu.Lock()
	if len(p.batch) == 0 {
		p.batchMu.Unlock()
		return
	}
	events := p.batch
	p.batch = make([]Event, 0, 64)
	p.batchMu.Unlock()

	msg := map[string]interface{}{"type": "progress_batch", "events": events}
	data, err := json.Marshal(msg)
	if err != nil {
		p.logger.Printf("pipeline: failed to marshal progress batch: %v", err)
		return
	}

	p.clientsMu.Lock()
	defer p.clientsMu.Unlock()
	for conn := range p.clients {
		if err := conn.WriteMessage(websocket.TextMessage, data); err != nil {
			p.logger.Printf("pipeline: websocket write error: %v", err)
			conn.Close()
			delete(p.clients, conn)
		}
	}
}

// Close stops the batch-flush loop and the underlying ticker.
func (p *WSPublisher) Close() error {
	p.ticker.Stop()
	close(p.done)
	return nil
}
