package webmonitor

import (
	"encoding/base64"
	"encoding/json"
	"sync"
	"time"

	"google.golang.org/protobuf/proto"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/dj-oyu/coop-density/mapping-server/internal/logger"
	"github.com/dj-oyu/coop-density/mapping-server/internal/mapping"
	"github.com/dj-oyu/coop-density/mapping-server/internal/metrics"
)

// FrameBroadcaster manages fanout of annotated JPEG frames to multiple clients.
type FrameBroadcaster struct {
	mu        sync.Mutex
	clients   map[int]chan []byte
	nextID    int
	source    JPEGSource
	interval  time.Duration
	metrics   *metrics.Metrics
	stop      chan struct{}
	stopped   bool
	skipCount int // Count of idle polls with no clients
}

// NewFrameBroadcaster creates a broadcaster that polls the preview slot and fans frames out.
func NewFrameBroadcaster(source JPEGSource, interval time.Duration, m *metrics.Metrics) *FrameBroadcaster {
	if interval <= 0 {
		interval = DefaultConfig().MJPEGInterval
	}
	return &FrameBroadcaster{
		clients:  make(map[int]chan []byte),
		source:   source,
		interval: interval,
		metrics:  m,
		stop:     make(chan struct{}),
	}
}

// Subscribe adds a new client and returns a channel for receiving frames.
func (fb *FrameBroadcaster) Subscribe() (int, <-chan []byte) {
	fb.mu.Lock()
	defer fb.mu.Unlock()

	id := fb.nextID
	fb.nextID++
	ch := make(chan []byte, 2) // Buffer 2 frames to avoid blocking
	fb.clients[id] = ch
	fb.updateGauge()

	logger.Debug("FrameBroadcaster", "Client #%d subscribed (total clients: %d)", id, len(fb.clients))
	return id, ch
}

// Unsubscribe removes a client.
func (fb *FrameBroadcaster) Unsubscribe(id int) {
	fb.mu.Lock()
	defer fb.mu.Unlock()

	if ch, ok := fb.clients[id]; ok {
		close(ch)
		delete(fb.clients, id)
		fb.updateGauge()
		logger.Debug("FrameBroadcaster", "Client #%d unsubscribed (remaining clients: %d)", id, len(fb.clients))

		if len(fb.clients) == 0 {
			logger.Info("FrameBroadcaster", "No clients remaining - frame polling will idle")
		}
	}
}

// Clients returns the number of subscribers.
func (fb *FrameBroadcaster) Clients() int {
	fb.mu.Lock()
	defer fb.mu.Unlock()
	return len(fb.clients)
}

func (fb *FrameBroadcaster) updateGauge() {
	if fb.metrics != nil {
		fb.metrics.StreamClients.Store(uint64(len(fb.clients)))
	}
}

// Start begins the poll and broadcast loop.
func (fb *FrameBroadcaster) Start() {
	go fb.run()
}

// Stop halts the broadcaster and disconnects every client.
func (fb *FrameBroadcaster) Stop() {
	fb.mu.Lock()
	defer fb.mu.Unlock()
	if fb.stopped {
		return
	}
	close(fb.stop)
	fb.stopped = true
	for id, ch := range fb.clients {
		close(ch)
		delete(fb.clients, id)
	}
	fb.updateGauge()
}

func (fb *FrameBroadcaster) run() {
	ticker := time.NewTicker(fb.interval)
	defer ticker.Stop()

	var lastVersion uint64
	for {
		select {
		case <-fb.stop:
			return
		case <-ticker.C:
		}

		if fb.Clients() == 0 {
			fb.skipCount++
			if fb.skipCount%300 == 0 {
				logger.Debug("FrameBroadcaster", "No clients connected (idle for %d polls)", fb.skipCount)
			}
			continue
		}
		fb.skipCount = 0

		v := fb.source.Version()
		if v == 0 || v == lastVersion {
			continue
		}
		data, ok := fb.source.TryReadLatest()
		if !ok {
			continue
		}
		lastVersion = v
		fb.broadcast(data)
	}
}

func (fb *FrameBroadcaster) broadcast(data []byte) {
	fb.mu.Lock()
	defer fb.mu.Unlock()

	for _, ch := range fb.clients {
		select {
		case ch <- data:
		default:
			// Client too slow, skip this frame for this client
		}
	}
}

// SerializedEvent holds pre-serialized data in both formats.
// This avoids redundant serialization when broadcasting to multiple clients.
type SerializedEvent struct {
	JSONData     []byte // Pre-serialized JSON
	ProtobufData []byte // Pre-serialized google.protobuf.Struct, base64 encoded for SSE
}

// marshalStruct encodes fields as a binary google.protobuf.Struct.
func marshalStruct(fields map[string]any) ([]byte, error) {
	st, err := structpb.NewStruct(fields)
	if err != nil {
		return nil, err
	}
	return proto.Marshal(st)
}

// serializeFields encodes fields as JSON and as a base64 protobuf Struct.
func serializeFields(fields map[string]any) (*SerializedEvent, error) {
	jsonData, err := json.Marshal(fields)
	if err != nil {
		return nil, err
	}
	pbData, err := marshalStruct(fields)
	if err != nil {
		return nil, err
	}
	return &SerializedEvent{
		JSONData:     jsonData,
		ProtobufData: []byte(base64.StdEncoding.EncodeToString(pbData)),
	}, nil
}

// MappingBroadcaster fans completed mapping results out to SSE clients.
type MappingBroadcaster struct {
	mu      sync.Mutex
	clients map[int]chan *SerializedEvent
	nextID  int
	last    *SerializedEvent
}

// NewMappingBroadcaster creates an empty broadcaster.
func NewMappingBroadcaster() *MappingBroadcaster {
	return &MappingBroadcaster{clients: make(map[int]chan *SerializedEvent)}
}

// Subscribe adds a client. The most recent event, if any, is delivered first.
func (mb *MappingBroadcaster) Subscribe() (int, <-chan *SerializedEvent) {
	mb.mu.Lock()
	defer mb.mu.Unlock()

	id := mb.nextID
	mb.nextID++
	ch := make(chan *SerializedEvent, 4)
	if mb.last != nil {
		ch <- mb.last
	}
	mb.clients[id] = ch

	logger.Debug("MappingBroadcaster", "Client #%d subscribed (total clients: %d)", id, len(mb.clients))
	return id, ch
}

// Unsubscribe removes a client.
func (mb *MappingBroadcaster) Unsubscribe(id int) {
	mb.mu.Lock()
	defer mb.mu.Unlock()

	if ch, ok := mb.clients[id]; ok {
		close(ch)
		delete(mb.clients, id)
		logger.Debug("MappingBroadcaster", "Client #%d unsubscribed (remaining clients: %d)", id, len(mb.clients))
	}
}

// Publish serializes res once and sends it to every client. It matches the
// mapping.Engine OnResult hook signature.
func (mb *MappingBroadcaster) Publish(res *mapping.Result) {
	event, err := serializeFields(resultFields(res))
	if err != nil {
		logger.Error("MappingBroadcaster", "Serialize mapping %s: %v", res.ID, err)
		return
	}

	mb.mu.Lock()
	defer mb.mu.Unlock()
	mb.last = event
	for _, ch := range mb.clients {
		select {
		case ch <- event:
		default:
			// Client too slow, skip this event for this client
		}
	}
}
