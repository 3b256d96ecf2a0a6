package events

import (
	"context"
	"encoding/json"
	"errors"
	"net/netip"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/t77yq/netwatch/internal/broadcast"
	"github.com/t77yq/netwatch/internal/metrics"
	"github.com/t77yq/netwatch/internal/model"
	"github.com/t77yq/netwatch/internal/storage"
	"github.com/t77yq/netwatch/internal/testutil"
)

var at = time.Date(2026, time.October, 1, 12, 0, 0, 0, time.UTC)

var streamConfig = StreamConfig{
	Stream:        "NODES",
	SubjectPrefix: "nodes",
	MaxAge:        time.Hour,
}

type recordingSink struct {
	name string
	err  error

	mu     sync.Mutex
	events []model.NodeEvent
}

func (s *recordingSink) Name() string { return s.name }

func (s *recordingSink) Deliver(_ context.Context, event model.NodeEvent) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, event)
	return s.err
}

func (s *recordingSink) received() []model.NodeEvent {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]model.NodeEvent(nil), s.events...)
}

func TestPumpDeliversToAllSinks(t *testing.T) {
	bus := broadcast.New[model.NodeEvent](8)
	failing := &recordingSink{name: "broken", err: errors.New("unavailable")}
	healthy := &recordingSink{name: "healthy"}

	pump := NewPump(bus.Subscribe(), []Sink{failing, healthy}, metrics.New(), zaptest.NewLogger(t))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- pump.Run(ctx) }()

	ip := netip.MustParseAddr("10.0.0.5")
	bus.Publish(model.NewNodeEvent(model.NodeEventDiscovered, ip, "", at))
	bus.Publish(model.NewNodeEvent(model.NodeEventIdentified, ip, "rack-05", at))

	require.Eventually(t, func() bool {
		return len(healthy.received()) == 2
	}, 5*time.Second, 10*time.Millisecond)
	assert.Len(t, failing.received(), 2)
	assert.Equal(t, model.NodeEventIdentified, healthy.received()[1].Type)

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("pump did not stop")
	}
	assert.Zero(t, bus.Subscribers())
}

func TestPumpStopsWhenBusCloses(t *testing.T) {
	bus := broadcast.New[model.NodeEvent](8)
	pump := NewPump(bus.Subscribe(), nil, nil, zaptest.NewLogger(t))

	done := make(chan error, 1)
	go func() { done <- pump.Run(context.Background()) }()

	bus.Close()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("pump did not stop")
	}
}

func TestJournalSink(t *testing.T) {
	journal, err := storage.NewSQLiteNodeJournal(zaptest.NewLogger(t), filepath.Join(t.TempDir(), "events.db"))
	require.NoError(t, err)
	defer journal.Close()

	sink := NewJournalSink(journal)
	assert.Equal(t, "journal", sink.Name())

	ip := netip.MustParseAddr("10.0.0.5")
	require.NoError(t, sink.Deliver(context.Background(), model.NewNodeEvent(model.NodeEventEvicted, ip, "rack-05", at)))

	got, err := journal.List(context.Background(), ip, 0, 10)
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, model.NodeEventEvicted, got[0].Type)
}

func TestJetStreamPublisher(t *testing.T) {
	_, _, js := testutil.StartJetStream(t)
	logger := zaptest.NewLogger(t)
	cfg := streamConfig

	publisher, err := NewJetStreamPublisher(js, cfg, logger)
	require.NoError(t, err)
	require.NoError(t, testutil.WaitForStream(t, js, cfg.Stream, 5*time.Second))

	ip := netip.MustParseAddr("10.0.0.5")
	event := model.NewNodeEvent(model.NodeEventDiscovered, ip, "", at)
	require.NoError(t, publisher.Deliver(context.Background(), event))
	// same ID is deduplicated by the stream
	require.NoError(t, publisher.Deliver(context.Background(), event))

	msgs := testutil.WaitForMessages(t, js, "nodes.node_discovered", 1, 5*time.Second)
	var decoded model.NodeEvent
	require.NoError(t, json.Unmarshal(msgs[0].Data, &decoded))
	assert.Equal(t, event.ID, decoded.ID)
	assert.Equal(t, ip, decoded.IP)
	assert.True(t, at.Equal(decoded.At))

	info, err := js.StreamInfo(cfg.Stream)
	require.NoError(t, err)
	assert.Equal(t, uint64(1), info.State.Msgs)

	// a second publisher reuses the stream
	_, err = NewJetStreamPublisher(js, cfg, logger)
	require.NoError(t, err)
}

func TestStreamConfigSubject(t *testing.T) {
	cfg := streamConfig
	assert.Equal(t, "nodes.node_evicted", cfg.Subject(model.NodeEventEvicted))
}
