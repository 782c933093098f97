package worker

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/Priya8975/event-pipeline/internal/transport"
	"github.com/nats-io/nats.go"
)

func TestPool_RunsEveryWorkerOnItsOwnSource(t *testing.T) {
	s := seededStore(t)
	c := newConsumer(s, s, defaultRegistry(t), &recordingPusher{})

	var mu sync.Mutex
	sources := map[int]*fakeSource{}
	factory := func(ctx context.Context, worker int) (transport.Source, error) {
		mu.Lock()
		defer mu.Unlock()
		src := newFakeSource(encode(t, followEnvelope(fmt.Sprintf("E%d", worker))))
		sources[worker] = src
		return src, nil
	}

	pool := NewPool(3, c, factory, testLogger())
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- pool.Serve(ctx) }()

	eventually(t, func() bool { return followerCount(t, s, "bob") == 3 })
	cancel()

	if err := <-done; err != nil {
		t.Fatalf("Serve returned %v", err)
	}

	mu.Lock()
	defer mu.Unlock()
	if len(sources) != 3 {
		t.Fatalf("expected 3 sources, got %d", len(sources))
	}
	for w, src := range sources {
		if !src.closed.Load() {
			t.Errorf("source of worker %d not closed", w)
		}
		if len(src.ackedOffsets()) != 1 {
			t.Errorf("worker %d acked %v", w, src.ackedOffsets())
		}
	}
}

func TestPool_JetStreamWorkersConsumeEveryPartition(t *testing.T) {
	ns, err := transport.StartEmbeddedNATS("127.0.0.1", -1, t.TempDir())
	if err != nil {
		t.Fatalf("starting nats: %v", err)
	}
	t.Cleanup(ns.Shutdown)
	nc, err := nats.Connect(ns.ClientURL())
	if err != nil {
		t.Fatalf("connecting: %v", err)
	}
	t.Cleanup(nc.Close)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Second)
	defer cancel()

	cfg := transport.JetStreamConfig{
		Stream:     "EVENTS_POOL",
		Subject:    "events.pool",
		Durable:    "pipeline",
		Partitions: 8,
		Workers:    3,
		AckWait:    5 * time.Second,
		FetchWait:  200 * time.Millisecond,
	}
	pub, err := transport.NewJetStreamPublisherConn(ctx, nc, cfg)
	if err != nil {
		t.Fatalf("publisher: %v", err)
	}

	// one follow envelope per partition, each with its own event id
	covered := make(map[int]bool)
	for i := 0; len(covered) < cfg.Partitions; i++ {
		key := fmt.Sprintf("user-%d", i)
		p := transport.PartitionFor([]byte(key), cfg.Partitions)
		if covered[p] {
			continue
		}
		covered[p] = true
		if err := pub.Publish(ctx, []byte(key), encode(t, followEnvelope(fmt.Sprintf("E%d", p)))); err != nil {
			t.Fatalf("publish: %v", err)
		}
	}

	s := seededStore(t)
	c := newConsumer(s, s, defaultRegistry(t), &recordingPusher{})
	factory := func(ctx context.Context, worker int) (transport.Source, error) {
		return transport.NewJetStreamSourceConn(ctx, nc, cfg, worker)
	}

	runCtx, stop := context.WithCancel(ctx)
	done := make(chan error, 1)
	go func() { done <- NewPool(cfg.Workers, c, factory, testLogger()).Serve(runCtx) }()

	eventuallyWithin(t, 15*time.Second, func() bool {
		return followerCount(t, s, "bob") == int64(cfg.Partitions)
	})
	stop()
	if err := <-done; err != nil {
		t.Fatalf("Serve returned %v", err)
	}
}

func TestPool_SourceFailureClosesOpenedSources(t *testing.T) {
	s := seededStore(t)
	c := newConsumer(s, s, defaultRegistry(t), &recordingPusher{})

	first := newFakeSource()
	factory := func(ctx context.Context, worker int) (transport.Source, error) {
		if worker == 0 {
			return first, nil
		}
		return nil, errors.New("broker unreachable")
	}

	err := NewPool(2, c, factory, testLogger()).Serve(context.Background())
	if err == nil {
		t.Fatal("expected error when a source cannot be opened")
	}
	if !first.closed.Load() {
		t.Error("already opened source must be closed")
	}
}

func TestPool_String(t *testing.T) {
	p := NewPool(1, nil, nil, testLogger())
	if p.String() != "consumer-pool" {
		t.Errorf("got %q", p.String())
	}
}
