package kafkaconsumer

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/IBM/sarama"

	"github.com/mohammed-shakir/district-metrics-cache/internal/core/model"
	"github.com/mohammed-shakir/district-metrics-cache/internal/invalidation"
)

type fakeMarker struct {
	keys []model.Key
	err  error
}

func (f *fakeMarker) MarkStale(ctx context.Context, key model.Key) error {
	if f.err != nil {
		return f.err
	}
	f.keys = append(f.keys, key)
	return nil
}

func testConsumer(marker Marker) *Consumer {
	return New(
		NewConfig("localhost:9092", "metrics-published", "metrics-cache"),
		slog.New(slog.NewTextHandler(io.Discard, nil)),
		marker,
	)
}

func message(t *testing.T, ev invalidation.Event) *sarama.ConsumerMessage {
	t.Helper()
	raw, err := json.Marshal(ev)
	if err != nil {
		t.Fatalf("marshal event: %v", err)
	}
	return &sarama.ConsumerMessage{Topic: "metrics-published", Value: raw}
}

func event(seq uint64) invalidation.Event {
	return invalidation.Event{
		Version:  1,
		Seq:      seq,
		State:    "Bihar",
		District: "Patna",
		Year:     2023,
		Month:    4,
		TS:       time.Date(2023, 5, 1, 0, 0, 0, 0, time.UTC),
	}
}

func TestProcessOne_MarksStale(t *testing.T) {
	marker := &fakeMarker{}
	c := testConsumer(marker)

	if err := c.ProcessOne(context.Background(), message(t, event(1))); err != nil {
		t.Fatalf("ProcessOne: %v", err)
	}
	if len(marker.keys) != 1 {
		t.Fatalf("marked %d keys, want 1", len(marker.keys))
	}
	key := marker.keys[0]
	if key.Region.State != "BIHAR" || key.Region.District != "PATNA" || key.YearMonth.Month != 4 {
		t.Fatalf("wrong key: %+v", key)
	}
}

func TestProcessOne_SkipsGarbage(t *testing.T) {
	marker := &fakeMarker{}
	c := testConsumer(marker)
	ctx := context.Background()

	undecodable := &sarama.ConsumerMessage{Topic: "metrics-published", Value: []byte("{nope")}
	if err := c.ProcessOne(ctx, undecodable); err != nil {
		t.Fatalf("undecodable message must be skipped, not retried: %v", err)
	}

	bad := event(1)
	bad.Month = 13
	if err := c.ProcessOne(ctx, message(t, bad)); err != nil {
		t.Fatalf("invalid event must be skipped, not retried: %v", err)
	}

	if len(marker.keys) != 0 {
		t.Fatalf("garbage reached the marker: %+v", marker.keys)
	}
}

func TestProcessOne_DedupesBySeq(t *testing.T) {
	marker := &fakeMarker{}
	c := testConsumer(marker)
	ctx := context.Background()

	for _, seq := range []uint64{5, 5, 3, 6} {
		if err := c.ProcessOne(ctx, message(t, event(seq))); err != nil {
			t.Fatalf("ProcessOne seq=%d: %v", seq, err)
		}
	}
	// 5 applies, the replayed 5 and the older 3 do not, 6 applies
	if len(marker.keys) != 2 {
		t.Fatalf("marked %d times, want 2", len(marker.keys))
	}
}

func TestProcessOne_DistinctKeysIndependentSeq(t *testing.T) {
	marker := &fakeMarker{}
	c := testConsumer(marker)
	ctx := context.Background()

	if err := c.ProcessOne(ctx, message(t, event(5))); err != nil {
		t.Fatalf("ProcessOne: %v", err)
	}
	other := event(5)
	other.District = "Gaya"
	if err := c.ProcessOne(ctx, message(t, other)); err != nil {
		t.Fatalf("ProcessOne: %v", err)
	}
	if len(marker.keys) != 2 {
		t.Fatalf("seq space must be per key: %+v", marker.keys)
	}
}

func TestNewConfig_SplitsBrokers(t *testing.T) {
	cfg := NewConfig(" kafka-1:9092, kafka-2:9092 ,", "t", "g")
	if len(cfg.Brokers) != 2 || cfg.Brokers[0] != "kafka-1:9092" || cfg.Brokers[1] != "kafka-2:9092" {
		t.Fatalf("brokers=%v", cfg.Brokers)
	}
}

func TestProcessOne_MarkerErrorPropagates(t *testing.T) {
	marker := &fakeMarker{err: context.DeadlineExceeded}
	c := testConsumer(marker)

	if err := c.ProcessOne(context.Background(), message(t, event(1))); err == nil {
		t.Fatalf("marker failure must propagate for redelivery")
	}
}
