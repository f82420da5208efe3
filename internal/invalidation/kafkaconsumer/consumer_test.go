package kafkaconsumer

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/IBM/sarama"

	"github.com/whereitwent/places-backend/internal/core/model"
	"github.com/whereitwent/places-backend/internal/invalidation"
	"github.com/whereitwent/places-backend/internal/s2geo"
)

type fakeCache struct {
	failFirst atomic.Bool
	mu        sync.Mutex
	seenDel   []string
}

func (f *fakeCache) Get(context.Context, string) ([]model.Place, error) { return nil, nil }
func (f *fakeCache) Set(context.Context, string, []model.Place, time.Duration) error {
	return nil
}
func (f *fakeCache) AcquireLock(context.Context, string, time.Duration) (string, error) {
	return "", nil
}
func (f *fakeCache) ReleaseLock(context.Context, string, string) error { return nil }

func (f *fakeCache) Del(_ context.Context, tokens ...string) error {
	f.mu.Lock()
	f.seenDel = append(f.seenDel, tokens...)
	f.mu.Unlock()
	if f.failFirst.Load() {
		f.failFirst.Store(false)
		return errors.New("boom")
	}
	return nil
}

func (f *fakeCache) deleted() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.seenDel...)
}

type sess struct {
	ctx    context.Context
	mu     sync.Mutex
	marked []int64
}

func (s *sess) Claims() map[string][]int32 { return nil }
func (s *sess) MemberID() string           { return "" }
func (s *sess) GenerationID() int32        { return 0 }
func (s *sess) MarkMessage(m *sarama.ConsumerMessage, _ string) {
	s.mu.Lock()
	s.marked = append(s.marked, m.Offset)
	s.mu.Unlock()
}
func (s *sess) ResetOffset(_ string, _ int32, _ int64, _ string) {}
func (s *sess) MarkOffset(_ string, _ int32, _ int64, _ string)  {}
func (s *sess) Context() context.Context                         { return s.ctx }
func (s *sess) Errors() <-chan error                             { return nil }
func (s *sess) Commit()                                          {}

type claim struct {
	part int32
	msgs chan *sarama.ConsumerMessage
}

func (c *claim) Topic() string                            { return "places-invalidation" }
func (c *claim) Partition() int32                         { return c.part }
func (c *claim) InitialOffset() int64                     { return 0 }
func (c *claim) HighWaterMarkOffset() int64               { return 0 }
func (c *claim) Messages() <-chan *sarama.ConsumerMessage { return c.msgs }

func testCell() s2geo.Cell {
	return s2geo.CellFromRegion(s2geo.NewSearchRegion(38.826589169752516, -77.30255757609915, 300))
}

func tokenEventBytes(token string, seq uint64) []byte {
	b, _ := json.Marshal(invalidation.Event{
		Version: 1, Op: invalidation.OpToken, Token: token, Seq: seq, TS: time.Now().UTC(),
	})
	return b
}

func msgAt(offset int64, value []byte) *sarama.ConsumerMessage {
	return &sarama.ConsumerMessage{Topic: "places-invalidation", Partition: 0, Offset: offset, Value: value}
}

func newConsumerForTest(fc *fakeCache) *Consumer {
	cfg := Config{Brokers: []string{"x"}, Topic: "places-invalidation", GroupID: "g", DedupeSize: 16}
	return New(cfg, nil, fc, 16)
}

func TestProcessOne_TokenEventDeletesCellAndAncestors(t *testing.T) {
	fc := &fakeCache{}
	c := newConsumerForTest(fc)
	cell := testCell()

	if err := c.ProcessOne(context.Background(), msgAt(1, tokenEventBytes(cell.Token, 0))); err != nil {
		t.Fatalf("ProcessOne: %v", err)
	}

	// level 14 token plus ancestors at 13..10
	deleted := fc.deleted()
	if len(deleted) != cell.Level-s2geo.MinLevel+1 {
		t.Fatalf("deleted %d keys want %d: %v", len(deleted), cell.Level-s2geo.MinLevel+1, deleted)
	}
	if deleted[0] != cell.Token {
		t.Fatalf("first deleted key %q want the event token %q", deleted[0], cell.Token)
	}
	want := cell
	for i := 1; i < len(deleted); i++ {
		want = s2geo.Parent(want)
		if deleted[i] != want.Token {
			t.Fatalf("deleted[%d]=%q want ancestor %q", i, deleted[i], want.Token)
		}
	}
}

func TestProcessOne_RegionEventCoversAllLevels(t *testing.T) {
	fc := &fakeCache{}
	c := newConsumerForTest(fc)

	lat, lon, radius := 38.83, -77.31, 200.0
	b, _ := json.Marshal(invalidation.Event{
		Version: 1, Op: invalidation.OpRegion,
		Lat: &lat, Lon: &lon, RadiusM: &radius, TS: time.Now().UTC(),
	})
	if err := c.ProcessOne(context.Background(), msgAt(1, b)); err != nil {
		t.Fatalf("ProcessOne: %v", err)
	}

	region := s2geo.SearchRegion{Lat: lat, Lon: lon, RadiusM: radius}
	want := 0
	for level := s2geo.MinLevel; level <= 16; level++ {
		want += len(s2geo.CoverRegionAtLevel(region, level))
	}
	if got := len(fc.deleted()); got != want {
		t.Fatalf("deleted %d keys want %d", got, want)
	}
}

func TestProcessOne_MalformedAndInvalidAreSkipped(t *testing.T) {
	fc := &fakeCache{}
	c := newConsumerForTest(fc)
	ctx := context.Background()

	if err := c.ProcessOne(ctx, msgAt(1, []byte("{{{"))); err != nil {
		t.Fatalf("malformed message must be skipped, got %v", err)
	}
	bad, _ := json.Marshal(invalidation.Event{Version: 7, Op: "nope"})
	if err := c.ProcessOne(ctx, msgAt(2, bad)); err != nil {
		t.Fatalf("invalid event must be skipped, got %v", err)
	}
	if len(fc.deleted()) != 0 {
		t.Fatalf("deletes happened for skipped events: %v", fc.deleted())
	}
}

func TestProcessOne_SequenceDedupe(t *testing.T) {
	fc := &fakeCache{}
	c := newConsumerForTest(fc)
	ctx := context.Background()
	tok := testCell().Token

	if err := c.ProcessOne(ctx, msgAt(1, tokenEventBytes(tok, 5))); err != nil {
		t.Fatalf("seq 5: %v", err)
	}
	first := len(fc.deleted())

	// replay and an older sequence are both dropped
	if err := c.ProcessOne(ctx, msgAt(2, tokenEventBytes(tok, 5))); err != nil {
		t.Fatalf("replay: %v", err)
	}
	if err := c.ProcessOne(ctx, msgAt(3, tokenEventBytes(tok, 4))); err != nil {
		t.Fatalf("stale: %v", err)
	}
	if len(fc.deleted()) != first {
		t.Fatalf("stale events caused deletes: %d then %d", first, len(fc.deleted()))
	}

	// a newer sequence applies
	if err := c.ProcessOne(ctx, msgAt(4, tokenEventBytes(tok, 6))); err != nil {
		t.Fatalf("seq 6: %v", err)
	}
	if len(fc.deleted()) != 2*first {
		t.Fatalf("newer seq did not apply: %d", len(fc.deleted()))
	}
}

func TestConsumeClaim_MarksAfterWork(t *testing.T) {
	fc := &fakeCache{}
	c := newConsumerForTest(fc)
	g := &groupHandler{process: c.ProcessOne}
	s := &sess{ctx: t.Context()}

	tok := testCell().Token
	ch := make(chan *sarama.ConsumerMessage, 2)
	ch <- msgAt(10, tokenEventBytes(tok, 1))
	ch <- msgAt(11, tokenEventBytes(tok, 2))
	close(ch)

	if err := g.ConsumeClaim(s, &claim{part: 0, msgs: ch}); err != nil {
		t.Fatalf("ConsumeClaim: %v", err)
	}
	if len(s.marked) != 2 || s.marked[0] != 10 || s.marked[1] != 11 {
		t.Fatalf("marked offsets=%v want [10 11]", s.marked)
	}
}

func TestConsumeClaim_DeleteFailureIsNotMarked(t *testing.T) {
	fc := &fakeCache{}
	fc.failFirst.Store(true)
	c := newConsumerForTest(fc)
	ctx := context.Background()

	msg := msgAt(5, tokenEventBytes(testCell().Token, 1))
	if err := c.ProcessOne(ctx, msg); err == nil {
		t.Fatal("expected error while the cache is failing")
	}

	// redelivery succeeds and the offset is marked
	s := &sess{ctx: ctx}
	g := &groupHandler{process: c.ProcessOne}
	ch := make(chan *sarama.ConsumerMessage, 1)
	ch <- msg
	close(ch)
	if err := g.ConsumeClaim(s, &claim{part: 0, msgs: ch}); err != nil {
		t.Fatalf("ConsumeClaim retry: %v", err)
	}
	if len(s.marked) != 1 || s.marked[0] != 5 {
		t.Fatalf("offset not marked after success; marked=%v", s.marked)
	}
}
