package store

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"testing"
	"time"
)

func newTestStore(t *testing.T) *BadgerStore {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
	s, err := NewBadgerStore(&BadgerConfig{InMemory: true}, logger)
	if err != nil {
		t.Fatalf("failed to open in-memory store: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestBadgerGetSetDel(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	key := []byte("test:key")
	if _, err := s.Get(ctx, key); !errors.Is(err, ErrKeyNotFound) {
		t.Errorf("expected ErrKeyNotFound, got %v", err)
	}

	if err := s.Set(ctx, key, []byte("value")); err != nil {
		t.Fatal(err)
	}
	got, err := s.Get(ctx, key)
	if err != nil {
		t.Fatal(err)
	}
	if string(got) != "value" {
		t.Errorf("got %q, want value", got)
	}

	if err := s.Del(ctx, key); err != nil {
		t.Fatal(err)
	}
	if _, err := s.Get(ctx, key); !errors.Is(err, ErrKeyNotFound) {
		t.Errorf("expected ErrKeyNotFound after delete, got %v", err)
	}
	// Deleting a missing key is fine.
	if err := s.Del(ctx, key); err != nil {
		t.Errorf("delete of missing key: %v", err)
	}
}

func TestBadgerScan(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		key := []byte(fmt.Sprintf("scan:%d", i))
		if err := s.Set(ctx, key, []byte{byte(i)}); err != nil {
			t.Fatal(err)
		}
	}
	if err := s.Set(ctx, []byte("other:0"), []byte("x")); err != nil {
		t.Fatal(err)
	}

	results, err := s.Scan(ctx, []byte("scan:"), 0)
	if err != nil {
		t.Fatal(err)
	}
	if len(results) != 5 {
		t.Errorf("scan returned %d results, want 5", len(results))
	}

	limited, err := s.Scan(ctx, []byte("scan:"), 2)
	if err != nil {
		t.Fatal(err)
	}
	if len(limited) != 2 {
		t.Errorf("limited scan returned %d results, want 2", len(limited))
	}
}

func TestBadgerIncr(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	key := []byte("seq")
	for want := int64(1); want <= 3; want++ {
		got, err := s.Incr(ctx, key)
		if err != nil {
			t.Fatal(err)
		}
		if got != want {
			t.Errorf("Incr = %d, want %d", got, want)
		}
	}

	// Independent counters don't interfere.
	got, err := s.Incr(ctx, []byte("seq2"))
	if err != nil {
		t.Fatal(err)
	}
	if got != 1 {
		t.Errorf("second counter = %d, want 1", got)
	}
}

func TestBadgerZSetOrdering(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	key := []byte("ordered")

	err := s.ZAdd(ctx, key,
		ScoredMember{Member: []byte("c"), Score: 3},
		ScoredMember{Member: []byte("a"), Score: 1},
		ScoredMember{Member: []byte("b"), Score: 2},
	)
	if err != nil {
		t.Fatal(err)
	}

	asc, err := s.ZRange(ctx, key, ScoreRange{})
	if err != nil {
		t.Fatal(err)
	}
	if len(asc) != 3 || string(asc[0].Member) != "a" || string(asc[2].Member) != "c" {
		t.Errorf("ascending order wrong: %+v", asc)
	}

	desc, err := s.ZRevRange(ctx, key, ScoreRange{})
	if err != nil {
		t.Fatal(err)
	}
	if len(desc) != 3 || string(desc[0].Member) != "c" || string(desc[2].Member) != "a" {
		t.Errorf("descending order wrong: %+v", desc)
	}
}

func TestBadgerZSetNegativeScores(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	key := []byte("neg")

	// The sortable float encoding must keep negative scores before positive.
	err := s.ZAdd(ctx, key,
		ScoredMember{Member: []byte("pos"), Score: 1.5},
		ScoredMember{Member: []byte("neg"), Score: -2.5},
		ScoredMember{Member: []byte("zero"), Score: 0},
	)
	if err != nil {
		t.Fatal(err)
	}

	members, err := s.ZRange(ctx, key, ScoreRange{})
	if err != nil {
		t.Fatal(err)
	}
	want := []string{"neg", "zero", "pos"}
	if len(members) != 3 {
		t.Fatalf("got %d members, want 3", len(members))
	}
	for i, m := range members {
		if string(m.Member) != want[i] {
			t.Errorf("members[%d] = %s, want %s", i, m.Member, want[i])
		}
	}
}

func TestBadgerZSetScoreUpdate(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	key := []byte("upd")

	if err := s.ZAdd(ctx, key, ScoredMember{Member: []byte("m"), Score: 1}); err != nil {
		t.Fatal(err)
	}
	// Re-adding with a new score moves the member, not duplicates it.
	if err := s.ZAdd(ctx, key, ScoredMember{Member: []byte("m"), Score: 9}); err != nil {
		t.Fatal(err)
	}

	card, err := s.ZCard(ctx, key)
	if err != nil {
		t.Fatal(err)
	}
	if card != 1 {
		t.Errorf("ZCard = %d, want 1", card)
	}

	members, err := s.ZRange(ctx, key, ScoreRange{})
	if err != nil {
		t.Fatal(err)
	}
	if len(members) != 1 || members[0].Score != 9 {
		t.Errorf("expected single member with score 9, got %+v", members)
	}
}

func TestBadgerZRangeFilters(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	key := []byte("filt")

	for i := 1; i <= 10; i++ {
		if err := s.ZAdd(ctx, key, ScoredMember{
			Member: []byte(fmt.Sprintf("m%02d", i)),
			Score:  float64(i),
		}); err != nil {
			t.Fatal(err)
		}
	}

	min, max := 3.0, 7.0
	ranged, err := s.ZRange(ctx, key, ScoreRange{Min: &min, Max: &max})
	if err != nil {
		t.Fatal(err)
	}
	if len(ranged) != 5 {
		t.Errorf("score-bounded range returned %d, want 5", len(ranged))
	}

	paged, err := s.ZRange(ctx, key, ScoreRange{Offset: 2, Count: 3})
	if err != nil {
		t.Fatal(err)
	}
	if len(paged) != 3 || string(paged[0].Member) != "m03" {
		t.Errorf("paged range wrong: %+v", paged)
	}

	topTwo, err := s.ZRevRange(ctx, key, ScoreRange{Count: 2})
	if err != nil {
		t.Fatal(err)
	}
	if len(topTwo) != 2 || string(topTwo[0].Member) != "m10" || string(topTwo[1].Member) != "m09" {
		t.Errorf("reverse limited range wrong: %+v", topTwo)
	}
}

func TestBadgerZRem(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	key := []byte("rem")

	if err := s.ZAdd(ctx, key,
		ScoredMember{Member: []byte("a"), Score: 1},
		ScoredMember{Member: []byte("b"), Score: 2},
	); err != nil {
		t.Fatal(err)
	}

	if err := s.ZRem(ctx, key, []byte("a"), []byte("missing")); err != nil {
		t.Fatal(err)
	}

	card, err := s.ZCard(ctx, key)
	if err != nil {
		t.Fatal(err)
	}
	if card != 1 {
		t.Errorf("ZCard = %d after removal, want 1", card)
	}
	members, _ := s.ZRange(ctx, key, ScoreRange{})
	if len(members) != 1 || string(members[0].Member) != "b" {
		t.Errorf("unexpected members after removal: %+v", members)
	}
}

func TestTimeScoreOrdering(t *testing.T) {
	earlier := time.Date(2025, 1, 1, 12, 0, 0, 0, time.UTC)
	later := earlier.Add(50 * time.Millisecond)
	if TimeScore(earlier) >= TimeScore(later) {
		t.Error("TimeScore must preserve sub-second ordering")
	}
}

func TestEncodeFloat64Roundtrip(t *testing.T) {
	values := []float64{-1e12, -1.5, -0.001, 0, 0.001, 1.5, 1e12}
	for _, v := range values {
		if got := decodeFloat64(encodeFloat64(v)); got != v {
			t.Errorf("roundtrip(%v) = %v", v, got)
		}
	}
	// Sortability: encoded byte order must match numeric order.
	for i := 1; i < len(values); i++ {
		a := encodeFloat64(values[i-1])
		b := encodeFloat64(values[i])
		if string(a) >= string(b) {
			t.Errorf("encoding not sortable: %v !< %v", values[i-1], values[i])
		}
	}
}
