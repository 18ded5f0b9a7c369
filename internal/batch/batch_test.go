package batch

import (
	"fmt"
	"reflect"
	"testing"

	"github.com/lox/tidestarget/internal/models"
)

func TestDedupe_KeepsLatest(t *testing.T) {
	alerts := []models.Alert{
		{ObjectID: "ZTF21b", JDMax: 2459301.5, RawJSON: "b-late"},
		{ObjectID: "ZTF21a", JDMax: 2459300.5, RawJSON: "a-early"},
		{ObjectID: "ZTF21b", JDMax: 2459300.5, RawJSON: "b-early"},
		{ObjectID: "ZTF21a", JDMax: 2459302.5, RawJSON: "a-late"},
		{ObjectID: "", JDMax: 2459399.5},
	}

	got := Dedupe(alerts)
	if len(got) != 2 {
		t.Fatalf("len = %d, want 2", len(got))
	}
	if got[0].ObjectID != "ZTF21a" || got[0].RawJSON != "a-late" {
		t.Errorf("got[0] = %s/%s, want ZTF21a/a-late", got[0].ObjectID, got[0].RawJSON)
	}
	if got[1].ObjectID != "ZTF21b" || got[1].RawJSON != "b-late" {
		t.Errorf("got[1] = %s/%s, want ZTF21b/b-late", got[1].ObjectID, got[1].RawJSON)
	}
}

func TestDedupe_TieLaterWins(t *testing.T) {
	got := Dedupe([]models.Alert{
		{ObjectID: "ZTF21a", JDMax: 10, RawJSON: "first"},
		{ObjectID: "ZTF21a", JDMax: 10, RawJSON: "second"},
	})
	if len(got) != 1 || got[0].RawJSON != "second" {
		t.Errorf("got %+v, want single alert 'second'", got)
	}
}

func TestUniqueIDs(t *testing.T) {
	got := UniqueIDs([]string{"c", "a", "", "c", "b", "a"})
	want := []string{"a", "b", "c"}
	if !reflect.DeepEqual(got, want) {
		t.Errorf("UniqueIDs = %v, want %v", got, want)
	}
}

func TestClampChunkSize(t *testing.T) {
	tests := []struct {
		in, want int
	}{
		{0, 50},
		{-3, 50},
		{1, 1},
		{10, 10},
		{50, 50},
		{51, 50},
		{500, 50},
	}
	for _, tt := range tests {
		if got := ClampChunkSize(tt.in); got != tt.want {
			t.Errorf("ClampChunkSize(%d) = %d, want %d", tt.in, got, tt.want)
		}
	}
}

func TestChunk(t *testing.T) {
	ids := make([]string, 123)
	for i := range ids {
		ids[i] = fmt.Sprintf("ZTF%03d", i)
	}

	for _, n := range []int{1, 7, 10, 50, 51, 1000} {
		t.Run(fmt.Sprintf("n=%d", n), func(t *testing.T) {
			limit := min(n, MaxChunkSize)
			chunks := Chunk(ids, n)

			var joined []string
			for i, c := range chunks {
				if len(c) > limit {
					t.Errorf("chunk %d has %d ids, limit %d", i, len(c), limit)
				}
				if i < len(chunks)-1 && len(c) != limit {
					t.Errorf("non-final chunk %d has %d ids, want %d", i, len(c), limit)
				}
				if len(c) == 0 {
					t.Errorf("chunk %d is empty", i)
				}
				joined = append(joined, c...)
			}
			if !reflect.DeepEqual(joined, ids) {
				t.Error("concatenated chunks do not reproduce input")
			}
			if again := Chunk(ids, n); !reflect.DeepEqual(again, chunks) {
				t.Error("Chunk is not reproducible")
			}
		})
	}
}

func TestChunk_Empty(t *testing.T) {
	if got := Chunk(nil, 10); len(got) != 0 {
		t.Errorf("Chunk(nil) = %v, want empty", got)
	}
}

func TestChunk_AppendDoesNotClobber(t *testing.T) {
	ids := []string{"a", "b", "c", "d"}
	chunks := Chunk(ids, 2)
	_ = append(chunks[0], "x")
	if ids[2] != "c" {
		t.Errorf("appending to a chunk overwrote the next id: %v", ids)
	}
}
