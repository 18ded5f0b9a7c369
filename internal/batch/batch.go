// Package batch reduces an ingestion batch to unique objects and splits
// identifiers into request-sized chunks.
package batch

import (
	"log"
	"sort"

	"github.com/lox/tidestarget/internal/models"
)

const (
	// MaxChunkSize is the light-curve API's limit on identifiers per request.
	MaxChunkSize     = 50
	DefaultChunkSize = MaxChunkSize
)

// Dedupe keeps the most recent alert (greatest JDMax) for each object. On
// equal JDMax the later alert in input order wins. The result is ordered by
// object ID.
func Dedupe(alerts []models.Alert) []models.Alert {
	latest := make(map[string]models.Alert, len(alerts))
	for _, a := range alerts {
		if a.ObjectID == "" {
			continue
		}
		prev, ok := latest[a.ObjectID]
		if !ok || a.JDMax >= prev.JDMax {
			latest[a.ObjectID] = a
		}
	}

	out := make([]models.Alert, 0, len(latest))
	for _, a := range latest {
		out = append(out, a)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ObjectID < out[j].ObjectID })
	return out
}

// ObjectIDs returns the object IDs of alerts in order.
func ObjectIDs(alerts []models.Alert) []string {
	ids := make([]string, len(alerts))
	for i, a := range alerts {
		ids[i] = a.ObjectID
	}
	return ids
}

// UniqueIDs returns the sorted distinct non-empty identifiers.
func UniqueIDs(ids []string) []string {
	seen := make(map[string]struct{}, len(ids))
	out := make([]string, 0, len(ids))
	for _, id := range ids {
		if id == "" {
			continue
		}
		if _, ok := seen[id]; ok {
			continue
		}
		seen[id] = struct{}{}
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}

// ClampChunkSize bounds a requested chunk size to [1, MaxChunkSize]. Zero or
// negative sizes mean the default.
func ClampChunkSize(n int) int {
	switch {
	case n <= 0:
		return DefaultChunkSize
	case n > MaxChunkSize:
		log.Printf("batch: max chunk size is %d, clamping %d", MaxChunkSize, n)
		return MaxChunkSize
	default:
		return n
	}
}

// Chunk splits ids into consecutive groups of at most n, preserving order.
// Only the last chunk may be shorter. Calling it again recomputes the same
// chunks; the chunks share ids' backing array.
func Chunk(ids []string, n int) [][]string {
	n = ClampChunkSize(n)
	chunks := make([][]string, 0, (len(ids)+n-1)/n)
	for i := 0; i < len(ids); i += n {
		end := min(i+n, len(ids))
		chunks = append(chunks, ids[i:end:end])
	}
	return chunks
}
