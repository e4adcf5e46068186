// Package recommend ranks a catalog of tracks by how close their genre
// scores are to a query track.
package recommend

import (
	"cmp"
	"slices"

	"gonum.org/v1/gonum/floats"
)

// Entry is one catalog track and its raw genre scores in registry order.
type Entry struct {
	Title  string    `msgpack:"title"`
	Scores []float32 `msgpack:"scores"`
}

// Match is a recommended track and its L1 distance to the query.
type Match struct {
	Title    string  `json:"title"`
	Distance float64 `json:"distance"`
}

// Recommend returns the topN entries closest to query by L1 distance, nearest
// first. Ties keep catalog order. Entries whose score vector length differs
// from the query are skipped.
func Recommend(query []float32, entries []Entry, topN int) []Match {
	if topN <= 0 {
		return nil
	}

	q := toFloat64(query)
	matches := make([]Match, 0, len(entries))
	for _, e := range entries {
		if len(e.Scores) != len(q) {
			continue
		}
		matches = append(matches, Match{Title: e.Title, Distance: floats.Distance(q, toFloat64(e.Scores), 1)})
	}

	slices.SortStableFunc(matches, func(a, b Match) int {
		return cmp.Compare(a.Distance, b.Distance)
	})
	return matches[:min(topN, len(matches))]
}

func toFloat64(v []float32) []float64 {
	out := make([]float64, len(v))
	for i, x := range v {
		out[i] = float64(x)
	}
	return out
}
