package retrieve

import (
	"math"
	"sort"
	"unicode/utf8"

	"github.com/linnemanlabs/opsflow/internal/incident"
)

// Cosine returns dot(a,b) / (|a||b|), or 0 when either norm is zero or the
// lengths differ.
func Cosine(a, b []float64) float64 {
	if len(a) != len(b) {
		return 0
	}
	var dot, na, nb float64
	for i := range a {
		dot += a[i] * b[i]
		na += a[i] * a[i]
		nb += b[i] * b[i]
	}
	if na == 0 || nb == 0 {
		return 0
	}
	return dot / (math.Sqrt(na) * math.Sqrt(nb))
}

// Rank scores every chunk against query and returns the top k as context
// entries. Equal scores keep corpus order.
func Rank(query []float64, chunks []Chunk, k, snippetLen int) []incident.ContextEntry {
	type scored struct {
		idx   int
		score float64
	}
	all := make([]scored, len(chunks))
	for i := range chunks {
		all[i] = scored{idx: i, score: Cosine(query, chunks[i].Embedding)}
	}
	sort.SliceStable(all, func(i, j int) bool { return all[i].score > all[j].score })

	if k > len(all) {
		k = len(all)
	}
	out := make([]incident.ContextEntry, 0, k)
	for _, s := range all[:k] {
		c := &chunks[s.idx]
		out = append(out, incident.ContextEntry{
			Document: c.Document,
			Section:  c.Section,
			Score:    s.score,
			Snippet:  Snippet(c.Content, snippetLen),
		})
	}
	return out
}

// TruncationMarker is appended to snippets that were cut.
const TruncationMarker = "..."

// Snippet bounds s to n characters, appending TruncationMarker when cut.
func Snippet(s string, n int) string {
	if n <= 0 || utf8.RuneCountInString(s) <= n {
		return s
	}
	i := 0
	for pos := range s {
		if i == n {
			return s[:pos] + TruncationMarker
		}
		i++
	}
	return s
}
