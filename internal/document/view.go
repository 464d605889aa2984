package document

import (
	"sort"
	"strconv"
	"strings"
	"sync"

	"golang.org/x/text/collate"
	"golang.org/x/text/language"
)

// Direction orders a sorted view ascending or descending.
type Direction string

const (
	Ascending  Direction = "asc"
	Descending Direction = "desc"
)

// SortSpec names the field to order by and the direction. Exactly one
// sort key is active at a time; toggling direction replaces it.
type SortSpec struct {
	Field     string
	Direction Direction
}

// collator performs locale-aware, case-insensitive string comparison.
// collate.Loose ignores case and diacritics so "Apple" sorts before
// "banana" and "árbol" groups with "arbol".
var (
	collator     *collate.Collator
	collatorOnce sync.Once
	collatorMu   sync.Mutex
)

func compareStrings(a, b string) int {
	collatorOnce.Do(func() {
		collator = collate.New(language.Und, collate.Loose)
	})

	// Collators are not safe for concurrent use.
	collatorMu.Lock()
	defer collatorMu.Unlock()

	return collator.CompareString(a, b)
}

// Filter returns the documents whose name contains the search term,
// case-insensitively. An empty term matches everything. Nil input
// yields an empty result rather than nil so callers can range and
// serialize it without nil checks.
func Filter(docs []Document, term string) []Document {
	out := []Document{}
	term = strings.ToLower(term)

	for _, d := range docs {
		if term == "" || strings.Contains(strings.ToLower(d.Name), term) {
			out = append(out, d)
		}
	}

	return out
}

// Sort returns a new slice ordered by field and direction. The comparison is
// locale-aware string collation on the configured field; missing or
// unknown fields compare as empty strings. The sort is stable, and the
// input is never mutated.
func Sort(docs []Document, spec SortSpec) []Document {
	out := make([]Document, len(docs))
	copy(out, docs)

	sort.SliceStable(out, func(i, j int) bool {
		cmp := compareStrings(fieldValue(out[i], spec.Field), fieldValue(out[j], spec.Field))
		if spec.Direction == Descending {
			return cmp > 0
		}

		return cmp < 0
	})

	return out
}

// View applies filter then sort. Pure: a new slice is produced on every
// call so recomputation on any input change is safe.
func View(docs []Document, term string, spec SortSpec) []Document {
	return Sort(Filter(docs, term), spec)
}

// fieldValue projects a sortable field to its string form. Timestamps
// use RFC 3339, which is chronological under lexicographic order. Sizes
// are zero-padded for the same reason.
func fieldValue(d Document, field string) string {
	switch field {
	case "name":
		return d.Name
	case "ext":
		return d.Ext
	case "color":
		return d.Color
	case "size":
		return padNumber(d.Size)
	case "created_at":
		if d.CreatedAt.IsZero() {
			return ""
		}

		return d.CreatedAt.UTC().Format("2006-01-02T15:04:05.000000000Z")
	case "updated_at":
		if d.UpdatedAt.IsZero() {
			return ""
		}

		return d.UpdatedAt.UTC().Format("2006-01-02T15:04:05.000000000Z")
	default:
		return ""
	}
}

// padNumber renders a size as a fixed-width decimal so string
// comparison matches numeric order. 19 digits covers int64.
func padNumber(n int64) string {
	s := strconv.FormatInt(n, 10)
	if len(s) >= 19 {
		return s
	}

	return strings.Repeat("0", 19-len(s)) + s
}
