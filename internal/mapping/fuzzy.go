package mapping

import (
	"fmt"
	"sort"
	"strings"
	"unicode"

	"golang.org/x/text/runes"
	"golang.org/x/text/transform"
	"golang.org/x/text/unicode/norm"
)

// QueryArgumentNames are the call arguments treated as free-text search input.
var QueryArgumentNames = []string{"query", "search", "q", "keyword", "keywords", "term"}

const maxSuggestions = 3

// Suggestions replaces an empty filtered result so the caller always has something to offer.
type Suggestions struct {
	Message     string `json:"message"`
	Query       string `json:"query"`
	Suggestions []any  `json:"suggestions"`
}

// QueryArgument returns the first non-empty query-shaped string argument.
func QueryArgument(params map[string]any) (string, bool) {
	for _, name := range QueryArgumentNames {
		if s, ok := params[name].(string); ok && strings.TrimSpace(s) != "" {
			return s, true
		}
	}
	return "", false
}

// Normalize lowercases s and strips combining marks, so "Café" matches "cafe".
func Normalize(s string) string {
	t := transform.Chain(norm.NFD, runes.Remove(runes.In(unicode.Mn)), norm.NFC)
	out, _, err := transform.String(t, s)
	if err != nil {
		out = s
	}
	return strings.ToLower(out)
}

// Filter narrows the first array found in data (breadth-first) to records
// matching query. When nothing matches it returns Suggestions instead.
// Data without any array is returned unchanged.
func Filter(data any, query string) any {
	q := Normalize(strings.TrimSpace(query))
	if q == "" {
		return data
	}
	tokens := strings.Fields(q)

	filter := func(records []any) ([]any, bool) {
		matches := make([]any, 0)
		for _, rec := range records {
			if recordMatches(rec, q, tokens) {
				matches = append(matches, rec)
			}
		}
		return matches, len(matches) > 0
	}

	if arr, ok := data.([]any); ok {
		if matches, found := filter(arr); found {
			return matches
		}
		return suggestionsFor(query, arr)
	}

	type node struct {
		value any
		set   func([]any)
	}
	queue := []node{{value: data}}
	for len(queue) > 0 {
		n := queue[0]
		queue = queue[1:]

		switch v := n.value.(type) {
		case []any:
			if n.set == nil {
				continue
			}
			matches, found := filter(v)
			if !found {
				return suggestionsFor(query, v)
			}
			n.set(matches)
			return data
		case map[string]any:
			keys := make([]string, 0, len(v))
			for k := range v {
				keys = append(keys, k)
			}
			sort.Strings(keys)
			for _, k := range keys {
				m, key := v, k
				queue = append(queue, node{value: v[k], set: func(a []any) { m[key] = a }})
			}
		}
	}
	return data
}

func suggestionsFor(query string, records []any) *Suggestions {
	n := len(records)
	if n > maxSuggestions {
		n = maxSuggestions
	}
	return &Suggestions{
		Message:     fmt.Sprintf("No exact matches for %q; here are some alternatives.", query),
		Query:       query,
		Suggestions: append(make([]any, 0, n), records[:n]...),
	}
}

func recordMatches(rec any, q string, tokens []string) bool {
	var fields []string
	collectStrings(rec, &fields)
	if len(fields) == 0 {
		return false
	}
	for _, f := range fields {
		if strings.Contains(f, q) {
			return true
		}
	}
	for _, tok := range tokens {
		found := false
		for _, f := range fields {
			if strings.Contains(f, tok) {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	return true
}

func collectStrings(v any, out *[]string) {
	switch t := v.(type) {
	case string:
		*out = append(*out, Normalize(t))
	case map[string]any:
		for _, val := range t {
			collectStrings(val, out)
		}
	case []any:
		for _, val := range t {
			collectStrings(val, out)
		}
	}
}
