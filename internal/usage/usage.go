// Package usage extracts token-usage figures out of a backend response
// body, supporting both a single JSON document and an SSE event stream,
// and the dotted-path JSON field map a ProviderType declares for them.
package usage

import (
	"bufio"
	"encoding/json"
	"io"
	"strconv"
	"strings"

	"github.com/rakunlabs/relay/internal/domain"
)

// Usage is the token/cost figures pulled out of one response.
type Usage struct {
	PromptTokens     int
	CompletionTokens int
	TotalTokens      int
	CachedTokens     int
	Model            string
}

// ExtractJSON walks a non-streaming JSON response body using the dotted
// paths declared in fields (e.g. "usage.prompt_tokens"). A hand-rolled
// walker over map[string]any is used here deliberately: each ProviderType
// declares its own field layout at config time, so there is no fixed
// struct to unmarshal into, and no JSONPath-style library appears anywhere
// in the example corpus for this narrow a need.
func ExtractJSON(body []byte, fields domain.TokenFieldMap) (Usage, error) {
	var doc map[string]any
	if err := json.Unmarshal(body, &doc); err != nil {
		return Usage{}, err
	}

	return Usage{
		PromptTokens:     intAt(doc, fields.PromptTokens),
		CompletionTokens: intAt(doc, fields.CompletionTokens),
		TotalTokens:      intAt(doc, fields.TotalTokens),
		CachedTokens:     intAt(doc, fields.CachedTokens),
		Model:            stringAt(doc, fields.Model),
	}, nil
}

// ExtractSSE scans an SSE event stream line by line, applying fields to
// each "data: {...}" JSON payload and returning the usage carried by the
// final event that has one (providers typically emit usage once, on the
// terminal chunk). Grounded on the bufio.Scanner SSE-line-reading idiom.
func ExtractSSE(r io.Reader, fields domain.TokenFieldMap) (Usage, error) {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), 10*1024*1024)

	var last Usage
	var seen bool

	for scanner.Scan() {
		line := scanner.Text()

		if line == "" || strings.HasPrefix(line, ":") {
			continue
		}
		if !strings.HasPrefix(line, "data: ") {
			continue
		}

		data := strings.TrimPrefix(line, "data: ")
		if data == "[DONE]" {
			break
		}

		var doc map[string]any
		if err := json.Unmarshal([]byte(data), &doc); err != nil {
			continue
		}

		u := Usage{
			PromptTokens:     intAt(doc, fields.PromptTokens),
			CompletionTokens: intAt(doc, fields.CompletionTokens),
			TotalTokens:      intAt(doc, fields.TotalTokens),
			CachedTokens:     intAt(doc, fields.CachedTokens),
			Model:            stringAt(doc, fields.Model),
		}

		if u.TotalTokens > 0 || u.PromptTokens > 0 || u.CompletionTokens > 0 {
			last = u
			seen = true
		}
	}

	if err := scanner.Err(); err != nil {
		return last, err
	}
	if !seen {
		return Usage{}, nil
	}

	return last, nil
}

// dottedPath walks path ("usage.prompt_tokens") through nested
// map[string]any values, returning nil if any segment is missing or not a
// map.
func dottedPath(doc map[string]any, path string) any {
	if path == "" {
		return nil
	}

	segments := strings.Split(path, ".")
	var cur any = doc

	for _, seg := range segments {
		m, ok := cur.(map[string]any)
		if !ok {
			return nil
		}
		cur, ok = m[seg]
		if !ok {
			return nil
		}
	}

	return cur
}

func intAt(doc map[string]any, path string) int {
	v := dottedPath(doc, path)
	switch n := v.(type) {
	case float64:
		return int(n)
	case json.Number:
		i, _ := n.Int64()
		return int(i)
	case string:
		i, _ := strconv.Atoi(n)
		return i
	default:
		return 0
	}
}

func stringAt(doc map[string]any, path string) string {
	v := dottedPath(doc, path)
	s, _ := v.(string)
	return s
}

// PriceRate is the per-token cost for one model, used to compute Trace.Cost.
type PriceRate struct {
	PromptPerMillion     float64
	CompletionPerMillion float64
	Currency             string
}

// Cost computes the dollar (or other currency) cost of u at rate.
func (u Usage) Cost(rate PriceRate) (float64, string) {
	cost := float64(u.PromptTokens)/1_000_000*rate.PromptPerMillion +
		float64(u.CompletionTokens)/1_000_000*rate.CompletionPerMillion
	return cost, rate.Currency
}
