package usage

import (
	"strings"
	"testing"

	"github.com/rakunlabs/relay/internal/domain"
)

func testFields() domain.TokenFieldMap {
	return domain.TokenFieldMap{
		PromptTokens:     "usage.prompt_tokens",
		CompletionTokens: "usage.completion_tokens",
		TotalTokens:      "usage.total_tokens",
		CachedTokens:     "usage.cached_tokens",
		Model:            "model",
	}
}

func TestExtractJSON(t *testing.T) {
	body := []byte(`{
		"model": "gpt-4o",
		"usage": {"prompt_tokens": 10, "completion_tokens": 20, "total_tokens": 30, "cached_tokens": 5}
	}`)

	u, err := ExtractJSON(body, testFields())
	if err != nil {
		t.Fatalf("ExtractJSON: %v", err)
	}

	if u.PromptTokens != 10 || u.CompletionTokens != 20 || u.TotalTokens != 30 || u.CachedTokens != 5 {
		t.Fatalf("ExtractJSON = %+v", u)
	}
	if u.Model != "gpt-4o" {
		t.Fatalf("Model = %q, want gpt-4o", u.Model)
	}
}

func TestExtractJSONMissingFieldsDefaultZero(t *testing.T) {
	u, err := ExtractJSON([]byte(`{"other": 1}`), testFields())
	if err != nil {
		t.Fatalf("ExtractJSON: %v", err)
	}
	if u.PromptTokens != 0 || u.TotalTokens != 0 || u.Model != "" {
		t.Fatalf("ExtractJSON with missing fields = %+v, want zero values", u)
	}
}

func TestExtractJSONInvalidBody(t *testing.T) {
	_, err := ExtractJSON([]byte("not json"), testFields())
	if err == nil {
		t.Fatal("expected an error for invalid JSON body")
	}
}

func TestExtractSSEReturnsLastUsageEvent(t *testing.T) {
	stream := strings.Join([]string{
		`data: {"model": "gpt-4o", "usage": {"prompt_tokens": 1, "completion_tokens": 1, "total_tokens": 2}}`,
		``,
		`data: {"model": "gpt-4o", "usage": {"prompt_tokens": 10, "completion_tokens": 20, "total_tokens": 30}}`,
		``,
		`data: [DONE]`,
		``,
	}, "\n")

	u, err := ExtractSSE(strings.NewReader(stream), testFields())
	if err != nil {
		t.Fatalf("ExtractSSE: %v", err)
	}

	if u.TotalTokens != 30 || u.PromptTokens != 10 {
		t.Fatalf("ExtractSSE should return the final usage-bearing event, got %+v", u)
	}
}

func TestExtractSSEIgnoresCommentsAndMalformedChunks(t *testing.T) {
	stream := strings.Join([]string{
		`: keep-alive`,
		`data: not-json`,
		`data: {"usage": {"total_tokens": 7}}`,
		`data: [DONE]`,
	}, "\n")

	u, err := ExtractSSE(strings.NewReader(stream), testFields())
	if err != nil {
		t.Fatalf("ExtractSSE: %v", err)
	}
	if u.TotalTokens != 7 {
		t.Fatalf("ExtractSSE = %+v, want total_tokens 7", u)
	}
}

func TestExtractSSENoUsageEvents(t *testing.T) {
	stream := "data: {\"text\": \"hello\"}\ndata: [DONE]\n"

	u, err := ExtractSSE(strings.NewReader(stream), testFields())
	if err != nil {
		t.Fatalf("ExtractSSE: %v", err)
	}
	if u != (Usage{}) {
		t.Fatalf("ExtractSSE with no usage events = %+v, want zero value", u)
	}
}

func TestUsageCost(t *testing.T) {
	u := Usage{PromptTokens: 1_000_000, CompletionTokens: 500_000}
	rate := PriceRate{PromptPerMillion: 3.0, CompletionPerMillion: 15.0, Currency: "USD"}

	cost, currency := u.Cost(rate)
	want := 3.0 + 7.5
	if cost != want {
		t.Fatalf("Cost() = %v, want %v", cost, want)
	}
	if currency != "USD" {
		t.Fatalf("currency = %q, want USD", currency)
	}
}
