package classifier

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
)

// ---------------------------------------------------------------------------
// Token Classifier: extracts speculative token symbols from free text
// ---------------------------------------------------------------------------

// ErrUnparsable is returned when a model reply carries no decodable result.
var ErrUnparsable = errors.New("classifier reply not parsable")

// Speculation is one token the classifier believes the text is about.
type Speculation struct {
	TokenName   string   `json:"token_name"`
	Reason      string   `json:"reason"`
	KeyElements []string `json:"key_elements"`
}

// Classifier turns a message body into candidate token symbols. An empty
// slice means nothing was found and is not an error.
type Classifier interface {
	Name() string
	Classify(ctx context.Context, text string) ([]Speculation, error)
}

// Result is the reply envelope the model is asked to produce.
type Result struct {
	SpeculateResult []Speculation `json:"speculate_result"`
}

// MaxSpeculations caps how many symbols one message may yield.
const MaxSpeculations = 3

// ParseReply decodes a model reply. Markdown code fences, with or without a
// language tag, are stripped. Entries without a name are dropped, names are
// trimmed, repeats (case-insensitive) keep their first entry and the list is
// capped at MaxSpeculations.
func ParseReply(reply string) ([]Speculation, error) {
	body := strings.TrimSpace(reply)
	if body == "" || strings.EqualFold(body, "null") {
		return nil, nil
	}
	if strings.Contains(body, "```") {
		for _, part := range strings.Split(body, "```") {
			if strings.Contains(part, "{") && strings.Contains(part, "}") {
				part = strings.TrimSpace(part)
				part = strings.TrimPrefix(part, "json")
				body = strings.TrimSpace(part)
				break
			}
		}
	}
	if !strings.HasPrefix(body, "{") {
		start, end := strings.Index(body, "{"), strings.LastIndex(body, "}")
		if start < 0 || end <= start {
			return nil, fmt.Errorf("classifier: no JSON object in reply: %w", ErrUnparsable)
		}
		body = body[start : end+1]
	}

	var res Result
	if err := json.Unmarshal([]byte(body), &res); err != nil {
		return nil, fmt.Errorf("classifier: %v: %w", err, ErrUnparsable)
	}

	out := make([]Speculation, 0, len(res.SpeculateResult))
	seen := make(map[string]bool, len(res.SpeculateResult))
	for _, s := range res.SpeculateResult {
		s.TokenName = strings.TrimSpace(s.TokenName)
		key := strings.ToUpper(s.TokenName)
		if s.TokenName == "" || seen[key] {
			continue
		}
		seen[key] = true
		out = append(out, s)
		if len(out) == MaxSpeculations {
			break
		}
	}
	return out, nil
}

// Symbols returns the distinct token names in order.
func Symbols(specs []Speculation) []string {
	out := make([]string, 0, len(specs))
	seen := make(map[string]bool, len(specs))
	for _, s := range specs {
		if seen[s.TokenName] {
			continue
		}
		seen[s.TokenName] = true
		out = append(out, s.TokenName)
	}
	return out
}

// Reasons indexes the classifier reason by token name.
func Reasons(specs []Speculation) map[string]string {
	out := make(map[string]string, len(specs))
	for _, s := range specs {
		if _, ok := out[s.TokenName]; !ok {
			out[s.TokenName] = s.Reason
		}
	}
	return out
}
