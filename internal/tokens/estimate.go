// Package tokens provides the coarse token estimator used by adaptive
// backend selection. It is a pure, never-failing function over a chat
// request body: malformed or absent fields simply contribute zero rather
// than producing an error, since the estimate only has to be good enough
// to pick long vs. throughput, not exact.
package tokens

import "encoding/json"

// defaultReserve is added to the content estimate whenever a request
// carries no explicit max_tokens, reserving room for the completion itself
// — without it, a short prompt asking for a large completion would
// misroute to the low-latency throughput pool.
const defaultReserve = 512

// charsPerToken is the coarse divisor used to turn message text length
// into a token count; it is intentionally rough.
const charsPerToken = 4

type chatPayload struct {
	Messages  []chatMessage `json:"messages"`
	MaxTokens *int          `json:"max_tokens"`
}

type chatMessage struct {
	Content json.RawMessage `json:"content"`
}

type contentPart struct {
	Type string `json:"type"`
	Text string `json:"text"`
}

// Estimate returns a coarse token count for raw, the JSON body of a chat
// completion request: the sum of its message content plus max_tokens if
// present, else defaultReserve. It never returns an error: a body that
// doesn't parse as JSON at all is treated as empty (zero message tokens,
// no max_tokens), which still adds defaultReserve.
func Estimate(raw []byte) int {
	var payload chatPayload
	// A parse failure leaves payload at its zero value, which is exactly
	// the "no messages, no max_tokens" case — estimation never fails.
	_ = json.Unmarshal(raw, &payload)

	total := 0
	for _, m := range payload.Messages {
		total += estimateContent(m.Content)
	}

	if payload.MaxTokens != nil {
		total += *payload.MaxTokens
	} else {
		total += defaultReserve
	}

	return total
}

// estimateContent handles the two shapes OpenAI-style chat messages allow
// for "content": a plain string, or a list of typed parts where only
// type=="text" parts contribute.
func estimateContent(raw json.RawMessage) int {
	if len(raw) == 0 {
		return 0
	}

	var asString string
	if err := json.Unmarshal(raw, &asString); err == nil {
		return len(asString) / charsPerToken
	}

	var parts []contentPart
	if err := json.Unmarshal(raw, &parts); err == nil {
		total := 0
		for _, p := range parts {
			if p.Type == "text" {
				total += len(p.Text) / charsPerToken
			}
		}
		return total
	}

	// Neither shape parsed: malformed content contributes 0.
	return 0
}
