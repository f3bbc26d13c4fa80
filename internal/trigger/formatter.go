package trigger

import (
	"encoding/json"
	"fmt"
	"sort"
	"strings"
)

// RedactedValue replaces the value of sensitive headers.
const RedactedValue = "[REDACTED]"

var sensitiveHeaders = map[string]bool{
	"authorization":       true,
	"proxy-authorization": true,
	"cookie":              true,
	"set-cookie":          true,
}

// WebhookPayload is the input payload of a webhook trigger.
type WebhookPayload struct {
	Method  string            `json:"method"`
	Query   map[string]any    `json:"query,omitempty"`
	Headers map[string]string `json:"headers,omitempty"`
	Body    json.RawMessage   `json:"body,omitempty"`
}

// Format renders a triggered task as a prompt. Webhook tasks get a context
// block describing the request; other trigger types render the prompt alone.
func Format(t TriggeredTask) string {
	prompt := strings.TrimSpace(t.TaskPrompt)
	if t.TriggerType != TypeWebhook || len(t.InputPayload) == 0 {
		return prompt
	}
	var p WebhookPayload
	if err := json.Unmarshal(t.InputPayload, &p); err != nil {
		// Not a structured request; show it as the body.
		p = WebhookPayload{Body: t.InputPayload}
	}

	var b strings.Builder
	b.WriteString(prompt)
	b.WriteString("\n\n## Webhook request")
	if t.TriggerName != "" {
		fmt.Fprintf(&b, " (%s)", t.TriggerName)
	}
	b.WriteString("\n")
	if p.Method != "" {
		fmt.Fprintf(&b, "\nMethod: %s\n", strings.ToUpper(p.Method))
	}
	if len(p.Query) > 0 {
		q, _ := json.Marshal(p.Query)
		fmt.Fprintf(&b, "\nQuery: %s\n", q)
	}
	if len(p.Headers) > 0 {
		b.WriteString("\nHeaders:\n")
		keys := make([]string, 0, len(p.Headers))
		for k := range p.Headers {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys {
			v := p.Headers[k]
			if sensitiveHeaders[strings.ToLower(k)] {
				v = RedactedValue
			}
			fmt.Fprintf(&b, "- %s: %s\n", k, v)
		}
	}
	if body, lang := bodyText(p.Body); body != "" {
		fence := fenceFor(body)
		fmt.Fprintf(&b, "\nBody:\n%s%s\n%s\n%s\n", fence, lang, body, fence)
	}
	return b.String()
}

// bodyText returns the body as it should appear inside the fence: a JSON
// string is unquoted, anything else is kept byte for byte.
func bodyText(raw json.RawMessage) (string, string) {
	trimmed := strings.TrimSpace(string(raw))
	if trimmed == "" || trimmed == "null" {
		return "", ""
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s, ""
	}
	return string(raw), "json"
}

// fenceFor returns a backtick fence longer than any backtick run in body.
func fenceFor(body string) string {
	longest, run := 0, 0
	for _, r := range body {
		if r == '`' {
			run++
			if run > longest {
				longest = run
			}
			continue
		}
		run = 0
	}
	n := 3
	if longest >= n {
		n = longest + 1
	}
	return strings.Repeat("`", n)
}
