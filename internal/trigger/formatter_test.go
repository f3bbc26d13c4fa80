package trigger_test

import (
	"encoding/json"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/p-blackswan/taskpilot/internal/trigger"
)

// extractBody returns the contents of the fenced block following "Body:".
func extractBody(t *testing.T, msg string) string {
	t.Helper()
	idx := strings.Index(msg, "\nBody:\n")
	require.GreaterOrEqual(t, idx, 0, "no body block in %q", msg)
	rest := msg[idx+len("\nBody:\n"):]
	n := 0
	for n < len(rest) && rest[n] == '`' {
		n++
	}
	fence := rest[:n]
	nl := strings.Index(rest, "\n")
	require.GreaterOrEqual(t, nl, 0)
	rest = rest[nl+1:]
	end := strings.LastIndex(rest, "\n"+fence+"\n")
	require.GreaterOrEqual(t, end, 0)
	return rest[:end]
}

func webhookTask(payload string) trigger.TriggeredTask {
	return trigger.TriggeredTask{
		TriggerName:  "deploy-hook",
		TaskPrompt:   "Summarise the deploy",
		TriggerType:  trigger.TypeWebhook,
		InputPayload: json.RawMessage(payload),
	}
}

func TestFormat_ScheduleHasNoContext(t *testing.T) {
	msg := trigger.Format(trigger.TriggeredTask{
		TaskPrompt:   "  Daily report  ",
		TriggerType:  trigger.TypeSchedule,
		InputPayload: json.RawMessage(`{"method":"POST"}`),
	})
	assert.Equal(t, "Daily report", msg)
}

func TestFormat_WebhookContext(t *testing.T) {
	msg := trigger.Format(webhookTask(`{
		"method": "post",
		"query": {"env": "prod"},
		"headers": {"Authorization": "Bearer secret", "Cookie": "sid=1", "X-Request-Id": "abc"},
		"body": {"sha": "deadbeef"}
	}`))

	assert.True(t, strings.HasPrefix(msg, "Summarise the deploy\n\n## Webhook request (deploy-hook)"))
	assert.Contains(t, msg, "Method: POST")
	assert.Contains(t, msg, `Query: {"env":"prod"}`)
	assert.Contains(t, msg, "- Authorization: [REDACTED]")
	assert.Contains(t, msg, "- Cookie: [REDACTED]")
	assert.Contains(t, msg, "- X-Request-Id: abc")
	assert.NotContains(t, msg, "secret")
	assert.NotContains(t, msg, "sid=1")
	assert.Contains(t, msg, "```json\n")
}

func TestFormat_WebhookBodyRecoverable(t *testing.T) {
	bodies := []string{
		`{"a": [1, 2, 3], "nested": {"k": "v"}}`,
		`"plain text with ` + "```" + ` fences inside"`,
		`[true, false, null]`,
		`"line one\nline two"`,
	}
	for _, raw := range bodies {
		payload, err := json.Marshal(map[string]any{"method": "POST", "body": json.RawMessage(raw)})
		require.NoError(t, err)

		got := extractBody(t, trigger.Format(webhookTask(string(payload))))

		var s string
		if json.Unmarshal([]byte(raw), &s) == nil {
			assert.Equal(t, s, got)
		} else {
			assert.JSONEq(t, raw, got)
		}
	}
}

func TestFormat_WebhookNonObjectPayload(t *testing.T) {
	msg := trigger.Format(webhookTask(`"raw body"`))
	assert.Equal(t, "raw body", extractBody(t, msg))
}
