package sse

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const sampleStream = "event: message_start\n" +
	"data: {\"type\":\"message_start\",\"message\":{\"id\":\"msg_abc\",\"model\":\"claude-sonnet-4\",\"usage\":{\"input_tokens\":120,\"output_tokens\":1}}}\n\n" +
	"event: content_block_start\n" +
	"data: {\"type\":\"content_block_start\",\"index\":0,\"content_block\":{\"type\":\"text\",\"text\":\"\"}}\n\n" +
	"event: content_block_delta\n" +
	"data: {\"type\":\"content_block_delta\",\"index\":0,\"delta\":{\"type\":\"text_delta\",\"text\":\"Hel\"}}\n\n" +
	"event: content_block_delta\n" +
	"data: {\"type\":\"content_block_delta\",\"index\":0,\"delta\":{\"type\":\"text_delta\",\"text\":\"lo\"}}\n\n" +
	"event: content_block_stop\n" +
	"data: {\"type\":\"content_block_stop\",\"index\":0}\n\n" +
	"event: message_delta\n" +
	"data: {\"type\":\"message_delta\",\"delta\":{\"stop_reason\":\"end_turn\"},\"usage\":{\"output_tokens\":5}}\n\n" +
	"event: message_stop\n" +
	"data: {\"type\":\"message_stop\"}\n\n"

func feedAll(t *testing.T, d *Decoder, stream string, chunkSize int) []Event {
	t.Helper()
	var events []Event
	data := []byte(stream)
	for i := 0; i < len(data); i += chunkSize {
		end := i + chunkSize
		if end > len(data) {
			end = len(data)
		}
		events = append(events, d.Feed(data[i:end])...)
	}
	events = append(events, d.Flush()...)
	return events
}

func TestDecoderAccumulatesText(t *testing.T) {
	d := NewDecoder()
	events := feedAll(t, d, sampleStream, len(sampleStream))

	assert.Len(t, events, 7)
	assert.Equal(t, "Hello", d.Text())
	assert.Equal(t, "end_turn", d.StopReason())
	assert.Equal(t, "msg_abc", d.MessageID())
	assert.Equal(t, "claude-sonnet-4", d.Model())
}

// Decoding must be invariant under chunk boundaries: any split of the same
// byte stream produces the same events and final state.
func TestDecoderSplitInvariance(t *testing.T) {
	whole := NewDecoder()
	wholeEvents := feedAll(t, whole, sampleStream, len(sampleStream))

	for _, size := range []int{1, 3, 7, 13, 64, 250} {
		d := NewDecoder()
		events := feedAll(t, d, sampleStream, size)

		require.Len(t, events, len(wholeEvents), "chunk size %d", size)
		for i := range events {
			assert.Equal(t, wholeEvents[i].Type, events[i].Type, "chunk size %d event %d", size, i)
			assert.Equal(t, wholeEvents[i].Text, events[i].Text, "chunk size %d event %d", size, i)
		}
		assert.Equal(t, whole.Text(), d.Text(), "chunk size %d", size)
		assert.Equal(t, whole.Usage(), d.Usage(), "chunk size %d", size)
		assert.Equal(t, whole.StopReason(), d.StopReason(), "chunk size %d", size)
	}
}

// Usage values are running totals. The decoder keeps the latest value per
// field; it must never sum across events.
func TestDecoderUsageKeepsLatestValue(t *testing.T) {
	stream := "event: message_start\n" +
		"data: {\"type\":\"message_start\",\"message\":{\"id\":\"m\",\"usage\":{\"input_tokens\":100,\"output_tokens\":1}}}\n\n" +
		"event: message_delta\n" +
		"data: {\"type\":\"message_delta\",\"delta\":{},\"usage\":{\"output_tokens\":10}}\n\n" +
		"event: message_delta\n" +
		"data: {\"type\":\"message_delta\",\"delta\":{\"stop_reason\":\"end_turn\"},\"usage\":{\"output_tokens\":42}}\n\n"

	d := NewDecoder()
	feedAll(t, d, stream, 9)

	u := d.Usage()
	assert.Equal(t, 100, u.InputTokens)
	assert.Equal(t, 42, u.OutputTokens)
}

func TestDecoderCRLFFrames(t *testing.T) {
	stream := "event: content_block_delta\r\n" +
		"data: {\"type\":\"content_block_delta\",\"index\":0,\"delta\":{\"type\":\"text_delta\",\"text\":\"hi\"}}\r\n\r\n"

	d := NewDecoder()
	events := feedAll(t, d, stream, 5)

	require.Len(t, events, 1)
	assert.Equal(t, "hi", d.Text())
}

// Tool input arrives as json fragments that are only valid once assembled.
// The decoder parses them at content_block_stop, per block index.
func TestDecoderAssemblesToolInput(t *testing.T) {
	stream := "event: content_block_start\n" +
		"data: {\"type\":\"content_block_start\",\"index\":1,\"content_block\":{\"type\":\"tool_use\",\"id\":\"tu_1\",\"name\":\"read_file\"}}\n\n" +
		"event: content_block_delta\n" +
		"data: {\"type\":\"content_block_delta\",\"index\":1,\"delta\":{\"type\":\"input_json_delta\",\"partial_json\":\"{\\\"path\\\":\"}}\n\n" +
		"event: content_block_delta\n" +
		"data: {\"type\":\"content_block_delta\",\"index\":1,\"delta\":{\"type\":\"input_json_delta\",\"partial_json\":\"\\\"main.go\\\"}\"}}\n\n" +
		"event: content_block_stop\n" +
		"data: {\"type\":\"content_block_stop\",\"index\":1}\n\n"

	d := NewDecoder()
	feedAll(t, d, stream, 11)

	uses := d.ToolUses()
	require.Len(t, uses, 1)
	assert.Equal(t, "read_file", uses[0].Name)
	assert.Equal(t, "tu_1", uses[0].ID)
	assert.JSONEq(t, `{"path":"main.go"}`, string(uses[0].Input))
}

func TestDecoderInvalidToolInputDropped(t *testing.T) {
	stream := "event: content_block_start\n" +
		"data: {\"type\":\"content_block_start\",\"index\":0,\"content_block\":{\"type\":\"tool_use\",\"id\":\"tu_2\",\"name\":\"bash\"}}\n\n" +
		"event: content_block_delta\n" +
		"data: {\"type\":\"content_block_delta\",\"index\":0,\"delta\":{\"type\":\"input_json_delta\",\"partial_json\":\"{broken\"}}\n\n" +
		"event: content_block_stop\n" +
		"data: {\"type\":\"content_block_stop\",\"index\":0}\n\n"

	d := NewDecoder()
	feedAll(t, d, stream, len(stream))

	uses := d.ToolUses()
	require.Len(t, uses, 1)
	assert.Equal(t, "bash", uses[0].Name)
	assert.Equal(t, "{}", string(uses[0].Input))
}

func TestDecoderOpaquePayloadPassesThrough(t *testing.T) {
	d := NewDecoder()
	events := d.Feed([]byte("event: ping\ndata: not json at all\n\n"))

	require.Len(t, events, 1)
	assert.Equal(t, "ping", events[0].Type)
	assert.Empty(t, d.Text())
}

func TestDecoderErrorEvent(t *testing.T) {
	d := NewDecoder()
	events := d.Feed([]byte("event: error\ndata: {\"type\":\"error\",\"error\":{\"type\":\"overloaded_error\",\"message\":\"Overloaded\"}}\n\n"))

	require.Len(t, events, 1)
	assert.Equal(t, "Overloaded", events[0].ErrorText)
	assert.Equal(t, "Overloaded", d.ErrorText())
}

func TestDecoderThinkingDelta(t *testing.T) {
	stream := "event: content_block_delta\n" +
		"data: {\"type\":\"content_block_delta\",\"index\":0,\"delta\":{\"type\":\"thinking_delta\",\"thinking\":\"mull it over\"}}\n\n"

	d := NewDecoder()
	feedAll(t, d, stream, 4)
	assert.Equal(t, "mull it over", d.Thinking())
	assert.Empty(t, d.Text())
}

func TestDecoderFlushHandlesUnterminatedFrame(t *testing.T) {
	d := NewDecoder()
	events := d.Feed([]byte("event: message_stop\ndata: {\"type\":\"message_stop\"}"))
	assert.Empty(t, events)

	events = d.Flush()
	require.Len(t, events, 1)
	assert.Equal(t, EventMessageStop, events[0].Type)
}
