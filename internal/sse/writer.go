package sse

import (
	"bytes"
	"fmt"

	"github.com/google/uuid"

	"github.com/swiftcast/session-proxy/internal/utils"
)

// synthTextChunk is how many runes each synthesized text_delta carries.
const synthTextChunk = 50

// SynthesizedTurn describes a locally generated assistant reply.
type SynthesizedTurn struct {
	Model        string
	Text         string
	InputTokens  int
	OutputTokens int
}

func writeFrame(buf *bytes.Buffer, event string, payload any) {
	data, err := utils.MarshalNoEscape(payload)
	if err != nil {
		// Payloads are built from plain structs; this cannot fail in practice.
		data = []byte("{}")
	}
	fmt.Fprintf(buf, "event: %s\ndata: %s\n\n", event, data)
}

// EncodeTurn renders a complete assistant turn as an SSE stream,
// indistinguishable in shape from an upstream response: message_start,
// one text content block delivered in chunks, message_delta with usage,
// and message_stop with stop reason end_turn.
func EncodeTurn(t SynthesizedTurn) []byte {
	id := "msg_" + uuid.NewString()
	var buf bytes.Buffer

	writeFrame(&buf, EventMessageStart, map[string]any{
		"type": EventMessageStart,
		"message": map[string]any{
			"id":            id,
			"type":          "message",
			"role":          "assistant",
			"model":         t.Model,
			"content":       []any{},
			"stop_reason":   nil,
			"stop_sequence": nil,
			"usage": Usage{
				InputTokens:  t.InputTokens,
				OutputTokens: 0,
			},
		},
	})
	writeFrame(&buf, EventContentBlockStart, map[string]any{
		"type":          EventContentBlockStart,
		"index":         0,
		"content_block": map[string]any{"type": "text", "text": ""},
	})
	runes := []rune(t.Text)
	for i := 0; i < len(runes); i += synthTextChunk {
		end := i + synthTextChunk
		if end > len(runes) {
			end = len(runes)
		}
		writeFrame(&buf, EventContentBlockDelta, map[string]any{
			"type":  EventContentBlockDelta,
			"index": 0,
			"delta": map[string]any{"type": DeltaText, "text": string(runes[i:end])},
		})
	}
	writeFrame(&buf, EventContentBlockStop, map[string]any{
		"type":  EventContentBlockStop,
		"index": 0,
	})
	writeFrame(&buf, EventMessageDelta, map[string]any{
		"type":  EventMessageDelta,
		"delta": map[string]any{"stop_reason": "end_turn", "stop_sequence": nil},
		"usage": Usage{
			InputTokens:  t.InputTokens,
			OutputTokens: t.OutputTokens,
		},
	})
	writeFrame(&buf, EventMessageStop, map[string]any{"type": EventMessageStop})
	return buf.Bytes()
}

// EncodeMessage renders an assistant turn as a non-streaming message body.
func EncodeMessage(t SynthesizedTurn) []byte {
	body := map[string]any{
		"id":    "msg_" + uuid.NewString(),
		"type":  "message",
		"role":  "assistant",
		"model": t.Model,
		"content": []any{
			map[string]any{"type": "text", "text": t.Text},
		},
		"stop_reason":   "end_turn",
		"stop_sequence": nil,
		"usage": Usage{
			InputTokens:  t.InputTokens,
			OutputTokens: t.OutputTokens,
		},
	}
	data, err := utils.MarshalNoEscape(body)
	if err != nil {
		return []byte("{}")
	}
	return data
}

// EncodeErrorEvent renders a protocol-shaped error event for emission
// mid-stream, e.g. when the upstream connection times out.
func EncodeErrorEvent(errType, message string) []byte {
	var buf bytes.Buffer
	writeFrame(&buf, EventError, map[string]any{
		"type": EventError,
		"error": map[string]any{
			"type":    errType,
			"message": message,
		},
	})
	return buf.Bytes()
}

// EncodeErrorBody renders a protocol-shaped error JSON body for
// non-streaming failures.
func EncodeErrorBody(errType, message string) []byte {
	data, err := utils.MarshalNoEscape(map[string]any{
		"type": EventError,
		"error": map[string]any{
			"type":    errType,
			"message": message,
		},
	})
	if err != nil {
		return []byte("{}")
	}
	return data
}
