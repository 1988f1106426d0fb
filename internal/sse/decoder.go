// Package sse decodes and synthesizes server-sent event streams in the
// messages API wire format.
//
// DESIGN: the decoder is a passive observer of a byte stream that is being
// relayed to a client at the same time. It must tolerate events split across
// arbitrary chunk boundaries, and a decode failure must never affect the
// bytes already forwarded. Feed returns the events completed by each chunk;
// accumulated state (text, tool calls, usage) is read after the stream ends.
package sse

import (
	"bytes"
	"encoding/json"
	"strings"

	"github.com/rs/zerolog/log"
	"github.com/tidwall/gjson"
)

// Event types that appear on a messages API stream.
const (
	EventMessageStart      = "message_start"
	EventContentBlockStart = "content_block_start"
	EventContentBlockDelta = "content_block_delta"
	EventContentBlockStop  = "content_block_stop"
	EventMessageDelta      = "message_delta"
	EventMessageStop       = "message_stop"
	EventPing              = "ping"
	EventError             = "error"
)

// Delta kinds carried by content_block_delta events.
const (
	DeltaText      = "text_delta"
	DeltaThinking  = "thinking_delta"
	DeltaInputJSON = "input_json_delta"
	DeltaSignature = "signature_delta"
)

// Usage holds token counts reported by the upstream. Values are running
// totals: each event's numbers replace, never add to, the previous ones.
type Usage struct {
	InputTokens              int `json:"input_tokens"`
	OutputTokens             int `json:"output_tokens"`
	CacheCreationInputTokens int `json:"cache_creation_input_tokens,omitempty"`
	CacheReadInputTokens     int `json:"cache_read_input_tokens,omitempty"`
}

// Event is one decoded stream event.
type Event struct {
	Type      string
	Index     int
	BlockType string // content_block_start: text, thinking, tool_use
	DeltaType string // content_block_delta kind
	Text      string // text_delta / thinking_delta payload
	StopReason string
	Usage     *Usage
	ErrorText string
	Data      []byte // raw data payload
}

// ToolUse is a fully assembled tool invocation from the stream.
type ToolUse struct {
	ID    string          `json:"id"`
	Name  string          `json:"name"`
	Input json.RawMessage `json:"input"`
}

// Decoder incrementally parses an SSE byte stream.
type Decoder struct {
	buf []byte

	// Partial tool input JSON accumulates per content block index and is
	// parsed only when that block stops.
	jsonParts map[int]*strings.Builder
	toolMeta  map[int]ToolUse

	text       strings.Builder
	thinking   strings.Builder
	toolUses   []ToolUse
	usage      Usage
	stopReason string
	messageID  string
	model      string
	hadError   string
}

// NewDecoder returns a decoder ready to consume a stream.
func NewDecoder() *Decoder {
	return &Decoder{
		jsonParts: make(map[int]*strings.Builder),
		toolMeta:  make(map[int]ToolUse),
	}
}

// Feed consumes a chunk of raw bytes and returns the events it completed.
// Chunk boundaries are arbitrary; an event split across chunks is returned
// once its terminating blank line arrives.
func (d *Decoder) Feed(chunk []byte) []Event {
	d.buf = append(d.buf, chunk...)
	var events []Event
	for {
		raw, rest, ok := nextFrame(d.buf, false)
		if !ok {
			break
		}
		d.buf = rest
		if ev, ok := d.decodeFrame(raw); ok {
			events = append(events, ev)
		}
	}
	return events
}

// Flush drains a trailing frame that was never terminated by a blank line.
// Call once after the stream ends.
func (d *Decoder) Flush() []Event {
	raw, rest, ok := nextFrame(d.buf, true)
	if !ok {
		return nil
	}
	d.buf = rest
	if ev, ok := d.decodeFrame(raw); ok {
		return []Event{ev}
	}
	return nil
}

// Usage returns the latest reported token counts.
func (d *Decoder) Usage() Usage { return d.usage }

// StopReason returns the stop reason from the final message_delta, if any.
func (d *Decoder) StopReason() string { return d.stopReason }

// Text returns all accumulated assistant text.
func (d *Decoder) Text() string { return d.text.String() }

// Thinking returns all accumulated thinking text.
func (d *Decoder) Thinking() string { return d.thinking.String() }

// ToolUses returns the tool invocations assembled from the stream.
func (d *Decoder) ToolUses() []ToolUse { return d.toolUses }

// MessageID returns the upstream message id, if one was seen.
func (d *Decoder) MessageID() string { return d.messageID }

// Model returns the model reported in message_start, if any.
func (d *Decoder) Model() string { return d.model }

// ErrorText returns the message of an error event, if one was seen.
func (d *Decoder) ErrorText() string { return d.hadError }

// nextFrame extracts one SSE frame from buf. Frames are terminated by a
// blank line (\n\n or \r\n\r\n). With flush set, any non-empty remainder
// is returned as a final frame.
func nextFrame(buf []byte, flush bool) (frame, rest []byte, ok bool) {
	sepLen := 2
	idx := bytes.Index(buf, []byte("\n\n"))
	if cr := bytes.Index(buf, []byte("\r\n\r\n")); cr != -1 && (idx == -1 || cr < idx) {
		idx = cr
		sepLen = 4
	}
	if idx == -1 {
		if flush && len(bytes.TrimSpace(buf)) > 0 {
			return buf, nil, true
		}
		return nil, buf, false
	}
	return buf[:idx], buf[idx+sepLen:], true
}

// decodeFrame parses one frame into an Event. Unknown or malformed frames
// are logged and dropped; forwarding is unaffected either way.
func (d *Decoder) decodeFrame(raw []byte) (Event, bool) {
	var name string
	var data []string
	for _, line := range bytes.Split(raw, []byte("\n")) {
		line = bytes.TrimSuffix(line, []byte("\r"))
		switch {
		case bytes.HasPrefix(line, []byte("event:")):
			name = string(bytes.TrimSpace(line[len("event:"):]))
		case bytes.HasPrefix(line, []byte("data:")):
			data = append(data, string(bytes.TrimSpace(line[len("data:"):])))
		case bytes.HasPrefix(line, []byte(":")):
			// comment line, ignore
		}
	}
	payload := strings.Join(data, "\n")
	if name == "" && payload == "" {
		return Event{}, false
	}

	ev := Event{Type: name, Data: []byte(payload)}
	parsed := gjson.Parse(payload)
	if !parsed.IsObject() {
		// Opaque payload; pass through without interpretation.
		return ev, name != ""
	}
	if ev.Type == "" {
		ev.Type = parsed.Get("type").String()
	}

	switch ev.Type {
	case EventMessageStart:
		msg := parsed.Get("message")
		d.messageID = msg.Get("id").String()
		d.model = msg.Get("model").String()
		d.applyUsage(msg.Get("usage"), &ev)
	case EventContentBlockStart:
		ev.Index = int(parsed.Get("index").Int())
		block := parsed.Get("content_block")
		ev.BlockType = block.Get("type").String()
		if ev.BlockType == "tool_use" {
			d.toolMeta[ev.Index] = ToolUse{
				ID:   block.Get("id").String(),
				Name: block.Get("name").String(),
			}
		}
	case EventContentBlockDelta:
		ev.Index = int(parsed.Get("index").Int())
		delta := parsed.Get("delta")
		ev.DeltaType = delta.Get("type").String()
		switch ev.DeltaType {
		case DeltaText:
			ev.Text = delta.Get("text").String()
			d.text.WriteString(ev.Text)
		case DeltaThinking:
			ev.Text = delta.Get("thinking").String()
			d.thinking.WriteString(ev.Text)
		case DeltaInputJSON:
			part := delta.Get("partial_json").String()
			b, ok := d.jsonParts[ev.Index]
			if !ok {
				b = &strings.Builder{}
				d.jsonParts[ev.Index] = b
			}
			b.WriteString(part)
		}
	case EventContentBlockStop:
		ev.Index = int(parsed.Get("index").Int())
		d.finishBlock(ev.Index)
	case EventMessageDelta:
		if sr := parsed.Get("delta.stop_reason"); sr.Exists() && sr.String() != "" {
			d.stopReason = sr.String()
		}
		ev.StopReason = d.stopReason
		d.applyUsage(parsed.Get("usage"), &ev)
	case EventMessageStop, EventPing:
		// no payload of interest
	case EventError:
		d.hadError = parsed.Get("error.message").String()
		ev.ErrorText = d.hadError
	default:
		log.Debug().Str("event", ev.Type).Msg("unrecognized stream event")
	}
	return ev, true
}

// applyUsage retains the latest value for each usage field present in the
// payload. Counts on the wire are absolute running totals, so summing them
// across events would overcount.
func (d *Decoder) applyUsage(usage gjson.Result, ev *Event) {
	if !usage.Exists() {
		return
	}
	if v := usage.Get("input_tokens"); v.Exists() {
		d.usage.InputTokens = int(v.Int())
	}
	if v := usage.Get("output_tokens"); v.Exists() {
		d.usage.OutputTokens = int(v.Int())
	}
	if v := usage.Get("cache_creation_input_tokens"); v.Exists() {
		d.usage.CacheCreationInputTokens = int(v.Int())
	}
	if v := usage.Get("cache_read_input_tokens"); v.Exists() {
		d.usage.CacheReadInputTokens = int(v.Int())
	}
	u := d.usage
	ev.Usage = &u
}

// finishBlock closes out a content block. Tool input JSON assembled for the
// block is parsed here, never mid-stream, because fragments are not
// individually valid JSON.
func (d *Decoder) finishBlock(index int) {
	meta, isTool := d.toolMeta[index]
	parts, hasJSON := d.jsonParts[index]
	if !isTool {
		delete(d.jsonParts, index)
		return
	}
	delete(d.toolMeta, index)
	if hasJSON {
		delete(d.jsonParts, index)
		assembled := parts.String()
		if assembled == "" {
			assembled = "{}"
		}
		if !json.Valid([]byte(assembled)) {
			log.Warn().Str("tool", meta.Name).Int("index", index).
				Msg("dropping unparseable tool input")
			meta.Input = json.RawMessage("{}")
		} else {
			meta.Input = json.RawMessage(assembled)
		}
	} else {
		meta.Input = json.RawMessage("{}")
	}
	d.toolUses = append(d.toolUses, meta)
}
