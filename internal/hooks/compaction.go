package hooks

import (
	"context"
	"strings"

	"github.com/rs/zerolog/log"
	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"
)

// Marker strings the coding assistant embeds in its own prompts. Matching
// is exact; if the client changes its wording these stop matching and the
// injector becomes a no-op, which is the safe failure mode.
const (
	summarizationDetect = "Your task is to create a detailed summary of the conversation"
	summarizationAnchor = "Please provide your summary based on the conversation so far"
	continuationDetect  = "This session is being continued from a previous conversation that ran out of context"
)

const persistentContextHeader = "## Persistent Context (Always Remember):\n"

// ContextFetcher supplies externally fetched context for continuation
// prompts. May be nil when no providers are configured.
type ContextFetcher interface {
	FetchCombined(ctx context.Context) string
}

// CompactionInjector augments the assistant's own compaction prompts:
// custom instructions are inserted into summarization requests, and
// persistent context is re-injected into post-compaction continuations.
type CompactionInjector struct {
	settings  *Settings
	overrides OverrideSource
	fetcher   ContextFetcher
}

// NewCompactionInjector wires the injector. fetcher may be nil.
func NewCompactionInjector(settings *Settings, overrides OverrideSource, fetcher ContextFetcher) *CompactionInjector {
	return &CompactionInjector{settings: settings, overrides: overrides, fetcher: fetcher}
}

// Name implements Mutator.
func (c *CompactionInjector) Name() string { return "compaction_injector" }

// ModifyRequestBody implements Mutator. When injection is disabled for the
// session the body is returned unchanged, byte for byte.
func (c *CompactionInjector) ModifyRequestBody(ctx context.Context, body []byte, req *RequestContext) ([]byte, bool, error) {
	override, ok := c.overrides.Override(req.SessionID)
	view := c.settings.Resolved(override, ok)
	if !view.CompactionInjection {
		return body, false, nil
	}

	changed := false
	out := body

	messages := gjson.GetBytes(out, "messages")
	if !messages.IsArray() {
		return body, false, nil
	}

	messages.ForEach(func(idx, msg gjson.Result) bool {
		if msg.Get("role").String() != "user" {
			return true
		}
		content := msg.Get("content")

		// Plain string content.
		if content.Type == gjson.String {
			if next, did := c.injectText(ctx, content.String(), view); did {
				path := "messages." + idx.String() + ".content"
				if updated, err := sjson.SetBytes(out, path, next); err == nil {
					out = updated
					changed = true
				} else {
					log.Warn().Err(err).Msg("compaction injection rewrite failed")
				}
			}
			return true
		}

		// Content block array: rewrite each text block.
		if content.IsArray() {
			content.ForEach(func(blockIdx, block gjson.Result) bool {
				if block.Get("type").String() != "text" {
					return true
				}
				if next, did := c.injectText(ctx, block.Get("text").String(), view); did {
					path := "messages." + idx.String() + ".content." + blockIdx.String() + ".text"
					if updated, err := sjson.SetBytes(out, path, next); err == nil {
						out = updated
						changed = true
					} else {
						log.Warn().Err(err).Msg("compaction injection rewrite failed")
					}
				}
				return true
			})
		}
		return true
	})

	return out, changed, nil
}

// injectText applies both injection modes to one text payload.
func (c *CompactionInjector) injectText(ctx context.Context, text string, view SettingsView) (string, bool) {
	if strings.Contains(text, summarizationDetect) {
		if view.SummarizationInstructions == "" {
			return text, false
		}
		return c.injectSummarization(text, view.SummarizationInstructions), true
	}
	if strings.Contains(text, continuationDetect) {
		injection := c.buildContinuation(ctx, view)
		if injection == "" {
			return text, false
		}
		return c.injectContinuation(text, injection), true
	}
	return text, false
}

// injectSummarization inserts the custom instructions immediately before
// the anchor sentence, or appends when the anchor is missing.
func (c *CompactionInjector) injectSummarization(text, instructions string) string {
	block := "\n\n## Additional Summarization Instructions:\n" + instructions + "\n\n"
	if idx := strings.Index(text, summarizationAnchor); idx != -1 {
		return text[:idx] + block + text[idx:]
	}
	return text + block
}

// buildContinuation combines provider context with the static persistent
// context: provider output first, then the configured text.
func (c *CompactionInjector) buildContinuation(ctx context.Context, view SettingsView) string {
	var parts []string
	if c.fetcher != nil {
		if fetched := c.fetcher.FetchCombined(ctx); fetched != "" {
			parts = append(parts, fetched)
		}
	}
	if view.ContextInjection != "" {
		parts = append(parts, persistentContextHeader+view.ContextInjection)
	}
	return strings.Join(parts, "\n\n")
}

// injectContinuation inserts the injection right after the detection
// sentence so it precedes the replayed summary.
func (c *CompactionInjector) injectContinuation(text, injection string) string {
	idx := strings.Index(text, continuationDetect)
	if idx == -1 {
		return text + "\n\n" + injection
	}
	// Insert after the end of the line containing the marker.
	end := idx + len(continuationDetect)
	if nl := strings.IndexByte(text[end:], '\n'); nl != -1 {
		end += nl
	} else {
		end = len(text)
	}
	return text[:end] + "\n\n" + injection + "\n" + text[end:]
}
