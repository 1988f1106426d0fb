package tasks

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/exec"
	"strings"
	"sync"

	"github.com/pkoukk/tiktoken-go"
	"github.com/rs/zerolog/log"
	"github.com/tidwall/gjson"

	"github.com/swiftcast/session-proxy/internal/config"
	"github.com/swiftcast/session-proxy/internal/utils"
)

// Trigger is the prefix that marks a user message as a task invocation.
// The match is anchored: the trimmed message must start with the trigger.
// A trigger mentioned mid-message is ordinary text and goes upstream.
const Trigger = ">>swiftcast"

// Result is a completed local task execution, ready to be synthesized
// into an assistant turn.
type Result struct {
	TaskName     string
	Text         string
	IsError      bool
	OutputTokens int
}

// Invocation is carried into task processes and placeholder substitution.
type Invocation struct {
	SessionID string
	Path      string
	Model     string
	Args      string
}

// Interceptor matches and executes task invocations.
type Interceptor struct {
	set    *Set
	client *http.Client

	encOnce sync.Once
	enc     *tiktoken.Tiktoken
}

// NewInterceptor wires an interceptor over the given task set.
func NewInterceptor(set *Set) *Interceptor {
	return &Interceptor{
		set:    set,
		client: &http.Client{Timeout: config.DefaultTaskTimeout},
	}
}

// LatestUserText extracts the text of the most recent user message from a
// messages API request body. String content and text-block arrays are both
// handled; other block types contribute nothing.
func LatestUserText(body []byte) string {
	messages := gjson.GetBytes(body, "messages")
	if !messages.IsArray() {
		return ""
	}
	arr := messages.Array()
	for i := len(arr) - 1; i >= 0; i-- {
		msg := arr[i]
		if msg.Get("role").String() != "user" {
			continue
		}
		content := msg.Get("content")
		if content.Type == gjson.String {
			return content.String()
		}
		if content.IsArray() {
			var parts []string
			content.ForEach(func(_, block gjson.Result) bool {
				if block.Get("type").String() == "text" {
					parts = append(parts, block.Get("text").String())
				}
				return true
			})
			if len(parts) > 0 {
				return strings.Join(parts, "\n")
			}
		}
		// A user turn with only tool results is not an invocation target.
		return ""
	}
	return ""
}

// Match reports whether the body's latest user message invokes a task,
// returning the task name and argument string.
func Match(body []byte) (name, args string, ok bool) {
	text := strings.TrimSpace(LatestUserText(body))
	if !strings.HasPrefix(text, Trigger) {
		return "", "", false
	}
	rest := text[len(Trigger):]
	if rest != "" && rest[0] != ' ' && rest[0] != '\t' && rest[0] != '\n' {
		// ">>swiftcastfoo" is not an invocation.
		return "", "", false
	}
	fields := strings.Fields(rest)
	if len(fields) == 0 {
		return "", "", false
	}
	name = fields[0]
	args = strings.TrimSpace(strings.TrimPrefix(strings.TrimSpace(rest), name))
	return name, args, true
}

// Execute runs the named task (or builtin) and returns the turn to
// synthesize. Execution failures come back as IsError results, never as
// an error: the client always receives a well-formed assistant turn.
func (i *Interceptor) Execute(ctx context.Context, name string, inv Invocation) Result {
	switch name {
	case "list":
		return i.finish(name, i.runList(), false)
	case "reload":
		return i.finish(name, i.runReload(), false)
	}

	task, ok := i.set.Get(name)
	if !ok {
		return i.finish(name, fmt.Sprintf(
			"Unknown task `%s`. Use `%s list` to see available tasks.", name, Trigger), true)
	}

	log.Info().Str("task", name).Str("kind", task.Kind).
		Str("session_id", inv.SessionID).Msg("executing custom task")

	var out string
	var err error
	switch task.Kind {
	case KindShell:
		out, err = i.runShell(ctx, task, inv)
	case KindHTTP:
		out, err = i.runHTTP(ctx, task, inv)
	case KindFileRead:
		out, err = i.runFileRead(task, inv)
	default:
		err = fmt.Errorf("unknown task kind %q", task.Kind)
	}
	if err != nil {
		body := fmt.Sprintf("## Task: %s\n\nExecution failed:\n\n```\n%v\n```", name, err)
		return i.finish(name, body, true)
	}

	var b strings.Builder
	fmt.Fprintf(&b, "## Task: %s\n\n", name)
	if task.Description != "" {
		b.WriteString(task.Description + "\n\n")
	}
	b.WriteString("---\n\n```\n" + strings.TrimRight(out, "\n") + "\n```")
	return i.finish(name, b.String(), false)
}

func (i *Interceptor) finish(name, text string, isErr bool) Result {
	return Result{
		TaskName:     name,
		Text:         text,
		IsError:      isErr,
		OutputTokens: i.EstimateTokens(text),
	}
}

func (i *Interceptor) runList() string {
	tasks := i.set.List()
	if len(tasks) == 0 {
		return "No custom tasks defined."
	}
	var b strings.Builder
	b.WriteString("## Available Tasks\n\n")
	for _, t := range tasks {
		desc := t.Description
		if desc == "" {
			desc = "(no description)"
		}
		fmt.Fprintf(&b, "- `%s %s` (%s): %s\n", Trigger, t.Name, t.Kind, desc)
	}
	b.WriteString(fmt.Sprintf("\nBuiltins: `%s list`, `%s reload`\n", Trigger, Trigger))
	return b.String()
}

func (i *Interceptor) runReload() string {
	if err := i.set.Reload(); err != nil {
		return fmt.Sprintf("Reload failed, previous definitions kept:\n\n```\n%v\n```", err)
	}
	return fmt.Sprintf("Reloaded %d task(s) from %s.", len(i.set.List()), i.set.Path())
}

// expand substitutes invocation placeholders into a task string.
func expand(s string, inv Invocation) string {
	r := strings.NewReplacer(
		"{args}", inv.Args,
		"{session_id}", inv.SessionID,
		"{path}", inv.Path,
		"{model}", inv.Model,
	)
	return r.Replace(s)
}

// expandShell substitutes placeholders into a command line that will be
// handed to sh -c. Values are shell-quoted so user-supplied args are
// always literal words, never command syntax.
func expandShell(s string, inv Invocation) string {
	r := strings.NewReplacer(
		"{args}", utils.ShellQuote(inv.Args),
		"{session_id}", utils.ShellQuote(inv.SessionID),
		"{path}", utils.ShellQuote(inv.Path),
		"{model}", utils.ShellQuote(inv.Model),
	)
	return r.Replace(s)
}

func (i *Interceptor) runShell(ctx context.Context, task Task, inv Invocation) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, config.DefaultTaskTimeout)
	defer cancel()

	cmd := exec.CommandContext(ctx, "sh", "-c", expandShell(task.Command, inv))
	if task.WorkingDir != "" {
		cmd.Dir = task.WorkingDir
	}
	env := os.Environ()
	env = append(env,
		"SWIFTCAST_SESSION_ID="+inv.SessionID,
		"SWIFTCAST_PATH="+inv.Path,
		"SWIFTCAST_MODEL="+inv.Model,
		"SWIFTCAST_ARGS="+inv.Args,
	)
	for k, v := range task.Env {
		env = append(env, k+"="+expand(v, inv))
	}
	cmd.Env = env

	out, err := cmd.CombinedOutput()
	if err != nil {
		if len(out) > 0 {
			return "", fmt.Errorf("%w\n%s", err, out)
		}
		return "", err
	}
	return string(out), nil
}

func (i *Interceptor) runHTTP(ctx context.Context, task Task, inv Invocation) (string, error) {
	method := strings.ToUpper(task.Method)
	if method == "" {
		method = http.MethodGet
	}
	req, err := http.NewRequestWithContext(ctx, method, expand(task.URL, inv), nil)
	if err != nil {
		return "", err
	}
	resp, err := i.client.Do(req)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return "", err
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return "", fmt.Errorf("status %d: %s", resp.StatusCode, raw)
	}
	return string(raw), nil
}

func (i *Interceptor) runFileRead(task Task, inv Invocation) (string, error) {
	raw, err := os.ReadFile(expand(task.FilePath, inv))
	if err != nil {
		return "", err
	}
	return string(raw), nil
}

// EstimateTokens approximates the output token count of synthesized text.
// Falls back to a bytes/4 heuristic if the encoding is unavailable.
func (i *Interceptor) EstimateTokens(text string) int {
	i.encOnce.Do(func() {
		enc, err := tiktoken.GetEncoding("cl100k_base")
		if err != nil {
			log.Warn().Err(err).Msg("token encoding unavailable, using heuristic")
			return
		}
		i.enc = enc
	})
	if i.enc == nil {
		return (len(text) + 3) / 4
	}
	return len(i.enc.Encode(text, nil, nil))
}
