package utils

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestMaskKey(t *testing.T) {
	assert.Equal(t, "(empty)", MaskKey(""))
	assert.Equal(t, "****", MaskKey("short-key"))
	assert.Equal(t, "sk-ant-a...wxyz", MaskKey("sk-ant-REDACTED"))
}

func TestShellQuote(t *testing.T) {
	assert.Equal(t, "''", ShellQuote(""))
	assert.Equal(t, "'plain'", ShellQuote("plain"))
	assert.Equal(t, "'two words'", ShellQuote("two words"))
	assert.Equal(t, `'it'\''s'`, ShellQuote("it's"))
	assert.Equal(t, "'$(whoami); id'", ShellQuote("$(whoami); id"))
}

func TestTruncateRunes(t *testing.T) {
	assert.Equal(t, "short", TruncateRunes("short", 10))
	assert.Equal(t, "abc...", TruncateRunes("abcdefgh", 6))
	assert.Equal(t, "日本", TruncateRunes("日本語テキスト", 2))
}
