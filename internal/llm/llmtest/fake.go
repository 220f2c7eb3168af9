// Package llmtest provides a scripted llm.Generator for tests.
package llmtest

import (
	"context"
	"io"
	"strings"
	"sync"

	"github.com/kb-agent/backend/internal/llm"
)

// Script is what one Stream call produces: Tokens in order, then Err (or
// io.EOF when Err is nil).
type Script struct {
	Tokens []string
	Err    error
}

type Call struct {
	Stream   bool
	Messages []llm.Message
}

// Fake dispatches to InvokeFunc and StreamFunc and records every call.
// A nil StreamFunc streams the words of "ok".
type Fake struct {
	InvokeFunc func(messages []llm.Message) (string, error)
	StreamFunc func(messages []llm.Message) (Script, error)

	mu    sync.Mutex
	calls []Call
}

func (f *Fake) Invoke(ctx context.Context, messages []llm.Message) (string, error) {
	f.record(Call{Messages: messages})
	if err := ctx.Err(); err != nil {
		return "", err
	}
	if f.InvokeFunc == nil {
		return "", nil
	}
	return f.InvokeFunc(messages)
}

func (f *Fake) Stream(ctx context.Context, messages []llm.Message) (llm.TokenStream, error) {
	f.record(Call{Stream: true, Messages: messages})
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	script := Script{Tokens: []string{"ok"}}
	if f.StreamFunc != nil {
		var err error
		if script, err = f.StreamFunc(messages); err != nil {
			return nil, err
		}
	}
	return &stream{ctx: ctx, script: script}, nil
}

func (f *Fake) record(c Call) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, c)
}

func (f *Fake) Calls() []Call {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]Call, len(f.calls))
	copy(out, f.calls)
	return out
}

// InvokeCount counts non-streaming calls.
func (f *Fake) InvokeCount() int {
	n := 0
	for _, c := range f.Calls() {
		if !c.Stream {
			n++
		}
	}
	return n
}

// System returns the system prompt of a call, or "".
func System(messages []llm.Message) string {
	for _, m := range messages {
		if m.Role == llm.RoleSystem {
			return m.Content
		}
	}
	return ""
}

// Words splits s into tokens that keep their trailing space.
func Words(s string) []string {
	fields := strings.SplitAfter(s, " ")
	out := fields[:0]
	for _, f := range fields {
		if f != "" {
			out = append(out, f)
		}
	}
	return out
}

type stream struct {
	ctx    context.Context
	script Script
	pos    int
	closed bool
}

func (s *stream) Recv() (string, error) {
	if err := s.ctx.Err(); err != nil {
		return "", err
	}
	if s.pos < len(s.script.Tokens) {
		tok := s.script.Tokens[s.pos]
		s.pos++
		return tok, nil
	}
	if s.script.Err != nil {
		return "", s.script.Err
	}
	return "", io.EOF
}

func (s *stream) Close() error {
	s.closed = true
	return nil
}
