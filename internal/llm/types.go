package llm

import (
	"context"
	"errors"
)

var (
	ErrGeneration = errors.New("generation failed")
	ErrEmbedding  = errors.New("embedding failed")
	ErrNotReady   = errors.New("model runtime not ready")
)

type Role string

const (
	RoleSystem    Role = "system"
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

type Message struct {
	Role    Role
	Content string
}

func System(content string) Message    { return Message{Role: RoleSystem, Content: content} }
func User(content string) Message      { return Message{Role: RoleUser, Content: content} }
func Assistant(content string) Message { return Message{Role: RoleAssistant, Content: content} }

// TokenStream yields generated tokens in order. Recv returns io.EOF once the
// generation is complete. Close must be called even after io.EOF.
type TokenStream interface {
	Recv() (string, error)
	Close() error
}

// Generator is the generation runtime. Implementations are not assumed to
// be reentrant; wrap them in a Gate when shared between turns.
type Generator interface {
	Invoke(ctx context.Context, messages []Message) (string, error)
	Stream(ctx context.Context, messages []Message) (TokenStream, error)
}
