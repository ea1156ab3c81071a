package domain

import "context"

// Invoker produces a reply for a prompt. Invoke is synchronous and bounded
// by the implementation's own timeout; it never returns an error because
// every failure is normalized into the reply text (see AgentReply).
type Invoker interface {
	Name() string
	Invoke(ctx context.Context, prompt string) AgentReply
}
