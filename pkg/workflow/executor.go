package workflow

import "context"

// StageRequest carries one prompt invocation to the model boundary.
type StageRequest struct {
	Prompt       string
	History      []string
	TokensBudget int
	RequestID    string
	Model        string
}

// StageExecutor is the injected model boundary. Implementations must return
// a non-empty text or an error.
type StageExecutor interface {
	Invoke(ctx context.Context, req StageRequest) (string, error)
}

// StageExecutorFunc adapts a function to the StageExecutor interface.
type StageExecutorFunc func(ctx context.Context, req StageRequest) (string, error)

func (f StageExecutorFunc) Invoke(ctx context.Context, req StageRequest) (string, error) {
	return f(ctx, req)
}
