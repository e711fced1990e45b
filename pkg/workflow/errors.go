package workflow

import "errors"

var (
	ErrWorkflowNotFound  = errors.New("workflow not found")
	ErrStageNotFound     = errors.New("workflow stage not found")
	ErrRunNotFound       = errors.New("workflow run not found")
	ErrInvalidTransition = errors.New("invalid run status transition")
	ErrEmptyStageOutput  = errors.New("stage produced empty output")
)

func IsWorkflowNotFound(err error) bool {
	return errors.Is(err, ErrWorkflowNotFound)
}

func IsStageNotFound(err error) bool {
	return errors.Is(err, ErrStageNotFound)
}

func IsRunNotFound(err error) bool {
	return errors.Is(err, ErrRunNotFound)
}
