package taskqueue

import "sync"

// Result statuses delivered to waiters.
const (
	ResultSuccess = "success"
	ResultFailed  = "failed"
)

// Result is the terminal outcome of a task, delivered to synchronous waiters.
type Result struct {
	TaskID    string         `json:"task_id"`
	Status    string         `json:"status"`
	FinalText string         `json:"final_text,omitempty"`
	Error     string         `json:"error,omitempty"`
	Telemetry map[string]any `json:"telemetry,omitempty"`
}

// ResultBroker fans task results out to registered waiters. All methods are
// goroutine-safe; publishing resolves and removes every waiter for the task.
type ResultBroker struct {
	mu      sync.Mutex
	waiters map[string][]chan Result
}

func NewResultBroker() *ResultBroker {
	return &ResultBroker{waiters: make(map[string][]chan Result)}
}

// Register returns a channel that receives the task's result once.
func (b *ResultBroker) Register(taskID string) <-chan Result {
	ch := make(chan Result, 1)

	b.mu.Lock()
	defer b.mu.Unlock()

	b.waiters[taskID] = append(b.waiters[taskID], ch)

	return ch
}

// Publish resolves every waiter for the task and discards the entry.
func (b *ResultBroker) Publish(result Result) {
	b.mu.Lock()
	waiters := b.waiters[result.TaskID]
	delete(b.waiters, result.TaskID)
	b.mu.Unlock()

	for _, ch := range waiters {
		// Buffered with capacity 1; a waiter that already timed out simply
		// never reads it.
		select {
		case ch <- result:
		default:
		}
	}
}

// Discard removes a single waiter after a timeout or caller cancellation.
func (b *ResultBroker) Discard(taskID string, waiter <-chan Result) {
	b.mu.Lock()
	defer b.mu.Unlock()

	waiters := b.waiters[taskID]

	for i, ch := range waiters {
		if ch == waiter {
			b.waiters[taskID] = append(waiters[:i], waiters[i+1:]...)

			break
		}
	}

	if len(b.waiters[taskID]) == 0 {
		delete(b.waiters, taskID)
	}
}

// Pending reports how many tasks currently have waiters, for diagnostics.
func (b *ResultBroker) Pending() int {
	b.mu.Lock()
	defer b.mu.Unlock()

	return len(b.waiters)
}
