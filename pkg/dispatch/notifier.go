package dispatch

import (
	"context"
	"log/slog"

	"github.com/risehq/rise-gateway/pkg/channel"
	"github.com/risehq/rise-gateway/pkg/log"
	"github.com/risehq/rise-gateway/pkg/taskqueue"
	"github.com/risehq/rise-gateway/pkg/telegram"
)

// PendingReader checks what a chat is still waiting on.
type PendingReader interface {
	Pending(ctx context.Context, chatID string) (map[string]string, error)
	Clear(ctx context.Context, chatID string) error
}

// TokenSource recovers the bot token for a binding policy.
type TokenSource interface {
	DecryptToken(policy *channel.BindingPolicy) (string, error)
}

// ResultNotifier pushes terminal task results back to Telegram for chats that
// queued asynchronously (or whose synchronous wait timed out). The pending
// mark decides delivery: only the task a chat is recorded as waiting on gets
// sent, so sync results answered inline are not delivered twice.
type ResultNotifier struct {
	bindings BindingResolver
	tokens   TokenSource
	pending  PendingReader
	client   telegram.Client
	channel  string
	logger   *slog.Logger
}

func NewResultNotifier(
	bindings BindingResolver,
	tokens TokenSource,
	pending PendingReader,
	client telegram.Client,
	channelName string,
) *ResultNotifier {
	if channelName == "" {
		channelName = channel.ChannelTelegram
	}

	return &ResultNotifier{
		bindings: bindings,
		tokens:   tokens,
		pending:  pending,
		client:   client,
		channel:  channelName,
		logger:   log.WithModule("result_notifier"),
	}
}

// NotifyResult implements taskqueue.ResultNotifier.
func (n *ResultNotifier) NotifyResult(ctx context.Context, task *taskqueue.TaskEnvelope, result taskqueue.Result) {
	chatID := task.Context.User.ChatID
	if chatID == "" {
		return
	}

	mark, err := n.pending.Pending(ctx, chatID)
	if err != nil {
		n.logger.WarnContext(ctx, "pending read failed", "chat_id", chatID, "error", err)

		return
	}

	if mark == nil || mark["task_id"] != task.TaskID {
		// Either a sync waiter already answered, or a newer task superseded
		// this one.
		return
	}

	policy := n.resolvePolicy(ctx, task.Payload.WorkflowID)

	text := result.FinalText
	if result.Status != taskqueue.ResultSuccess {
		text = formatTaskID(resolveTemplate(policy, TemplateAsyncFailure), task.TaskID)
	}

	if text == "" {
		return
	}

	if err := n.send(ctx, policy, task, text); err != nil {
		n.logger.ErrorContext(ctx, "result delivery failed",
			"chat_id", chatID,
			"task_id", task.TaskID,
			"error", err)

		return
	}

	if err := n.pending.Clear(ctx, chatID); err != nil {
		n.logger.WarnContext(ctx, "pending clear failed", "chat_id", chatID, "error", err)
	}

	n.logger.InfoContext(ctx, "async result delivered",
		"chat_id", chatID,
		"task_id", task.TaskID,
		"status", result.Status)
}

func (n *ResultNotifier) resolvePolicy(ctx context.Context, workflowID string) *channel.BindingPolicy {
	if workflowID != "" {
		options, err := n.bindings.GetOptions(ctx, n.channel)
		if err == nil {
			for _, option := range options {
				if option.WorkflowID == workflowID && option.Policy != nil {
					return option.Policy
				}
			}
		}
	}

	active, err := n.bindings.GetActiveBinding(ctx, n.channel)
	if err != nil || active == nil {
		return nil
	}

	return active.Policy
}

func (n *ResultNotifier) send(ctx context.Context, policy *channel.BindingPolicy, task *taskqueue.TaskEnvelope, text string) error {
	if policy == nil {
		return channel.ErrPolicyNotFound
	}

	token, err := n.tokens.DecryptToken(policy)
	if err != nil {
		return err
	}

	chatID, err := telegram.ChatIDFromString(task.Context.User.ChatID)
	if err != nil {
		return err
	}

	escaped := telegram.EscapeMarkdownV2(text)
	chunks := telegram.SplitMessage(escaped, telegram.MaxMessageLen)

	for i, chunk := range chunks {
		params := telegram.SendMessageParams{
			ChatID:                chatID,
			Text:                  chunk,
			ParseMode:             "MarkdownV2",
			DisableWebPagePreview: true,
		}

		// Only the first chunk threads onto the original message.
		if i == 0 && task.Context.User.MessageID != nil {
			params.ReplyToMessageID = int(*task.Context.User.MessageID)
		}

		if _, err := n.client.SendMessage(ctx, token, params); err != nil {
			return err
		}
	}

	return nil
}
