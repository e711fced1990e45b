// Package telegram wraps the Telegram Bot API for a multi-tenant gateway:
// every call carries the bot token of the binding it acts for.
package telegram

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"time"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"golang.org/x/time/rate"
)

// Sentinel errors for outbound call classification.
var (
	// ErrForbidden indicates the bot was blocked or kicked; the call must
	// not be retried.
	ErrForbidden = errors.New("telegram forbidden")

	// ErrTransient indicates a retryable failure (rate limit or network).
	ErrTransient = errors.New("telegram transient failure")
)

// APIError carries the Telegram error code alongside its description.
type APIError struct {
	Code        int
	Description string
	Err         error
}

func (e *APIError) Error() string {
	return fmt.Sprintf("telegram api error %d: %s", e.Code, e.Description)
}

func (e *APIError) Unwrap() error {
	return e.Err
}

func IsForbidden(err error) bool {
	return errors.Is(err, ErrForbidden)
}

func IsTransient(err error) bool {
	return errors.Is(err, ErrTransient)
}

type SendMessageParams struct {
	ChatID                int64
	Text                  string
	ParseMode             string
	ReplyToMessageID      int
	DisableWebPagePreview bool
}

type WebhookInfo struct {
	URL                string
	PendingUpdateCount int
	LastErrorMessage   string
}

type BotInfo struct {
	ID       int64
	Username string
}

// Client is the outbound Telegram boundary. Implementations must classify
// failures via ErrForbidden / ErrTransient.
type Client interface {
	SendMessage(ctx context.Context, token string, params SendMessageParams) (int, error)
	EditMessageText(ctx context.Context, token string, chatID int64, messageID int, text, parseMode string) error
	GetWebhookInfo(ctx context.Context, token string) (WebhookInfo, error)
	SetWebhook(ctx context.Context, token, webhookURL, secret string) error
	GetMe(ctx context.Context, token string) (BotInfo, error)
}

const (
	defaultRetryAttempts = 3
	defaultRetrySpacing  = 15 * time.Second
)

// BotClient implements Client on top of go-telegram-bot-api with per-bot
// send pacing and bounded retries for transient failures.
type BotClient struct {
	attempts int
	spacing  time.Duration

	mu       sync.Mutex
	bots     map[string]*tgbotapi.BotAPI
	limiters map[string]*rate.Limiter
}

type BotClientOption func(*BotClient)

// WithRetryPolicy overrides the retry attempt count and spacing.
func WithRetryPolicy(attempts int, spacing time.Duration) BotClientOption {
	return func(c *BotClient) {
		c.attempts = attempts
		c.spacing = spacing
	}
}

func NewBotClient(opts ...BotClientOption) *BotClient {
	client := &BotClient{
		attempts: defaultRetryAttempts,
		spacing:  defaultRetrySpacing,
		bots:     make(map[string]*tgbotapi.BotAPI),
		limiters: make(map[string]*rate.Limiter),
	}

	for _, opt := range opts {
		opt(client)
	}

	return client
}

func (c *BotClient) bot(token string) (*tgbotapi.BotAPI, *rate.Limiter, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if bot, ok := c.bots[token]; ok {
		return bot, c.limiters[token], nil
	}

	bot, err := tgbotapi.NewBotAPI(token)
	if err != nil {
		return nil, nil, classify(err)
	}

	// Telegram allows roughly 30 messages per second per bot.
	limiter := rate.NewLimiter(rate.Limit(30), 5)
	c.bots[token] = bot
	c.limiters[token] = limiter

	return bot, limiter, nil
}

func (c *BotClient) SendMessage(ctx context.Context, token string, params SendMessageParams) (int, error) {
	bot, limiter, err := c.bot(token)
	if err != nil {
		return 0, err
	}

	msg := tgbotapi.NewMessage(params.ChatID, params.Text)
	msg.ParseMode = params.ParseMode
	msg.ReplyToMessageID = params.ReplyToMessageID
	msg.DisableWebPagePreview = params.DisableWebPagePreview

	var sent tgbotapi.Message

	err = c.withRetry(ctx, limiter, func() error {
		var sendErr error
		sent, sendErr = bot.Send(msg)

		return sendErr
	})
	if err != nil {
		return 0, err
	}

	return sent.MessageID, nil
}

func (c *BotClient) EditMessageText(ctx context.Context, token string, chatID int64, messageID int, text, parseMode string) error {
	bot, limiter, err := c.bot(token)
	if err != nil {
		return err
	}

	edit := tgbotapi.NewEditMessageText(chatID, messageID, text)
	edit.ParseMode = parseMode

	return c.withRetry(ctx, limiter, func() error {
		_, editErr := bot.Send(edit)

		return editErr
	})
}

func (c *BotClient) GetWebhookInfo(ctx context.Context, token string) (WebhookInfo, error) {
	bot, limiter, err := c.bot(token)
	if err != nil {
		return WebhookInfo{}, err
	}

	var info tgbotapi.WebhookInfo

	err = c.withRetry(ctx, limiter, func() error {
		var infoErr error
		info, infoErr = bot.GetWebhookInfo()

		return infoErr
	})
	if err != nil {
		return WebhookInfo{}, err
	}

	return WebhookInfo{
		URL:                info.URL,
		PendingUpdateCount: info.PendingUpdateCount,
		LastErrorMessage:   info.LastErrorMessage,
	}, nil
}

func (c *BotClient) SetWebhook(ctx context.Context, token, webhookURL, secret string) error {
	bot, limiter, err := c.bot(token)
	if err != nil {
		return err
	}

	params := tgbotapi.Params{"url": webhookURL}
	if secret != "" {
		params["secret_token"] = secret
	}

	return c.withRetry(ctx, limiter, func() error {
		_, reqErr := bot.MakeRequest("setWebhook", params)

		return reqErr
	})
}

func (c *BotClient) GetMe(ctx context.Context, token string) (BotInfo, error) {
	bot, limiter, err := c.bot(token)
	if err != nil {
		return BotInfo{}, err
	}

	var me tgbotapi.User

	err = c.withRetry(ctx, limiter, func() error {
		var meErr error
		me, meErr = bot.GetMe()

		return meErr
	})
	if err != nil {
		return BotInfo{}, err
	}

	return BotInfo{ID: me.ID, Username: me.UserName}, nil
}

// withRetry runs call up to the configured attempts, pacing through the
// limiter and spacing retries. Permanent failures abort immediately.
func (c *BotClient) withRetry(ctx context.Context, limiter *rate.Limiter, call func() error) error {
	var lastErr error

	for attempt := 0; attempt < c.attempts; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(c.spacing):
			}
		}

		if err := limiter.Wait(ctx); err != nil {
			return err
		}

		err := call()
		if err == nil {
			return nil
		}

		lastErr = classify(err)
		if !IsTransient(lastErr) {
			return lastErr
		}
	}

	return lastErr
}

func classify(err error) error {
	var apiErr *tgbotapi.Error
	if errors.As(err, &apiErr) {
		switch {
		case apiErr.Code == 403:
			return &APIError{Code: apiErr.Code, Description: apiErr.Message, Err: ErrForbidden}
		case apiErr.Code == 429 || apiErr.Code >= 500:
			return &APIError{Code: apiErr.Code, Description: apiErr.Message, Err: ErrTransient}
		default:
			return &APIError{Code: apiErr.Code, Description: apiErr.Message, Err: err}
		}
	}

	// Anything that is not a structured API error is a network failure.
	return &APIError{Code: 0, Description: err.Error(), Err: ErrTransient}
}

// ChatIDFromString parses the canonical string chat id used by envelopes.
func ChatIDFromString(chatID string) (int64, error) {
	parsed, err := strconv.ParseInt(chatID, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid chat id %q: %w", chatID, err)
	}

	return parsed, nil
}
