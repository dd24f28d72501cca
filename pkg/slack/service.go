package slack

import (
	"context"
	"log/slog"
	"time"
)

// ServiceConfig holds the parameters needed to construct a Service.
type ServiceConfig struct {
	Token   string
	Channel string
	LinkURL string // optional base URL used to build reference links in messages
}

// SendInput describes one outbound message for the messenger's delivery
// lifecycle (pkg/delivery). ThreadKey, when non-empty, is resolved to a
// thread timestamp via FindMessageByFingerprint before posting so replies
// land in the right thread.
type SendInput struct {
	Body      string
	ThreadKey string
	ThreadTS  string // already-resolved thread timestamp, skips the lookup
	LinkText  string
	LinkRef   string // path appended to ServiceConfig.LinkURL, e.g. a delivery id
}

// SendResult carries what the delivery lifecycle needs to record against
// the attempts ledger.
type SendResult struct {
	ThreadTS string
}

// Service is the Slack channel egress provider. Nil-safe: all methods are
// no-ops (or cheap failures) when the service itself is nil, so callers in
// butlers without Slack configured don't need to branch on whether it
// exists.
type Service struct {
	client  *Client
	linkURL string
	logger  *slog.Logger
}

// NewService creates a new Slack channel provider. Returns nil if Token or
// Channel is empty, so a messenger with Slack unconfigured simply has a
// nil provider for that channel.
func NewService(cfg ServiceConfig) *Service {
	if cfg.Token == "" || cfg.Channel == "" {
		return nil
	}
	return &Service{
		client:  NewClient(cfg.Token, cfg.Channel),
		linkURL: cfg.LinkURL,
		logger:  slog.Default().With("component", "slack-service"),
	}
}

// NewServiceWithClient creates a Service backed by a pre-built Client.
// Useful for testing with a mock API server.
func NewServiceWithClient(client *Client, linkURL string) *Service {
	return &Service{
		client:  client,
		linkURL: linkURL,
		logger:  slog.Default().With("component", "slack-service"),
	}
}

// Send posts a message to the configured channel and returns the thread
// timestamp it landed under. Returns an error on provider failure; the
// delivery lifecycle maps that into an attempt outcome and decides
// retry/dead-letter per its own backoff policy — Send itself is not
// fail-open.
func (s *Service) Send(ctx context.Context, in SendInput) (SendResult, error) {
	if s == nil {
		return SendResult{}, ErrProviderNotConfigured
	}

	threadTS := in.ThreadTS
	if threadTS == "" && in.ThreadKey != "" {
		resolved, err := s.client.FindMessageByFingerprint(ctx, in.ThreadKey)
		if err != nil {
			s.logger.Warn("failed to resolve thread", "thread_key", in.ThreadKey, "error", err)
		} else {
			threadTS = resolved
		}
	}

	var blocks = BuildTextMessage(in.Body)
	if in.LinkRef != "" && s.linkURL != "" {
		blocks = BuildLinkMessage(in.Body, in.LinkText, s.linkURL+"/"+in.LinkRef)
	}

	if err := s.client.PostMessage(ctx, blocks, threadTS, 10*time.Second); err != nil {
		return SendResult{}, err
	}

	return SendResult{ThreadTS: threadTS}, nil
}

// FindThread resolves a prior message by fingerprint, for triage's
// thread-affinity evaluation (4.G) and for replies that need to land
// alongside an earlier delivery. Returns empty string, nil on a clean miss.
func (s *Service) FindThread(ctx context.Context, fingerprint string) (string, error) {
	if s == nil {
		return "", nil
	}
	return s.client.FindMessageByFingerprint(ctx, fingerprint)
}
