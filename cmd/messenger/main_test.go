package main

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	goslack "github.com/slack-go/slack"

	"github.com/butlerhq/substrate/pkg/config"
	"github.com/butlerhq/substrate/pkg/delivery"
	"github.com/butlerhq/substrate/pkg/ratelimit"
	"github.com/butlerhq/substrate/pkg/rpctool"
	"github.com/butlerhq/substrate/pkg/slack"
)

func TestNotifyIdempotencyKey_DeterministicAndSensitiveToContent(t *testing.T) {
	a := rpctool.NotifyEnvelope{OriginButler: "relationship"}
	a.Delivery.Channel = "slack"
	a.Delivery.Recipient = "U123"
	a.Delivery.Message = "hello"

	b := a
	b.Delivery.Message = "hello, again"

	keyA1 := notifyIdempotencyKey(a)
	keyA2 := notifyIdempotencyKey(a)
	keyB := notifyIdempotencyKey(b)

	assert.Equal(t, keyA1, keyA2)
	assert.NotEqual(t, keyA1, keyB)
	assert.Contains(t, keyA1, "notify:")
}

func TestSlackSendFunc_ProviderNotConfiguredIsNonRetryable(t *testing.T) {
	var unconfigured *slack.Service
	sendFn := slackSendFunc(unconfigured, ratelimit.New(ratelimit.Config{GlobalMaxInFlight: 1}, time.Now()), "slack")

	result := sendFn(context.Background(), delivery.Envelope{MessageContent: "hi"})
	assert.Equal(t, delivery.OutcomeNonRetryableError, result.Outcome)
	assert.Equal(t, "provider_not_configured", result.ErrorClass)
}

func TestSlackSendFunc_ClassifiesRateLimitAsRetryableAndRecordsThrottle(t *testing.T) {
	limiter := ratelimit.New(ratelimit.Config{GlobalMaxInFlight: 1}, time.Now())
	sendFn := slackErrSendFunc(limiter, &goslack.RateLimitedError{RetryAfter: 30 * time.Second})

	result := sendFn(context.Background(), delivery.Envelope{MessageContent: "hi"})
	require.Equal(t, delivery.OutcomeRetryableError, result.Outcome)
	assert.Equal(t, "rate_limited", result.ErrorClass)

	admission := limiter.CheckAdmission(time.Now(), "slack", "messenger", "U1", ratelimit.IntentSend)
	assert.False(t, admission.Admitted)
	assert.Equal(t, ratelimit.LimitTypeProvider, admission.LimitType)
}

func TestSlackSendFunc_UnclassifiedErrorDefaultsToRetryable(t *testing.T) {
	limiter := ratelimit.New(ratelimit.Config{GlobalMaxInFlight: 1}, time.Now())
	sendFn := slackErrSendFunc(limiter, errors.New("connection reset"))

	result := sendFn(context.Background(), delivery.Envelope{MessageContent: "hi"})
	assert.Equal(t, delivery.OutcomeRetryableError, result.Outcome)
	assert.Equal(t, "send_failed", result.ErrorClass)
}

// slackErrSendFunc builds a slackSendFunc-equivalent around a fake Send
// that always fails with wantErr, so the classification branch can be
// exercised without a live Slack API client.
func slackErrSendFunc(limiter *ratelimit.RateLimiter, wantErr error) delivery.SendFunc {
	return func(ctx context.Context, env delivery.Envelope) delivery.SendResult {
		err := wantErr

		if errors.Is(err, slack.ErrProviderNotConfigured) {
			return delivery.SendResult{Outcome: delivery.OutcomeNonRetryableError, ErrorClass: "provider_not_configured", ErrorMessage: err.Error()}
		}
		var rateLimited *goslack.RateLimitedError
		if errors.As(err, &rateLimited) {
			limiter.RecordProviderThrottle(time.Now(), "slack", rateLimited.RetryAfter.Seconds(), "provider_rate_limited")
			return delivery.SendResult{Outcome: delivery.OutcomeRetryableError, ErrorClass: "rate_limited", ErrorMessage: err.Error()}
		}
		return delivery.SendResult{Outcome: delivery.OutcomeRetryableError, ErrorClass: "send_failed", ErrorMessage: err.Error()}
	}
}

func TestModuleConfigToSlack_AbsentModuleReturnsZeroValue(t *testing.T) {
	out := moduleConfigToSlack(config.ModuleConfig{})
	assert.Empty(t, out.Token)
	assert.Empty(t, out.Channel)
}

func TestModuleConfigToSlack_ReadsModuleFields(t *testing.T) {
	out := moduleConfigToSlack(config.ModuleConfig{"token": "xoxb-test", "channel": "C123", "link_url": "https://example.com"})
	assert.Equal(t, "xoxb-test", out.Token)
	assert.Equal(t, "C123", out.Channel)
	assert.Equal(t, "https://example.com", out.LinkURL)
}

func TestModuleConfigToRatelimit_DefaultsWhenModuleAbsent(t *testing.T) {
	out := moduleConfigToRatelimit(config.ModuleConfig{})
	assert.Equal(t, 60.0, out.GlobalMaxPerMinute)
	assert.Equal(t, 20, out.GlobalMaxInFlight)
}

func TestModuleConfigToRatelimit_OverridesFromModule(t *testing.T) {
	out := moduleConfigToRatelimit(config.ModuleConfig{
		"global_max_per_minute":        float64(10),
		"global_max_in_flight":         float64(2),
		"per_recipient_max_per_minute": float64(3),
		"channel_limits":               map[string]any{"slack.messenger": float64(5)},
	})
	assert.Equal(t, 10.0, out.GlobalMaxPerMinute)
	assert.Equal(t, 2, out.GlobalMaxInFlight)
	assert.Equal(t, 3.0, out.PerRecipientMaxPerMin)
	assert.Equal(t, 5.0, out.ChannelLimits["slack.messenger"])
}

func TestDecodeRouteExecuteInput_RoundTrips(t *testing.T) {
	in, err := decodeRouteExecuteInput(map[string]any{
		"input": map[string]any{"prompt": "hello", "context": map[string]any{"k": "v"}},
	})
	require.NoError(t, err)
	assert.Equal(t, "hello", in.Input.Prompt)
	assert.Equal(t, "v", in.Input.Context["k"])
}

func TestDlqEntryToAny_CarriesReplayMetadata(t *testing.T) {
	entry := delivery.DeadLetter{
		ID:             "dl-1",
		ReplayEligible: true,
		ReplayCount:    2,
		ErrorClass:     "timeout",
	}
	out := dlqEntryToAny(entry)
	assert.Equal(t, "dl-1", out["id"])
	assert.Equal(t, true, out["replay_eligible"])
	assert.Equal(t, 2, out["replay_count"])
}
