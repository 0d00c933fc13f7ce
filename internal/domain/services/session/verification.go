package session

import (
	"context"
	"time"

	"github.com/jitension/portfolio-tracker/internal/infrastructure/broker"
	apperrors "github.com/jitension/portfolio-tracker/pkg/errors"
	"github.com/jitension/portfolio-tracker/pkg/logger"
	"github.com/jitension/portfolio-tracker/pkg/metrics"
)

const confirmRetryDelay = time.Second

// verifier drives the push-verification protocol for one login attempt:
// register the device against the workflow, discover the challenge, wait
// for the user's approval, then confirm the inquiry.
type verifier struct {
	brokerAPI      BrokerAuthAPI
	clock          Clock
	logger         *logger.Logger
	pollInterval   time.Duration
	timeout        time.Duration
	confirmRetries int
}

// approve blocks until the workflow reaches approval or the wall-clock
// budget runs out. Transient polling errors are retried within the budget;
// exhausting it is a hard failure, never an assumed approval.
func (v *verifier) approve(ctx context.Context, deviceToken, workflowID string) error {
	inquiryID, err := v.brokerAPI.RegisterVerificationDevice(ctx, deviceToken, workflowID)
	if err != nil {
		return apperrors.BrokerAPI(err, "failed to register verification device")
	}

	deadline := v.clock.Now().Add(v.timeout)

	challenge, err := v.awaitChallenge(ctx, inquiryID, deadline)
	if err != nil {
		return err
	}

	switch challenge.Type {
	case broker.ChallengeTypePrompt:
		v.logger.Info("Waiting for push prompt approval",
			"inquiry_id", inquiryID,
			"challenge_id", challenge.ID)
		if err := v.awaitPromptValidated(ctx, challenge.ID, deadline); err != nil {
			return err
		}
	case broker.ChallengeTypeSMS:
		// A code challenge cannot be answered server-side; the caller must
		// resubmit the login with an explicit code.
		return apperrors.MFARequired(string(broker.ChallengeTypeSMS))
	}

	return v.confirm(ctx, inquiryID)
}

// awaitChallenge polls the inquiry until the brokerage materializes a
// challenge on it.
func (v *verifier) awaitChallenge(ctx context.Context, inquiryID string, deadline time.Time) (*broker.SheriffChallenge, error) {
	for {
		challenge, err := v.brokerAPI.GetInquiryChallenge(ctx, inquiryID)
		metrics.VerificationPollsTotal.Inc()
		if err != nil {
			v.logger.Warn("Verification inquiry poll failed",
				"inquiry_id", inquiryID,
				"error", err)
		} else if challenge != nil && challenge.ID != "" {
			return challenge, nil
		}

		if err := v.waitForNextPoll(ctx, deadline); err != nil {
			return nil, err
		}
	}
}

// awaitPromptValidated polls the push prompt until the user approves it in
// their app.
func (v *verifier) awaitPromptValidated(ctx context.Context, challengeID string, deadline time.Time) error {
	for {
		status, err := v.brokerAPI.GetPromptStatus(ctx, challengeID)
		metrics.VerificationPollsTotal.Inc()
		if err != nil {
			v.logger.Warn("Prompt status poll failed",
				"challenge_id", challengeID,
				"error", err)
		} else if status == broker.PromptStatusValidated {
			return nil
		}

		if err := v.waitForNextPoll(ctx, deadline); err != nil {
			return err
		}
	}
}

// waitForNextPoll sleeps one poll interval, failing with a verification
// timeout when the next poll would land past the deadline.
func (v *verifier) waitForNextPoll(ctx context.Context, deadline time.Time) error {
	if v.clock.Now().Add(v.pollInterval).After(deadline) {
		return apperrors.VerificationTimeout("verification was not approved within the time budget")
	}
	return v.clock.Sleep(ctx, v.pollInterval)
}

// confirm posts the continue decision until the workflow reports approval.
func (v *verifier) confirm(ctx context.Context, inquiryID string) error {
	var lastResult string
	for attempt := 0; attempt < v.confirmRetries; attempt++ {
		if attempt > 0 {
			if err := v.clock.Sleep(ctx, confirmRetryDelay); err != nil {
				return err
			}
		}

		result, err := v.brokerAPI.ConfirmInquiry(ctx, inquiryID)
		if err != nil {
			v.logger.Warn("Inquiry confirmation failed",
				"inquiry_id", inquiryID,
				"attempt", attempt+1,
				"error", err)
			continue
		}
		if result == broker.WorkflowStatusApproved {
			return nil
		}
		lastResult = result
	}

	v.logger.Warn("Verification workflow never reached approval",
		"inquiry_id", inquiryID,
		"last_result", lastResult)
	return apperrors.VerificationTimeout("verification workflow was not approved")
}
