package arbiter

import (
	"context"
	"fmt"
	"time"

	"github.com/cheatcode/arbiter/internal/domain"
	"github.com/cheatcode/arbiter/internal/events"
)

// HelpModeResult is returned by ActivateHelpMode.
type HelpModeResult struct {
	HelpModeUntil time.Time
	// ActiveAgentType is empty when no agent is eligible.
	ActiveAgentType domain.AgentTypeID
	Outcome         *Outcome
}

// ActivateHelpMode opens the help mode window for a contact and re-runs
// arbitration. The conversation state row is created when absent.
func (e *Engine) ActivateHelpMode(ctx context.Context, contactID string) (*HelpModeResult, error) {
	if err := e.ready(); err != nil {
		return nil, err
	}
	if _, err := e.repo.GetContact(ctx, contactID); err != nil {
		return nil, fmt.Errorf("get contact %s: %w", contactID, err)
	}

	release, err := e.locks.Acquire(ctx, contactID)
	if err != nil {
		return nil, err
	}
	defer release()

	now := e.now()
	if _, err := e.repo.EnsureConversationState(ctx, contactID, now); err != nil {
		return nil, err
	}

	until := now.Add(e.helpModeWindow)
	if _, err := e.mutateState(ctx, "help_mode", contactID, func(st *domain.ConversationState) (bool, error) {
		st.HelpModeUntil = &until
		return true, nil
	}); err != nil {
		return nil, err
	}

	e.logger.Info("Help mode activated", "contact_id", contactID, "help_mode_until", until)
	if e.metrics != nil {
		e.metrics.HelpModes.Inc()
	}
	ev := events.New(events.TypeHelpModeActivated, contactID, now)
	ev.Until = &until
	e.publish(ctx, ev)

	out, err := e.recalculateLocked(ctx, contactID, ReasonHelpMode, nil)
	if err != nil {
		return nil, err
	}

	res := &HelpModeResult{HelpModeUntil: until, Outcome: out}
	if out.ActiveAgent != nil {
		res.ActiveAgentType = out.ActiveAgent.ProductType
	}
	return res, nil
}
