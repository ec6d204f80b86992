package engine

import (
	"context"
	"fmt"

	"grantline/internal/domain"
)

// SubmitMilestone records the grantee's proof of work for the active milestone.
func (e Engine) SubmitMilestone(ctx context.Context, id, proofRef, notes, actorID string) (domain.Milestone, error) {
	m, err := e.Milestones.Get(ctx, id)
	if err != nil {
		return domain.Milestone{}, err
	}
	g, err := e.Repo.GetGrant(ctx, m.GrantID)
	if err != nil {
		return domain.Milestone{}, err
	}
	if actorID != g.Requester && !e.Config.Treasury.IsAdmin(actorID) {
		return domain.Milestone{}, fmt.Errorf("%w: %s cannot submit milestones of grant %s", domain.ErrUnauthorized, actorID, g.ID)
	}
	return e.Milestones.Submit(ctx, id, proofRef, notes, actorID)
}

// ReviewMilestone applies a review outcome. With milestones.auto_release an approval is
// released straight away; a failed release leaves the milestone approved and is logged.
func (e Engine) ReviewMilestone(ctx context.Context, id string, outcome domain.ReviewOutcome, feedback, reviewerID string) (domain.Milestone, error) {
	m, err := e.Milestones.Review(ctx, id, outcome, feedback, reviewerID)
	if err != nil {
		return m, err
	}
	if outcome != domain.OutcomeApproved || !e.Config.Milestones.AutoRelease {
		return m, nil
	}
	paid, err := e.ReleaseMilestone(ctx, id, reviewerID)
	if err != nil {
		e.Logger.Warn("auto release failed", "grant_id", m.GrantID, "milestone", id, "amount", m.Amount.String(), "err", err)
		return m, nil
	}
	return paid, nil
}

// ReleaseMilestone pays an approved milestone and steps the grant's workflow, completing it
// once everything is paid.
func (e Engine) ReleaseMilestone(ctx context.Context, id, actorID string) (domain.Milestone, error) {
	m, err := e.Milestones.Release(ctx, id, actorID)
	if err != nil {
		return m, err
	}
	if _, _, err := e.Advance(ctx, m.GrantID); err != nil {
		e.Logger.Warn("advance after release", "grant_id", m.GrantID, "err", err)
	}
	return m, nil
}

func (e Engine) Milestone(ctx context.Context, id string) (domain.Milestone, error) {
	return e.Milestones.Get(ctx, id)
}

func (e Engine) GrantMilestones(ctx context.Context, grantID string) ([]domain.Milestone, error) {
	if _, err := e.Repo.GetGrant(ctx, grantID); err != nil {
		return nil, err
	}
	return e.Milestones.List(ctx, grantID)
}
