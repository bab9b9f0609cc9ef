package services

import (
	"context"
	"errors"
	"testing"

	domain "github.com/cuecraft/api/internal/domain"
)

func TestModerationServiceVerificationApprovalMirrorsProfile(t *testing.T) {
	m := newMarketplace(t)
	ctx := context.Background()

	request, err := m.moderation.SubmitVerification(ctx, SubmitVerificationCommand{Actor: m.director, PortfolioURL: "https://portfolio.example.com/dir"})
	if err != nil {
		t.Fatalf("SubmitVerification: %v", err)
	}
	if request.Status != domain.ModerationPending {
		t.Fatalf("expected pending, got %s", request.Status)
	}

	pending := domain.ModerationPending
	queue, err := m.moderation.ListVerifications(ctx, m.admin, ModerationListFilter{Status: &pending})
	if err != nil || len(queue.Items) != 1 {
		t.Fatalf("expected one pending verification, got %d (%v)", len(queue.Items), err)
	}

	note := "Great reel"
	approved, err := m.moderation.ReviewVerification(ctx, ReviewCommand{Actor: m.admin, ID: request.ID, Decision: domain.ModerationApproved, Note: &note})
	if err != nil {
		t.Fatalf("ReviewVerification: %v", err)
	}
	if approved.Status != domain.ModerationApproved || approved.ReviewerID == nil || *approved.ReviewerID != m.admin.UserID {
		t.Fatalf("unexpected review result %+v", approved)
	}
	profile, err := m.store.Directors().FindByID(ctx, m.director.UserID)
	if err != nil {
		t.Fatalf("FindByID: %v", err)
	}
	if !profile.IsVerified || !profile.HasBadge(domain.BadgeVerified) {
		t.Fatalf("profile not verified: %+v", profile)
	}

	if _, err := m.moderation.ReviewVerification(ctx, ReviewCommand{Actor: m.admin, ID: request.ID, Decision: domain.ModerationApproved}); err != nil {
		t.Fatalf("repeating the decision should be a no-op: %v", err)
	}
	if _, err := m.moderation.ReviewVerification(ctx, ReviewCommand{Actor: m.admin, ID: request.ID, Decision: domain.ModerationRejected}); !errors.Is(err, ErrModerationInvalidTransition) {
		t.Fatalf("reversal should be rejected, got %v", err)
	}
	if _, err := m.moderation.SubmitVerification(ctx, SubmitVerificationCommand{Actor: m.director, PortfolioURL: "https://portfolio.example.com/dir"}); !errors.Is(err, ErrModerationInvalidTransition) {
		t.Fatalf("verified directors cannot re-apply, got %v", err)
	}

	inbox, err := m.notifications.List(ctx, m.director, NotificationListFilter{})
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(inbox.Items) != 1 || inbox.Items[0].Type != domain.NotificationSystem {
		t.Fatalf("expected a single decision notice, got %+v", inbox.Items)
	}
}

func TestModerationServiceMusicApprovalTogglesListing(t *testing.T) {
	m := newMarketplace(t)
	ctx := context.Background()

	submission, err := m.moderation.SubmitMusic(ctx, SubmitMusicCommand{Actor: m.director, Title: "Night Drive", Genre: "synthwave", PreviewURL: "https://cdn.example.com/preview.mp3", Price: 2500})
	if err != nil {
		t.Fatalf("SubmitMusic: %v", err)
	}
	if submission.Music.Status != domain.MusicInactive || submission.Approval.MusicID != submission.Music.ID {
		t.Fatalf("unexpected submission %+v", submission)
	}

	if _, err := m.moderation.ReviewMusicApproval(ctx, ReviewCommand{Actor: m.admin, ID: submission.Approval.ID, Decision: domain.ModerationApproved}); err != nil {
		t.Fatalf("ReviewMusicApproval: %v", err)
	}
	music, err := m.store.Music().FindByID(ctx, submission.Music.ID)
	if err != nil {
		t.Fatalf("FindByID: %v", err)
	}
	if music.Status != domain.MusicActive {
		t.Fatalf("expected active listing, got %s", music.Status)
	}
}

func TestModerationServiceAccessControl(t *testing.T) {
	m := newMarketplace(t)
	ctx := context.Background()

	if _, err := m.moderation.SubmitVerification(ctx, SubmitVerificationCommand{Actor: m.customer, PortfolioURL: "https://example.com"}); !errors.Is(err, ErrModerationForbidden) {
		t.Fatalf("customers cannot request verification, got %v", err)
	}
	if _, err := m.moderation.ListVerifications(ctx, m.director, ModerationListFilter{}); !errors.Is(err, ErrForbidden) {
		t.Fatalf("only admins list queues, got %v", err)
	}
	if _, err := m.moderation.ReviewMusicApproval(ctx, ReviewCommand{Actor: m.director, ID: "mva_1", Decision: domain.ModerationApproved}); !errors.Is(err, ErrForbidden) {
		t.Fatalf("only admins review, got %v", err)
	}
	if _, err := m.moderation.ReviewVerification(ctx, ReviewCommand{Actor: m.admin, ID: "dvr_1", Decision: domain.ModerationPending}); !errors.Is(err, ErrModerationInvalidInput) {
		t.Fatalf("pending is not a decision, got %v", err)
	}
	if _, err := m.moderation.SubmitVerification(ctx, SubmitVerificationCommand{Actor: m.director, PortfolioURL: "ftp://example.com"}); !errors.Is(err, ErrModerationInvalidInput) {
		t.Fatalf("expected https requirement, got %v", err)
	}
	if _, err := m.moderation.ReviewVerification(ctx, ReviewCommand{Actor: m.admin, ID: "dvr_missing", Decision: domain.ModerationApproved}); !errors.Is(err, ErrModerationNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
}
