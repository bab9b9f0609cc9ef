package services

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/oklog/ulid/v2"

	domain "github.com/cuecraft/api/internal/domain"
	"github.com/cuecraft/api/internal/repositories"
)

const (
	verificationIDPrefix  = "dvr_"
	musicIDPrefix         = "mus_"
	musicApprovalIDPrefix = "mva_"

	maxReviewNoteLength = 2000
	maxMusicTitleLength = 200
)

var (
	// ErrModerationInvalidInput signals malformed submissions or decisions.
	ErrModerationInvalidInput = fmt.Errorf("moderation: %w", ErrValidation)
	// ErrModerationNotFound indicates the moderation record does not exist.
	ErrModerationNotFound = fmt.Errorf("moderation: %w", ErrNotFound)
	// ErrModerationInvalidTransition indicates an attempt to reverse a decided record.
	ErrModerationInvalidTransition = fmt.Errorf("moderation: %w", ErrInvalidTransition)
	// ErrModerationForbidden indicates the caller is not an administrator.
	ErrModerationForbidden = fmt.Errorf("moderation: %w", ErrForbidden)
	// ErrModerationConflict indicates a duplicate record.
	ErrModerationConflict = fmt.Errorf("moderation: %w", ErrConflict)
)

// ModerationServiceDeps bundles collaborators required to construct the moderation service.
type ModerationServiceDeps struct {
	Moderation    repositories.ModerationRepository
	Directors     repositories.DirectorRepository
	Music         repositories.MusicRepository
	Notifications repositories.NotificationRepository
	UnitOfWork    repositories.UnitOfWork
	Guard         *Guard
	UnreadCache   UnreadCountCache
	Dispatcher    NotificationPublisher
	Clock         func() time.Time
	IDGenerator   func() string
	Logger        Logger
}

type moderationService struct {
	moderation repositories.ModerationRepository
	directors  repositories.DirectorRepository
	music      repositories.MusicRepository
	unitOfWork repositories.UnitOfWork
	guard      *Guard
	inbox      *inbox
	clock      func() time.Time
	newID      func() string
	errs       repositoryErrorMapping
}

var _ ModerationService = (*moderationService)(nil)

// NewModerationService wires dependencies into a concrete ModerationService implementation.
func NewModerationService(deps ModerationServiceDeps) (ModerationService, error) {
	switch {
	case deps.Moderation == nil:
		return nil, errors.New("moderation service: moderation repository is required")
	case deps.Directors == nil:
		return nil, errors.New("moderation service: director repository is required")
	case deps.Music == nil:
		return nil, errors.New("moderation service: music repository is required")
	case deps.Notifications == nil:
		return nil, errors.New("moderation service: notification repository is required")
	case deps.UnitOfWork == nil:
		return nil, errors.New("moderation service: unit of work is required")
	case deps.Guard == nil:
		return nil, errors.New("moderation service: guard is required")
	}
	clock := deps.Clock
	if clock == nil {
		clock = time.Now
	}
	idGen := deps.IDGenerator
	if idGen == nil {
		idGen = func() string { return ulid.Make().String() }
	}

	return &moderationService{
		moderation: deps.Moderation,
		directors:  deps.Directors,
		music:      deps.Music,
		unitOfWork: deps.UnitOfWork,
		guard:      deps.Guard,
		inbox: newInbox(inboxDeps{
			Repo:      deps.Notifications,
			Cache:     deps.UnreadCache,
			Publisher: deps.Dispatcher,
			NewID:     idGen,
			Logger:    deps.Logger,
		}),
		clock: func() time.Time {
			return clock().UTC()
		},
		newID: idGen,
		errs: repositoryErrorMapping{
			notFound: ErrModerationNotFound,
			conflict: ErrModerationConflict,
			scope:    "moderation",
		},
	}, nil
}

func (s *moderationService) SubmitVerification(ctx context.Context, cmd SubmitVerificationCommand) (DirectorVerification, error) {
	if err := s.authorize(cmd.Actor, resourceModeration, actionSubmit); err != nil {
		return DirectorVerification{}, err
	}
	portfolio, err := httpsURL(cmd.PortfolioURL)
	if err != nil {
		return DirectorVerification{}, invalidField(ErrModerationInvalidInput, "portfolioUrl", err.Error())
	}

	now := s.clock()
	verification := DirectorVerification{
		ID:           verificationIDPrefix + s.newID(),
		DirectorID:   cmd.Actor.UserID,
		Status:       domain.ModerationPending,
		PortfolioURL: portfolio,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	err = s.unitOfWork.RunInTx(ctx, func(txCtx context.Context) error {
		profile, err := s.directors.FindByID(txCtx, cmd.Actor.UserID)
		if err != nil {
			return s.errs.mapError(err)
		}
		if profile.IsVerified {
			return fmt.Errorf("%w: director %s is already verified", ErrModerationInvalidTransition, profile.UserID)
		}
		return s.errs.mapError(s.moderation.InsertVerification(txCtx, verification))
	})
	if err != nil {
		return DirectorVerification{}, err
	}
	return verification, nil
}

func (s *moderationService) SubmitMusic(ctx context.Context, cmd SubmitMusicCommand) (MusicSubmission, error) {
	if err := s.authorize(cmd.Actor, resourceCatalog, actionSubmit); err != nil {
		return MusicSubmission{}, err
	}
	title := strings.TrimSpace(cmd.Title)
	genre := strings.TrimSpace(cmd.Genre)
	switch {
	case title == "":
		return MusicSubmission{}, invalidField(ErrModerationInvalidInput, "title", "is required")
	case utf8.RuneCountInString(title) > maxMusicTitleLength:
		return MusicSubmission{}, invalidField(ErrModerationInvalidInput, "title", fmt.Sprintf("must be at most %d characters", maxMusicTitleLength))
	case genre == "":
		return MusicSubmission{}, invalidField(ErrModerationInvalidInput, "genre", "is required")
	case cmd.Price <= 0:
		return MusicSubmission{}, invalidField(ErrModerationInvalidInput, "price", "must be positive")
	}
	preview, err := httpsURL(cmd.PreviewURL)
	if err != nil {
		return MusicSubmission{}, invalidField(ErrModerationInvalidInput, "previewUrl", err.Error())
	}

	now := s.clock()
	music := Music{
		ID:         musicIDPrefix + s.newID(),
		DirectorID: cmd.Actor.UserID,
		Title:      title,
		Genre:      genre,
		PreviewURL: preview,
		Price:      cmd.Price,
		Status:     domain.MusicInactive,
		CreatedAt:  now,
		UpdatedAt:  now,
	}
	approval := MusicApproval{
		ID:         musicApprovalIDPrefix + s.newID(),
		MusicID:    music.ID,
		DirectorID: music.DirectorID,
		Status:     domain.ModerationPending,
		CreatedAt:  now,
		UpdatedAt:  now,
	}
	err = s.unitOfWork.RunInTx(ctx, func(txCtx context.Context) error {
		if err := s.music.Insert(txCtx, music); err != nil {
			return s.errs.mapError(err)
		}
		return s.errs.mapError(s.moderation.InsertMusicApproval(txCtx, approval))
	})
	if err != nil {
		return MusicSubmission{}, err
	}
	return MusicSubmission{Music: music, Approval: approval}, nil
}

func (s *moderationService) ListVerifications(ctx context.Context, actor Principal, filter ModerationListFilter) (domain.Page[DirectorVerification], error) {
	if err := s.authorize(actor, resourceModeration, actionRead); err != nil {
		return domain.Page[DirectorVerification]{}, err
	}
	page, err := s.moderation.ListVerifications(ctx, repositories.ModerationListFilter{Status: filter.Status, Pagination: filter.Pagination})
	if err != nil {
		return domain.Page[DirectorVerification]{}, s.errs.mapError(err)
	}
	return page, nil
}

func (s *moderationService) ListMusicApprovals(ctx context.Context, actor Principal, filter ModerationListFilter) (domain.Page[MusicApproval], error) {
	if err := s.authorize(actor, resourceModeration, actionRead); err != nil {
		return domain.Page[MusicApproval]{}, err
	}
	page, err := s.moderation.ListMusicApprovals(ctx, repositories.ModerationListFilter{Status: filter.Status, Pagination: filter.Pagination})
	if err != nil {
		return domain.Page[MusicApproval]{}, s.errs.mapError(err)
	}
	return page, nil
}

// ReviewVerification records the decision and mirrors it onto the director profile. Repeating the
// recorded decision is a no-op; reversing it is rejected.
func (s *moderationService) ReviewVerification(ctx context.Context, cmd ReviewCommand) (DirectorVerification, error) {
	note, err := s.validateReview(cmd)
	if err != nil {
		return DirectorVerification{}, err
	}

	var (
		result DirectorVerification
		staged []Notification
	)
	err = s.unitOfWork.RunInTx(ctx, func(txCtx context.Context) error {
		staged = nil
		current, err := s.moderation.FindVerification(txCtx, strings.TrimSpace(cmd.ID))
		if err != nil {
			return s.errs.mapError(err)
		}
		if done, err := alreadyDecided(current.Status, cmd.Decision); done || err != nil {
			result = current
			return err
		}

		now := s.clock()
		approved := cmd.Decision == domain.ModerationApproved
		reviewer := cmd.Actor.UserID
		current.Status = cmd.Decision
		current.Note = note
		current.ReviewerID = &reviewer
		current.ReviewedAt = &now
		current.UpdatedAt = now
		if err := s.moderation.UpdateVerification(txCtx, current); err != nil {
			return s.errs.mapError(err)
		}
		badge := ""
		if approved {
			badge = domain.BadgeVerified
		}
		if err := s.directors.SetVerification(txCtx, current.DirectorID, approved, badge, now); err != nil {
			return s.errs.mapError(err)
		}
		staged, err = s.inbox.stage(txCtx, []notificationDraft{decisionNotice(current.DirectorID, "Verification", cmd.Decision, note, map[string]any{"verificationId": current.ID})}, now)
		if err != nil {
			return s.errs.mapError(err)
		}
		result = current
		return nil
	})
	if err != nil {
		return DirectorVerification{}, err
	}
	s.inbox.committed(ctx, staged)
	return result, nil
}

// ReviewMusicApproval records the decision and toggles the listing's visibility.
func (s *moderationService) ReviewMusicApproval(ctx context.Context, cmd ReviewCommand) (MusicApproval, error) {
	note, err := s.validateReview(cmd)
	if err != nil {
		return MusicApproval{}, err
	}

	var (
		result MusicApproval
		staged []Notification
	)
	err = s.unitOfWork.RunInTx(ctx, func(txCtx context.Context) error {
		staged = nil
		current, err := s.moderation.FindMusicApproval(txCtx, strings.TrimSpace(cmd.ID))
		if err != nil {
			return s.errs.mapError(err)
		}
		if done, err := alreadyDecided(current.Status, cmd.Decision); done || err != nil {
			result = current
			return err
		}

		now := s.clock()
		reviewer := cmd.Actor.UserID
		current.Status = cmd.Decision
		current.Note = note
		current.ReviewerID = &reviewer
		current.ReviewedAt = &now
		current.UpdatedAt = now
		if err := s.moderation.UpdateMusicApproval(txCtx, current); err != nil {
			return s.errs.mapError(err)
		}
		status := domain.MusicInactive
		if cmd.Decision == domain.ModerationApproved {
			status = domain.MusicActive
		}
		if err := s.music.UpdateStatus(txCtx, current.MusicID, status, now); err != nil {
			return s.errs.mapError(err)
		}
		staged, err = s.inbox.stage(txCtx, []notificationDraft{decisionNotice(current.DirectorID, "Music listing", cmd.Decision, note, map[string]any{"musicId": current.MusicID, "approvalId": current.ID})}, now)
		if err != nil {
			return s.errs.mapError(err)
		}
		result = current
		return nil
	})
	if err != nil {
		return MusicApproval{}, err
	}
	s.inbox.committed(ctx, staged)
	return result, nil
}

func (s *moderationService) validateReview(cmd ReviewCommand) (*string, error) {
	if err := s.authorize(cmd.Actor, resourceModeration, actionReview); err != nil {
		return nil, err
	}
	if strings.TrimSpace(cmd.ID) == "" {
		return nil, invalidField(ErrModerationInvalidInput, "id", "is required")
	}
	if cmd.Decision != domain.ModerationApproved && cmd.Decision != domain.ModerationRejected {
		return nil, invalidField(ErrModerationInvalidInput, "decision", "must be APPROVED or REJECTED")
	}
	note := trimmedPtr(cmd.Note)
	if note != nil && utf8.RuneCountInString(*note) > maxReviewNoteLength {
		return nil, invalidField(ErrModerationInvalidInput, "note", fmt.Sprintf("must be at most %d characters", maxReviewNoteLength))
	}
	return note, nil
}

func (s *moderationService) authorize(actor Principal, resource, action string) error {
	err := s.guard.Require(actor, resource, action, nil)
	if err != nil && errors.Is(err, ErrForbidden) {
		return fmt.Errorf("%w: %v", ErrModerationForbidden, err)
	}
	return err
}

// alreadyDecided reports true when the record already carries the requested decision and rejects
// attempts to overturn a different one.
func alreadyDecided(current, decision ModerationStatus) (bool, error) {
	if !current.Decided() {
		return false, nil
	}
	if current == decision {
		return true, nil
	}
	return false, fmt.Errorf("%w: record already %s", ErrModerationInvalidTransition, current)
}

func decisionNotice(userID, subject string, decision ModerationStatus, note *string, meta map[string]any) notificationDraft {
	verb := "approved"
	if decision == domain.ModerationRejected {
		verb = "rejected"
	}
	message := fmt.Sprintf("Your %s request was %s.", strings.ToLower(subject), verb)
	if note != nil {
		message += " " + *note
	}
	return notificationDraft{
		UserID:   userID,
		Type:     domain.NotificationSystem,
		Title:    fmt.Sprintf("%s %s", subject, verb),
		Message:  message,
		Metadata: meta,
	}
}

func httpsURL(raw string) (string, error) {
	value := strings.TrimSpace(raw)
	if value == "" {
		return "", errors.New("is required")
	}
	parsed, err := url.Parse(value)
	if err != nil || parsed.Scheme != "https" || parsed.Host == "" {
		return "", errors.New("must be an absolute https URL")
	}
	return parsed.String(), nil
}
