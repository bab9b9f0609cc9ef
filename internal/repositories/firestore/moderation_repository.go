package firestore

import (
	"context"
	"time"

	"cloud.google.com/go/firestore"

	domain "github.com/cuecraft/api/internal/domain"
	pfirestore "github.com/cuecraft/api/internal/platform/firestore"
	"github.com/cuecraft/api/internal/repositories"
)

const (
	verificationCollection  = "directorVerifications"
	musicApprovalCollection = "musicApprovals"
)

// ModerationRepository stores director verifications and music approvals.
type ModerationRepository struct {
	verifications *pfirestore.Collection[verificationDocument]
	approvals     *pfirestore.Collection[musicApprovalDocument]
}

// NewModerationRepository constructs a Firestore-backed moderation repository.
func NewModerationRepository(provider *pfirestore.Provider) *ModerationRepository {
	return &ModerationRepository{
		verifications: pfirestore.NewCollection[verificationDocument](provider, verificationCollection),
		approvals:     pfirestore.NewCollection[musicApprovalDocument](provider, musicApprovalCollection),
	}
}

type verificationDocument struct {
	DirectorID   string     `firestore:"directorId"`
	Status       string     `firestore:"status"`
	PortfolioURL string     `firestore:"portfolioUrl"`
	Note         *string    `firestore:"note,omitempty"`
	ReviewerID   *string    `firestore:"reviewerId,omitempty"`
	ReviewedAt   *time.Time `firestore:"reviewedAt,omitempty"`
	CreatedAt    time.Time  `firestore:"createdAt"`
	UpdatedAt    time.Time  `firestore:"updatedAt"`
}

type musicApprovalDocument struct {
	MusicID    string     `firestore:"musicId"`
	DirectorID string     `firestore:"directorId"`
	Status     string     `firestore:"status"`
	Note       *string    `firestore:"note,omitempty"`
	ReviewerID *string    `firestore:"reviewerId,omitempty"`
	ReviewedAt *time.Time `firestore:"reviewedAt,omitempty"`
	CreatedAt  time.Time  `firestore:"createdAt"`
	UpdatedAt  time.Time  `firestore:"updatedAt"`
}

func verificationDocumentFrom(v domain.DirectorVerification) verificationDocument {
	return verificationDocument{
		DirectorID:   v.DirectorID,
		Status:       string(v.Status),
		PortfolioURL: v.PortfolioURL,
		Note:         v.Note,
		ReviewerID:   v.ReviewerID,
		ReviewedAt:   v.ReviewedAt,
		CreatedAt:    v.CreatedAt.UTC(),
		UpdatedAt:    v.UpdatedAt.UTC(),
	}
}

func toDomainVerification(id string, doc verificationDocument) domain.DirectorVerification {
	return domain.DirectorVerification{
		ID:           id,
		DirectorID:   doc.DirectorID,
		Status:       domain.ModerationStatus(doc.Status),
		PortfolioURL: doc.PortfolioURL,
		Note:         doc.Note,
		ReviewerID:   doc.ReviewerID,
		ReviewedAt:   doc.ReviewedAt,
		CreatedAt:    doc.CreatedAt,
		UpdatedAt:    doc.UpdatedAt,
	}
}

func musicApprovalDocumentFrom(a domain.MusicApproval) musicApprovalDocument {
	return musicApprovalDocument{
		MusicID:    a.MusicID,
		DirectorID: a.DirectorID,
		Status:     string(a.Status),
		Note:       a.Note,
		ReviewerID: a.ReviewerID,
		ReviewedAt: a.ReviewedAt,
		CreatedAt:  a.CreatedAt.UTC(),
		UpdatedAt:  a.UpdatedAt.UTC(),
	}
}

func toDomainMusicApproval(id string, doc musicApprovalDocument) domain.MusicApproval {
	return domain.MusicApproval{
		ID:         id,
		MusicID:    doc.MusicID,
		DirectorID: doc.DirectorID,
		Status:     domain.ModerationStatus(doc.Status),
		Note:       doc.Note,
		ReviewerID: doc.ReviewerID,
		ReviewedAt: doc.ReviewedAt,
		CreatedAt:  doc.CreatedAt,
		UpdatedAt:  doc.UpdatedAt,
	}
}

func moderationQuery(filter repositories.ModerationListFilter, pager domain.Pagination) func(firestore.Query) firestore.Query {
	return func(q firestore.Query) firestore.Query {
		if filter.Status != nil {
			q = q.Where("status", "==", string(*filter.Status))
		}
		q = q.OrderBy("createdAt", firestore.Asc).OrderBy(firestore.DocumentID, firestore.Asc)
		return pagedQuery(q, pager)
	}
}

func (r *ModerationRepository) InsertVerification(ctx context.Context, v domain.DirectorVerification) error {
	if err := requireID("verification", v.ID); err != nil {
		return err
	}
	err := r.verifications.Create(ctx, v.ID, verificationDocumentFrom(v))
	return err
}

func (r *ModerationRepository) FindVerification(ctx context.Context, id string) (domain.DirectorVerification, error) {
	if err := requireID("verification", id); err != nil {
		return domain.DirectorVerification{}, err
	}
	doc, err := r.verifications.Get(ctx, id)
	if err != nil {
		return domain.DirectorVerification{}, err
	}
	return toDomainVerification(doc.ID, doc.Data), nil
}

func (r *ModerationRepository) UpdateVerification(ctx context.Context, v domain.DirectorVerification) error {
	if err := requireID("verification", v.ID); err != nil {
		return err
	}
	doc := verificationDocumentFrom(v)
	err := r.verifications.Update(ctx, v.ID, []firestore.Update{
		{Path: "status", Value: doc.Status},
		{Path: "note", Value: doc.Note},
		{Path: "reviewerId", Value: doc.ReviewerID},
		{Path: "reviewedAt", Value: doc.ReviewedAt},
		{Path: "updatedAt", Value: doc.UpdatedAt},
	})
	return err
}

func (r *ModerationRepository) ListVerifications(ctx context.Context, filter repositories.ModerationListFilter) (domain.Page[domain.DirectorVerification], error) {
	pager := repositories.NormalizePagination(filter.Pagination)
	docs, err := r.verifications.Query(ctx, moderationQuery(filter, pager))
	if err != nil {
		return domain.Page[domain.DirectorVerification]{}, err
	}
	items, err := decodeAll(docs, plain(toDomainVerification))
	if err != nil {
		return domain.Page[domain.DirectorVerification]{}, err
	}
	return repositories.PageFromOverfetch(items, pager), nil
}

func (r *ModerationRepository) InsertMusicApproval(ctx context.Context, a domain.MusicApproval) error {
	if err := requireID("music approval", a.ID); err != nil {
		return err
	}
	err := r.approvals.Create(ctx, a.ID, musicApprovalDocumentFrom(a))
	return err
}

func (r *ModerationRepository) FindMusicApproval(ctx context.Context, id string) (domain.MusicApproval, error) {
	if err := requireID("music approval", id); err != nil {
		return domain.MusicApproval{}, err
	}
	doc, err := r.approvals.Get(ctx, id)
	if err != nil {
		return domain.MusicApproval{}, err
	}
	return toDomainMusicApproval(doc.ID, doc.Data), nil
}

func (r *ModerationRepository) UpdateMusicApproval(ctx context.Context, a domain.MusicApproval) error {
	if err := requireID("music approval", a.ID); err != nil {
		return err
	}
	doc := musicApprovalDocumentFrom(a)
	err := r.approvals.Update(ctx, a.ID, []firestore.Update{
		{Path: "status", Value: doc.Status},
		{Path: "note", Value: doc.Note},
		{Path: "reviewerId", Value: doc.ReviewerID},
		{Path: "reviewedAt", Value: doc.ReviewedAt},
		{Path: "updatedAt", Value: doc.UpdatedAt},
	})
	return err
}

func (r *ModerationRepository) ListMusicApprovals(ctx context.Context, filter repositories.ModerationListFilter) (domain.Page[domain.MusicApproval], error) {
	pager := repositories.NormalizePagination(filter.Pagination)
	docs, err := r.approvals.Query(ctx, moderationQuery(filter, pager))
	if err != nil {
		return domain.Page[domain.MusicApproval]{}, err
	}
	items, err := decodeAll(docs, plain(toDomainMusicApproval))
	if err != nil {
		return domain.Page[domain.MusicApproval]{}, err
	}
	return repositories.PageFromOverfetch(items, pager), nil
}
