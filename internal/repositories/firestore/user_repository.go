package firestore

import (
	"context"
	"strings"
	"time"

	"cloud.google.com/go/firestore"

	domain "github.com/cuecraft/api/internal/domain"
	pfirestore "github.com/cuecraft/api/internal/platform/firestore"
)

const (
	userCollection     = "users"
	customerCollection = "customers"
	directorCollection = "directors"
)

// UserRepository persists account rows keyed by the identity provider UID.
type UserRepository struct {
	base *pfirestore.Collection[userDocument]
}

// NewUserRepository constructs a Firestore-backed user repository.
func NewUserRepository(provider *pfirestore.Provider) *UserRepository {
	return &UserRepository{base: pfirestore.NewCollection[userDocument](provider, userCollection)}
}

type userDocument struct {
	Email       string    `firestore:"email"`
	DisplayName string    `firestore:"displayName"`
	Role        string    `firestore:"role"`
	CreatedAt   time.Time `firestore:"createdAt"`
	UpdatedAt   time.Time `firestore:"updatedAt"`
}

// Insert creates the user row and fails when the UID is already registered.
func (r *UserRepository) Insert(ctx context.Context, user domain.User) error {
	if err := requireID("user", user.ID); err != nil {
		return err
	}
	err := r.base.Create(ctx, user.ID, userDocument{
		Email:       strings.ToLower(strings.TrimSpace(user.Email)),
		DisplayName: strings.TrimSpace(user.DisplayName),
		Role:        string(user.Role),
		CreatedAt:   user.CreatedAt.UTC(),
		UpdatedAt:   user.UpdatedAt.UTC(),
	})
	return err
}

// FindByID loads the user by UID.
func (r *UserRepository) FindByID(ctx context.Context, userID string) (domain.User, error) {
	if err := requireID("user", userID); err != nil {
		return domain.User{}, err
	}
	doc, err := r.base.Get(ctx, userID)
	if err != nil {
		return domain.User{}, err
	}
	return domain.User{
		ID:          doc.ID,
		Email:       doc.Data.Email,
		DisplayName: doc.Data.DisplayName,
		Role:        domain.Role(doc.Data.Role),
		CreatedAt:   doc.Data.CreatedAt,
		UpdatedAt:   doc.Data.UpdatedAt,
	}, nil
}

// CustomerRepository persists customer profile extensions.
type CustomerRepository struct {
	base *pfirestore.Collection[customerDocument]
}

// NewCustomerRepository constructs a Firestore-backed customer repository.
func NewCustomerRepository(provider *pfirestore.Provider) *CustomerRepository {
	return &CustomerRepository{base: pfirestore.NewCollection[customerDocument](provider, customerCollection)}
}

type customerDocument struct {
	DisplayName string    `firestore:"displayName"`
	CreatedAt   time.Time `firestore:"createdAt"`
	UpdatedAt   time.Time `firestore:"updatedAt"`
}

func (r *CustomerRepository) Insert(ctx context.Context, profile domain.CustomerProfile) error {
	if err := requireID("customer", profile.UserID); err != nil {
		return err
	}
	err := r.base.Create(ctx, profile.UserID, customerDocument{
		DisplayName: strings.TrimSpace(profile.DisplayName),
		CreatedAt:   profile.CreatedAt.UTC(),
		UpdatedAt:   profile.UpdatedAt.UTC(),
	})
	return err
}

func (r *CustomerRepository) FindByID(ctx context.Context, userID string) (domain.CustomerProfile, error) {
	if err := requireID("customer", userID); err != nil {
		return domain.CustomerProfile{}, err
	}
	doc, err := r.base.Get(ctx, userID)
	if err != nil {
		return domain.CustomerProfile{}, err
	}
	return domain.CustomerProfile{
		UserID:      doc.ID,
		DisplayName: doc.Data.DisplayName,
		CreatedAt:   doc.Data.CreatedAt,
		UpdatedAt:   doc.Data.UpdatedAt,
	}, nil
}

// DirectorRepository persists director profiles. Counters are only ever changed through
// server side increments so concurrent completions never lose an update.
type DirectorRepository struct {
	base *pfirestore.Collection[directorDocument]
}

// NewDirectorRepository constructs a Firestore-backed director repository.
func NewDirectorRepository(provider *pfirestore.Provider) *DirectorRepository {
	return &DirectorRepository{base: pfirestore.NewCollection[directorDocument](provider, directorCollection)}
}

type directorDocument struct {
	DisplayName   string    `firestore:"displayName"`
	Bio           string    `firestore:"bio"`
	Genres        []string  `firestore:"genres"`
	TotalProjects int64     `firestore:"totalProjects"`
	TotalEarnings int64     `firestore:"totalEarnings"`
	Badges        []string  `firestore:"badges"`
	IsVerified    bool      `firestore:"isVerified"`
	CreatedAt     time.Time `firestore:"createdAt"`
	UpdatedAt     time.Time `firestore:"updatedAt"`
}

func (r *DirectorRepository) Insert(ctx context.Context, profile domain.DirectorProfile) error {
	if err := requireID("director", profile.UserID); err != nil {
		return err
	}
	err := r.base.Create(ctx, profile.UserID, directorDocument{
		DisplayName:   strings.TrimSpace(profile.DisplayName),
		Bio:           strings.TrimSpace(profile.Bio),
		Genres:        cloneStrings(profile.Genres),
		TotalProjects: profile.TotalProjects,
		TotalEarnings: profile.TotalEarnings,
		Badges:        cloneStrings(profile.Badges),
		IsVerified:    profile.IsVerified,
		CreatedAt:     profile.CreatedAt.UTC(),
		UpdatedAt:     profile.UpdatedAt.UTC(),
	})
	return err
}

func (r *DirectorRepository) FindByID(ctx context.Context, userID string) (domain.DirectorProfile, error) {
	if err := requireID("director", userID); err != nil {
		return domain.DirectorProfile{}, err
	}
	doc, err := r.base.Get(ctx, userID)
	if err != nil {
		return domain.DirectorProfile{}, err
	}
	d := doc.Data
	return domain.DirectorProfile{
		UserID:        doc.ID,
		DisplayName:   d.DisplayName,
		Bio:           d.Bio,
		Genres:        cloneStrings(d.Genres),
		TotalProjects: d.TotalProjects,
		TotalEarnings: d.TotalEarnings,
		Badges:        cloneStrings(d.Badges),
		IsVerified:    d.IsVerified,
		CreatedAt:     d.CreatedAt,
		UpdatedAt:     d.UpdatedAt,
	}, nil
}

// IncrementStats applies server side increments to the aggregate counters.
func (r *DirectorRepository) IncrementStats(ctx context.Context, directorID string, projects int64, earnings int64, at time.Time) error {
	if err := requireID("director", directorID); err != nil {
		return err
	}
	err := r.base.Update(ctx, directorID, []firestore.Update{
		{Path: "totalProjects", Value: firestore.Increment(projects)},
		{Path: "totalEarnings", Value: firestore.Increment(earnings)},
		{Path: "updatedAt", Value: at.UTC()},
	})
	return err
}

// SetVerification mirrors a moderation decision onto the profile.
func (r *DirectorRepository) SetVerification(ctx context.Context, directorID string, verified bool, badge string, at time.Time) error {
	if err := requireID("director", directorID); err != nil {
		return err
	}
	updates := []firestore.Update{
		{Path: "isVerified", Value: verified},
		{Path: "updatedAt", Value: at.UTC()},
	}
	if badge = strings.TrimSpace(badge); badge != "" {
		updates = append(updates, firestore.Update{Path: "badges", Value: firestore.ArrayUnion(badge)})
	}
	err := r.base.Update(ctx, directorID, updates)
	return err
}
