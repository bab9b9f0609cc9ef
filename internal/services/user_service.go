package services

import (
	"context"
	"errors"
	"fmt"
	"net/mail"
	"strings"
	"time"
	"unicode/utf8"

	firebaseauth "firebase.google.com/go/v4/auth"

	domain "github.com/cuecraft/api/internal/domain"
	"github.com/cuecraft/api/internal/platform/auth"
	"github.com/cuecraft/api/internal/repositories"
)

const maxDisplayNameLength = 80

var (
	// ErrUserInvalidInput signals malformed registration data.
	ErrUserInvalidInput = fmt.Errorf("user: %w", ErrValidation)
	// ErrUserNotFound indicates no account row exists.
	ErrUserNotFound = fmt.Errorf("user: %w", ErrNotFound)
	// ErrUserConflict indicates a concurrent registration for the same principal won the race.
	ErrUserConflict = fmt.Errorf("user: %w", ErrConflict)
	// ErrUserNotRegistered indicates an authenticated principal without an account row.
	ErrUserNotRegistered = fmt.Errorf("user: not registered: %w", ErrForbidden)
)

// UserServiceDeps bundles the dependencies required to construct a user service instance.
type UserServiceDeps struct {
	Users      repositories.UserRepository
	Customers  repositories.CustomerRepository
	Directors  repositories.DirectorRepository
	UnitOfWork repositories.UnitOfWork
	Guard      *Guard
	// Firebase fills email and display name from the identity provider when the caller omits them.
	Firebase auth.UserGetter
	Clock    func() time.Time
}

type userService struct {
	users      repositories.UserRepository
	customers  repositories.CustomerRepository
	directors  repositories.DirectorRepository
	unitOfWork repositories.UnitOfWork
	guard      *Guard
	firebase   auth.UserGetter
	clock      func() time.Time
	errs       repositoryErrorMapping
}

var _ UserService = (*userService)(nil)

// NewUserService wires dependencies into a concrete UserService implementation.
func NewUserService(deps UserServiceDeps) (UserService, error) {
	switch {
	case deps.Users == nil:
		return nil, errors.New("user service: user repository is required")
	case deps.Customers == nil || deps.Directors == nil:
		return nil, errors.New("user service: profile repositories are required")
	case deps.UnitOfWork == nil:
		return nil, errors.New("user service: unit of work is required")
	case deps.Guard == nil:
		return nil, errors.New("user service: guard is required")
	}
	clock := deps.Clock
	if clock == nil {
		clock = time.Now
	}
	return &userService{
		users:      deps.Users,
		customers:  deps.Customers,
		directors:  deps.Directors,
		unitOfWork: deps.UnitOfWork,
		guard:      deps.Guard,
		firebase:   deps.Firebase,
		clock: func() time.Time {
			return clock().UTC()
		},
		errs: repositoryErrorMapping{
			notFound: ErrUserNotFound,
			conflict: ErrUserConflict,
			scope:    "user",
		},
	}, nil
}

// ResolvePrincipal maps the identity-provider uid to the internal role. A uid without a user row is
// authenticated but forbidden.
func (s *userService) ResolvePrincipal(ctx context.Context, uid string) (Principal, error) {
	uid = strings.TrimSpace(uid)
	if uid == "" {
		return Principal{}, ErrUnauthenticated
	}
	user, err := s.users.FindByID(ctx, uid)
	if err != nil {
		if isNotFound(err) {
			return Principal{}, fmt.Errorf("%w: %s", ErrUserNotRegistered, uid)
		}
		return Principal{}, s.errs.mapError(err)
	}
	if !user.Role.Valid() {
		return Principal{}, fmt.Errorf("%w: user %s has no marketplace role", ErrForbidden, uid)
	}
	return Principal{UserID: user.ID, Role: user.Role}, nil
}

func (s *userService) Register(ctx context.Context, cmd RegisterUserCommand) (Account, error) {
	uid := strings.TrimSpace(cmd.UID)
	if uid == "" {
		return Account{}, ErrUnauthenticated
	}
	if cmd.Role != domain.RoleCustomer && cmd.Role != domain.RoleDirector {
		return Account{}, invalidField(ErrUserInvalidInput, "role", "must be CUSTOMER or DIRECTOR")
	}

	email := strings.TrimSpace(cmd.Email)
	displayName := strings.TrimSpace(cmd.DisplayName)
	if (email == "" || displayName == "") && s.firebase != nil {
		record, err := s.firebase.GetUser(ctx, uid)
		if err != nil {
			return Account{}, fmt.Errorf("user: fetch identity record: %w", err)
		}
		email, displayName = fillFromIdentity(record, email, displayName)
	}
	switch {
	case displayName == "":
		return Account{}, invalidField(ErrUserInvalidInput, "displayName", "is required")
	case utf8.RuneCountInString(displayName) > maxDisplayNameLength:
		return Account{}, invalidField(ErrUserInvalidInput, "displayName", fmt.Sprintf("must be at most %d characters", maxDisplayNameLength))
	}
	if email != "" {
		if _, err := mail.ParseAddress(email); err != nil {
			return Account{}, invalidField(ErrUserInvalidInput, "email", "is not a valid address")
		}
	}

	now := s.clock()
	account := Account{User: User{
		ID:          uid,
		Email:       email,
		DisplayName: displayName,
		Role:        cmd.Role,
		CreatedAt:   now,
		UpdatedAt:   now,
	}}
	switch cmd.Role {
	case domain.RoleCustomer:
		account.Customer = &CustomerProfile{UserID: uid, DisplayName: displayName, CreatedAt: now, UpdatedAt: now}
	case domain.RoleDirector:
		account.Director = &DirectorProfile{UserID: uid, DisplayName: displayName, CreatedAt: now, UpdatedAt: now}
	}

	err := s.unitOfWork.RunInTx(ctx, func(txCtx context.Context) error {
		switch _, err := s.users.FindByID(txCtx, uid); {
		case err == nil:
			return invalidField(ErrUserInvalidInput, "uid", "is already registered")
		case !isNotFound(err):
			return s.errs.mapError(err)
		}
		if err := s.users.Insert(txCtx, account.User); err != nil {
			return s.errs.mapError(err)
		}
		if account.Customer != nil {
			return s.errs.mapError(s.customers.Insert(txCtx, *account.Customer))
		}
		return s.errs.mapError(s.directors.Insert(txCtx, *account.Director))
	})
	if err != nil {
		return Account{}, err
	}
	return account, nil
}

func (s *userService) GetAccount(ctx context.Context, actor Principal) (Account, error) {
	if err := s.guard.Require(actor, resourceAccount, actionRead, nil); err != nil {
		return Account{}, err
	}
	user, err := s.users.FindByID(ctx, actor.UserID)
	if err != nil {
		return Account{}, s.errs.mapError(err)
	}
	account := Account{User: user}
	switch user.Role {
	case domain.RoleCustomer:
		profile, err := s.customers.FindByID(ctx, user.ID)
		if err != nil && !isNotFound(err) {
			return Account{}, s.errs.mapError(err)
		}
		if err == nil {
			account.Customer = &profile
		}
	case domain.RoleDirector:
		profile, err := s.directors.FindByID(ctx, user.ID)
		if err != nil && !isNotFound(err) {
			return Account{}, s.errs.mapError(err)
		}
		if err == nil {
			account.Director = &profile
		}
	}
	return account, nil
}

func fillFromIdentity(record *firebaseauth.UserRecord, email, displayName string) (string, string) {
	if record == nil || record.UserInfo == nil {
		return email, displayName
	}
	if email == "" {
		email = strings.TrimSpace(record.Email)
	}
	if displayName == "" {
		displayName = strings.TrimSpace(record.DisplayName)
	}
	return email, displayName
}
