package services

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/cuecraft/api/internal/repositories"
)

var (
	// ErrLibraryNotFound indicates the download does not exist or belongs to someone else.
	ErrLibraryNotFound = fmt.Errorf("library: %w", ErrNotFound)
	// ErrLibraryForbidden indicates the caller has no library.
	ErrLibraryForbidden = fmt.Errorf("library: %w", ErrForbidden)
	// ErrLibraryInvalidInput signals a malformed request.
	ErrLibraryInvalidInput = fmt.Errorf("library: %w", ErrValidation)
	// ErrLibraryDownloadsDisabled indicates no download signer is configured.
	ErrLibraryDownloadsDisabled = fmt.Errorf("library: downloads disabled: %w", ErrUnavailable)
)

// LibraryServiceDeps bundles collaborators required to construct the library service.
type LibraryServiceDeps struct {
	Carts     repositories.CartRepository
	Downloads repositories.DownloadRepository
	Guard     *Guard
	Signer    DownloadSigner
}

type libraryService struct {
	carts     repositories.CartRepository
	downloads repositories.DownloadRepository
	guard     *Guard
	signer    DownloadSigner
	errs      repositoryErrorMapping
}

var _ LibraryService = (*libraryService)(nil)

// NewLibraryService wires dependencies into a concrete LibraryService implementation.
func NewLibraryService(deps LibraryServiceDeps) (LibraryService, error) {
	if deps.Carts == nil || deps.Downloads == nil {
		return nil, errors.New("library service: cart and download repositories are required")
	}
	if deps.Guard == nil {
		return nil, errors.New("library service: guard is required")
	}
	return &libraryService{
		carts:     deps.Carts,
		downloads: deps.Downloads,
		guard:     deps.Guard,
		signer:    deps.Signer,
		errs: repositoryErrorMapping{
			notFound: ErrLibraryNotFound,
			conflict: ErrConflict,
			scope:    "library",
		},
	}, nil
}

func (s *libraryService) ListCart(ctx context.Context, actor Principal) ([]CartItem, error) {
	if err := s.authorize(actor, nil); err != nil {
		return nil, err
	}
	items, err := s.carts.ListByCustomer(ctx, actor.UserID)
	if err != nil {
		return nil, s.errs.mapError(err)
	}
	return items, nil
}

func (s *libraryService) ListDownloads(ctx context.Context, actor Principal) ([]Download, error) {
	if err := s.authorize(actor, nil); err != nil {
		return nil, err
	}
	items, err := s.downloads.ListByCustomer(ctx, actor.UserID)
	if err != nil {
		return nil, s.errs.mapError(err)
	}
	return items, nil
}

// DownloadURL signs a short-lived read URL for a download owned by the caller.
func (s *libraryService) DownloadURL(ctx context.Context, actor Principal, downloadID string) (SignedURL, error) {
	downloadID = strings.TrimSpace(downloadID)
	if downloadID == "" {
		return SignedURL{}, invalidField(ErrLibraryInvalidInput, "downloadId", "is required")
	}
	if s.signer == nil {
		return SignedURL{}, ErrLibraryDownloadsDisabled
	}
	download, err := s.downloads.FindByID(ctx, downloadID)
	if err != nil {
		return SignedURL{}, s.errs.mapError(err)
	}
	if err := s.authorize(actor, IsUser(download.CustomerID)); err != nil {
		if errors.Is(err, ErrForbidden) {
			return SignedURL{}, fmt.Errorf("%w: %s", ErrLibraryNotFound, downloadID)
		}
		return SignedURL{}, err
	}
	return s.signer.SignDownload(ctx, download.MusicURL)
}

func (s *libraryService) authorize(actor Principal, owns Ownership) error {
	err := s.guard.Require(actor, resourceLibrary, actionRead, owns)
	if err != nil && errors.Is(err, ErrForbidden) {
		return fmt.Errorf("%w: %v", ErrLibraryForbidden, err)
	}
	return err
}
