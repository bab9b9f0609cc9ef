package firestore

import (
	"context"
	"time"

	"cloud.google.com/go/firestore"

	domain "github.com/cuecraft/api/internal/domain"
	pfirestore "github.com/cuecraft/api/internal/platform/firestore"
)

const (
	cartItemCollection = "cartItems"
	downloadCollection = "downloads"
	musicCollection    = "music"
)

// CartRepository stores cart entries provisioned on delivery.
type CartRepository struct {
	base *pfirestore.Collection[cartItemDocument]
}

// NewCartRepository constructs a Firestore-backed cart repository.
func NewCartRepository(provider *pfirestore.Provider) *CartRepository {
	return &CartRepository{base: pfirestore.NewCollection[cartItemDocument](provider, cartItemCollection)}
}

type cartItemDocument struct {
	CustomerID  string    `firestore:"customerId"`
	OrderID     string    `firestore:"orderId"`
	Title       string    `firestore:"title"`
	Price       int64     `firestore:"price"`
	LicenseType string    `firestore:"licenseType"`
	CreatedAt   time.Time `firestore:"createdAt"`
}

func (r *CartRepository) Insert(ctx context.Context, item domain.CartItem) error {
	if err := requireID("cart item", item.ID); err != nil {
		return err
	}
	err := r.base.Create(ctx, item.ID, cartItemDocument{
		CustomerID:  item.CustomerID,
		OrderID:     item.OrderID,
		Title:       item.Title,
		Price:       item.Price,
		LicenseType: string(item.LicenseType),
		CreatedAt:   item.CreatedAt.UTC(),
	})
	return err
}

func (r *CartRepository) ListByCustomer(ctx context.Context, customerID string) ([]domain.CartItem, error) {
	if err := requireID("customer", customerID); err != nil {
		return nil, err
	}
	docs, err := r.base.Query(ctx, func(q firestore.Query) firestore.Query {
		return q.Where("customerId", "==", customerID).OrderBy("createdAt", firestore.Asc)
	})
	if err != nil {
		return nil, err
	}
	return decodeAll(docs, plain(func(id string, doc cartItemDocument) domain.CartItem {
		return domain.CartItem{
			ID:          id,
			CustomerID:  doc.CustomerID,
			OrderID:     doc.OrderID,
			Title:       doc.Title,
			Price:       doc.Price,
			LicenseType: domain.LicenseType(doc.LicenseType),
			CreatedAt:   doc.CreatedAt,
		}
	}))
}

// DownloadRepository stores download grants.
type DownloadRepository struct {
	base *pfirestore.Collection[downloadDocument]
}

// NewDownloadRepository constructs a Firestore-backed download repository.
func NewDownloadRepository(provider *pfirestore.Provider) *DownloadRepository {
	return &DownloadRepository{base: pfirestore.NewCollection[downloadDocument](provider, downloadCollection)}
}

type downloadDocument struct {
	CustomerID string    `firestore:"customerId"`
	OrderID    string    `firestore:"orderId"`
	MusicURL   string    `firestore:"musicUrl"`
	CreatedAt  time.Time `firestore:"createdAt"`
}

func toDomainDownload(id string, doc downloadDocument) domain.Download {
	return domain.Download{
		ID:         id,
		CustomerID: doc.CustomerID,
		OrderID:    doc.OrderID,
		MusicURL:   doc.MusicURL,
		CreatedAt:  doc.CreatedAt,
	}
}

func (r *DownloadRepository) Insert(ctx context.Context, d domain.Download) error {
	if err := requireID("download", d.ID); err != nil {
		return err
	}
	err := r.base.Create(ctx, d.ID, downloadDocument{
		CustomerID: d.CustomerID,
		OrderID:    d.OrderID,
		MusicURL:   d.MusicURL,
		CreatedAt:  d.CreatedAt.UTC(),
	})
	return err
}

func (r *DownloadRepository) FindByID(ctx context.Context, id string) (domain.Download, error) {
	if err := requireID("download", id); err != nil {
		return domain.Download{}, err
	}
	doc, err := r.base.Get(ctx, id)
	if err != nil {
		return domain.Download{}, err
	}
	return toDomainDownload(doc.ID, doc.Data), nil
}

func (r *DownloadRepository) ListByCustomer(ctx context.Context, customerID string) ([]domain.Download, error) {
	if err := requireID("customer", customerID); err != nil {
		return nil, err
	}
	docs, err := r.base.Query(ctx, func(q firestore.Query) firestore.Query {
		return q.Where("customerId", "==", customerID).OrderBy("createdAt", firestore.Desc)
	})
	if err != nil {
		return nil, err
	}
	return decodeAll(docs, plain(toDomainDownload))
}

// MusicRepository stores director listings.
type MusicRepository struct {
	base *pfirestore.Collection[musicDocument]
}

// NewMusicRepository constructs a Firestore-backed music repository.
func NewMusicRepository(provider *pfirestore.Provider) *MusicRepository {
	return &MusicRepository{base: pfirestore.NewCollection[musicDocument](provider, musicCollection)}
}

type musicDocument struct {
	DirectorID string    `firestore:"directorId"`
	Title      string    `firestore:"title"`
	Genre      string    `firestore:"genre"`
	PreviewURL string    `firestore:"previewUrl"`
	Price      int64     `firestore:"price"`
	Status     string    `firestore:"status"`
	CreatedAt  time.Time `firestore:"createdAt"`
	UpdatedAt  time.Time `firestore:"updatedAt"`
}

func (r *MusicRepository) Insert(ctx context.Context, m domain.Music) error {
	if err := requireID("music", m.ID); err != nil {
		return err
	}
	err := r.base.Create(ctx, m.ID, musicDocument{
		DirectorID: m.DirectorID,
		Title:      m.Title,
		Genre:      m.Genre,
		PreviewURL: m.PreviewURL,
		Price:      m.Price,
		Status:     string(m.Status),
		CreatedAt:  m.CreatedAt.UTC(),
		UpdatedAt:  m.UpdatedAt.UTC(),
	})
	return err
}

func (r *MusicRepository) FindByID(ctx context.Context, id string) (domain.Music, error) {
	if err := requireID("music", id); err != nil {
		return domain.Music{}, err
	}
	doc, err := r.base.Get(ctx, id)
	if err != nil {
		return domain.Music{}, err
	}
	d := doc.Data
	return domain.Music{
		ID:         doc.ID,
		DirectorID: d.DirectorID,
		Title:      d.Title,
		Genre:      d.Genre,
		PreviewURL: d.PreviewURL,
		Price:      d.Price,
		Status:     domain.MusicStatus(d.Status),
		CreatedAt:  d.CreatedAt,
		UpdatedAt:  d.UpdatedAt,
	}, nil
}

func (r *MusicRepository) UpdateStatus(ctx context.Context, id string, status domain.MusicStatus, at time.Time) error {
	if err := requireID("music", id); err != nil {
		return err
	}
	err := r.base.Update(ctx, id, []firestore.Update{
		{Path: "status", Value: string(status)},
		{Path: "updatedAt", Value: at.UTC()},
	})
	return err
}
