package firestore

import (
	"context"
	"errors"
	"fmt"
	"path"
	"strings"
	"time"

	"cloud.google.com/go/firestore"
	firestorepb "cloud.google.com/go/firestore/apiv1/firestorepb"
	"google.golang.org/api/iterator"
)

// Document is a decoded snapshot.
type Document[T any] struct {
	ID         string
	Data       T
	UpdateTime time.Time
}

// QueryBuilder narrows a collection query.
type QueryBuilder func(query firestore.Query) firestore.Query

// Collection reads and writes documents of type T under one collection path. When ctx carries a
// transaction (see WithTx) reads join its read set and writes are buffered on it.
type Collection[T any] struct {
	provider *Provider
	path     string
}

// NewCollection binds T to a collection path such as "orders" or "orders/ord_1/history".
func NewCollection[T any](provider *Provider, segments ...string) *Collection[T] {
	return &Collection[T]{provider: provider, path: path.Join(segments...)}
}

// Create fails with a conflict error when id already exists.
func (c *Collection[T]) Create(ctx context.Context, id string, value T) error {
	doc, err := c.doc(ctx, id)
	if err != nil {
		return err
	}
	if tx, ok := TxFromContext(ctx); ok {
		return WrapError(c.op("create"), tx.Create(doc, value))
	}
	_, err = doc.Create(ctx, value)
	return WrapError(c.op("create"), err)
}

// Update applies field updates; a missing document is a not-found error.
func (c *Collection[T]) Update(ctx context.Context, id string, updates []firestore.Update, preconds ...firestore.Precondition) error {
	doc, err := c.doc(ctx, id)
	if err != nil {
		return err
	}
	if tx, ok := TxFromContext(ctx); ok {
		return WrapError(c.op("update"), tx.Update(doc, updates, preconds...))
	}
	_, err = doc.Update(ctx, updates, preconds...)
	return WrapError(c.op("update"), err)
}

func (c *Collection[T]) Get(ctx context.Context, id string) (Document[T], error) {
	doc, err := c.doc(ctx, id)
	if err != nil {
		return Document[T]{}, err
	}
	var snap *firestore.DocumentSnapshot
	if tx, ok := TxFromContext(ctx); ok {
		snap, err = tx.Get(doc)
	} else {
		snap, err = doc.Get(ctx)
	}
	if err != nil {
		return Document[T]{}, WrapError(c.op("get"), err)
	}
	return decode[T](snap)
}

// Query runs the built query and decodes every result in order.
func (c *Collection[T]) Query(ctx context.Context, build QueryBuilder) ([]Document[T], error) {
	query, err := c.query(ctx, build)
	if err != nil {
		return nil, err
	}
	var iter *firestore.DocumentIterator
	if tx, ok := TxFromContext(ctx); ok {
		iter = tx.Documents(query)
	} else {
		iter = query.Documents(ctx)
	}
	defer iter.Stop()

	var out []Document[T]
	for {
		snap, err := iter.Next()
		if errors.Is(err, iterator.Done) {
			return out, nil
		}
		if err != nil {
			return nil, WrapError(c.op("query"), err)
		}
		doc, err := decode[T](snap)
		if err != nil {
			return nil, err
		}
		out = append(out, doc)
	}
}

// Count asks the server for the number of documents matching the query.
func (c *Collection[T]) Count(ctx context.Context, build QueryBuilder) (int64, error) {
	query, err := c.query(ctx, build)
	if err != nil {
		return 0, err
	}
	result, err := query.NewAggregationQuery().WithCount("n").Get(ctx)
	if err != nil {
		return 0, WrapError(c.op("count"), err)
	}
	switch v := result["n"].(type) {
	case *firestorepb.Value:
		return v.GetIntegerValue(), nil
	case int64:
		return v, nil
	default:
		return 0, fmt.Errorf("firestore: %s: unexpected count result %T", c.op("count"), v)
	}
}

func (c *Collection[T]) query(ctx context.Context, build QueryBuilder) (firestore.Query, error) {
	ref, err := c.ref(ctx)
	if err != nil {
		return firestore.Query{}, err
	}
	if build == nil {
		return ref.Query, nil
	}
	return build(ref.Query), nil
}

func (c *Collection[T]) ref(ctx context.Context) (*firestore.CollectionRef, error) {
	if c.provider == nil || c.path == "" || c.path == "." {
		return nil, fmt.Errorf("firestore: collection %q is not configured", c.path)
	}
	client, err := c.provider.Client(ctx)
	if err != nil {
		return nil, err
	}
	return client.Collection(c.path), nil
}

func (c *Collection[T]) doc(ctx context.Context, id string) (*firestore.DocumentRef, error) {
	if strings.TrimSpace(id) == "" {
		return nil, fmt.Errorf("firestore: %s: document id is required", c.path)
	}
	ref, err := c.ref(ctx)
	if err != nil {
		return nil, err
	}
	return ref.Doc(id), nil
}

func (c *Collection[T]) op(action string) string {
	return c.path + "." + action
}

func decode[T any](snap *firestore.DocumentSnapshot) (Document[T], error) {
	var data T
	if err := snap.DataTo(&data); err != nil {
		return Document[T]{}, fmt.Errorf("firestore: decode %s: %w", snap.Ref.Path, err)
	}
	return Document[T]{ID: snap.Ref.ID, Data: data, UpdateTime: snap.UpdateTime}, nil
}
