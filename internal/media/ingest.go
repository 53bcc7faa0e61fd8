package media

import (
	"context"
	"fmt"

	"vigil/internal/store"
)

// Ingester sanitizes an upload and stores it under its content address.
type Ingester struct {
	sanitizer Sanitizer
	store     ContentStore
}

func NewIngester(sanitizer Sanitizer, store ContentStore) *Ingester {
	return &Ingester{sanitizer: sanitizer, store: store}
}

// Ingest returns the Media entry for the stored attachment. Locked is left
// to the caller, which knows the safe-upload state of the report.
func (i *Ingester) Ingest(ctx context.Context, kind store.MediaKind, name string, raw []byte, contentType string) (store.Media, error) {
	result, err := i.sanitizer.Process(kind, raw, contentType)
	if err != nil {
		return store.Media{}, err
	}
	ref := ContentRef(result.Data)
	if err := i.store.Put(ctx, ref, result.Data, result.ContentType); err != nil {
		return store.Media{}, fmt.Errorf("store media: %w", err)
	}
	return store.Media{Kind: kind, Name: name, Ref: ref}, nil
}

// Fetch returns the stored bytes of ref.
func (i *Ingester) Fetch(ctx context.Context, ref string) ([]byte, error) {
	return i.store.Get(ctx, ref)
}

// Remove deletes the stored bytes of ref.
func (i *Ingester) Remove(ctx context.Context, ref string) error {
	return i.store.Delete(ctx, ref)
}
