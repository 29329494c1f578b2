package idmap

import (
	"context"
	"fmt"
	"net/url"
	"strings"

	"github.com/agentworkforce/provisioner/internal/metadata"
)

const (
	DefaultNamespace = "provisioner"
	DefaultKey       = "id-mappings"
)

// DataStoreBackend keeps the table as one document in the remote key-value
// store. A missing namespace or key reads as an empty table.
type DataStoreBackend struct {
	store     metadata.DataStore
	namespace string
	key       string
}

func NewDataStoreBackend(store metadata.DataStore, namespace, key string) *DataStoreBackend {
	if strings.TrimSpace(namespace) == "" {
		namespace = DefaultNamespace
	}
	if strings.TrimSpace(key) == "" {
		key = DefaultKey
	}
	return &DataStoreBackend{store: store, namespace: namespace, key: key}
}

func (b *DataStoreBackend) Load(ctx context.Context) ([]Entry, error) {
	var doc document
	if err := b.store.Get(ctx, b.namespace, b.key, &doc); err != nil {
		if metadata.IsNotFound(err) {
			return nil, nil
		}
		return nil, err
	}
	return doc.Entries, nil
}

func (b *DataStoreBackend) Save(ctx context.Context, entries []Entry) error {
	if entries == nil {
		entries = []Entry{}
	}
	return b.store.Put(ctx, b.namespace, b.key, document{Entries: entries})
}

// DataStoreFactory returns a BackendFactory for datastore://namespace/key
// DSNs bound to store.
func DataStoreFactory(store metadata.DataStore) BackendFactory {
	return func(dsn string) (Backend, error) {
		if store == nil {
			return nil, fmt.Errorf("%w: datastore backend requires a client", ErrInvalidInput)
		}
		parsed, err := url.Parse(strings.TrimSpace(dsn))
		if err != nil {
			return nil, err
		}
		namespace := parsed.Host
		key := strings.Trim(parsed.Path, "/")
		return NewDataStoreBackend(store, namespace, key), nil
	}
}
