package metadata

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strings"
)

// DataStore is the namespaced key-value store exposed by the metadata API.
// Get returns an error matching ErrNotFound when the namespace or key is
// absent; callers decide whether that means "empty".
type DataStore interface {
	Get(ctx context.Context, namespace, key string, out any) error
	Put(ctx context.Context, namespace, key string, value any) error
	Delete(ctx context.Context, namespace, key string) error
}

type DataStoreClient struct {
	client *HTTPClient
}

func (c *HTTPClient) DataStore() *DataStoreClient {
	return &DataStoreClient{client: c}
}

func (d *DataStoreClient) Get(ctx context.Context, namespace, key string, out any) error {
	path, err := dataStorePath(namespace, key)
	if err != nil {
		return err
	}
	return d.client.doJSON(ctx, http.MethodGet, path, nil, nil, out)
}

func (d *DataStoreClient) Create(ctx context.Context, namespace, key string, value any) error {
	path, err := dataStorePath(namespace, key)
	if err != nil {
		return err
	}
	return d.client.doJSON(ctx, http.MethodPost, path, nil, value, nil)
}

func (d *DataStoreClient) Update(ctx context.Context, namespace, key string, value any) error {
	path, err := dataStorePath(namespace, key)
	if err != nil {
		return err
	}
	return d.client.doJSON(ctx, http.MethodPut, path, nil, value, nil)
}

// Put creates the key, falling back to an update when it already exists.
func (d *DataStoreClient) Put(ctx context.Context, namespace, key string, value any) error {
	err := d.Create(ctx, namespace, key, value)
	if err == nil {
		return nil
	}
	if IsConflict(err) {
		return d.Update(ctx, namespace, key, value)
	}
	return err
}

func (d *DataStoreClient) Delete(ctx context.Context, namespace, key string) error {
	path, err := dataStorePath(namespace, key)
	if err != nil {
		return err
	}
	return d.client.doJSON(ctx, http.MethodDelete, path, nil, nil, nil)
}

func dataStorePath(namespace, key string) (string, error) {
	namespace = strings.TrimSpace(namespace)
	key = strings.TrimSpace(key)
	if namespace == "" || key == "" {
		return "", fmt.Errorf("%w: data store namespace and key are required", ErrInvalidInput)
	}
	return fmt.Sprintf("/api/dataStore/%s/%s", url.PathEscape(namespace), url.PathEscape(key)), nil
}
