package simulator

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agentworkforce/provisioner/internal/metadata"
)

func newTestServer(t *testing.T, store *Store, cfg ServerConfig) (*httptest.Server, *metadata.HTTPClient) {
	t.Helper()
	server := httptest.NewServer(NewServerWithConfig(store, cfg))
	t.Cleanup(server.Close)
	return server, metadata.NewHTTPClient(server.URL, cfg.Token, server.Client())
}

func TestCreateSearchAndFetch(t *testing.T) {
	ctx := context.Background()
	store := NewStore(StoreOptions{})
	_, client := newTestServer(t, store, ServerConfig{})

	id, err := client.Create(ctx, metadata.Option, metadata.Object{ID: "optFemale01", Name: "Female", Code: "OPT_F"})
	require.NoError(t, err)
	assert.Equal(t, "optFemale01", id)

	found, err := client.Search(ctx, metadata.Option, metadata.FieldCode, "OPT_F")
	require.NoError(t, err)
	require.Len(t, found, 1)
	assert.Equal(t, "Female", found[0].Name)

	obj, err := client.Get(ctx, metadata.Option, id)
	require.NoError(t, err)
	assert.Equal(t, "OPT_F", obj.Code)

	_, err = client.Get(ctx, metadata.Option, "optMissing1")
	assert.True(t, metadata.IsNotFound(err))

	empty, err := client.Search(ctx, metadata.Option, metadata.FieldName, "Nobody")
	require.NoError(t, err)
	assert.Empty(t, empty)
}

func TestCreateAssignsIDWhenMissing(t *testing.T) {
	store := NewStore(StoreOptions{})
	_, client := newTestServer(t, store, ServerConfig{})

	id, err := client.Create(context.Background(), metadata.Option, metadata.Object{Name: "Unnamed id"})
	require.NoError(t, err)
	_, ok := store.Get(metadata.Option, id)
	assert.True(t, ok)
}

func TestCreateEnforcesUniqueness(t *testing.T) {
	ctx := context.Background()
	store := NewStore(StoreOptions{})
	_, client := newTestServer(t, store, ServerConfig{})

	_, err := client.Create(ctx, metadata.Option, metadata.Object{ID: "optFemale01", Name: "Female", Code: "OPT_F"})
	require.NoError(t, err)

	_, err = client.Create(ctx, metadata.Option, metadata.Object{ID: "optFemale02", Name: "Other", Code: "OPT_F"})
	assert.True(t, metadata.IsConflict(err))
	_, err = client.Create(ctx, metadata.Option, metadata.Object{ID: "optFemale03", Name: "Female", Code: "OPT_G"})
	assert.True(t, metadata.IsConflict(err))
	_, err = client.Create(ctx, metadata.Option, metadata.Object{ID: "optFemale01", Name: "Third", Code: "OPT_H"})
	assert.True(t, metadata.IsConflict(err))

	_, err = client.Create(ctx, metadata.Option, metadata.Object{ID: "not-an-id", Name: "Bad"})
	var httpErr *metadata.HTTPError
	require.ErrorAs(t, err, &httpErr)
	assert.Equal(t, http.StatusBadRequest, httpErr.StatusCode)
	assert.False(t, metadata.IsTransient(err))
}

func TestCreateValidatesReferences(t *testing.T) {
	ctx := context.Background()
	store := NewStore(StoreOptions{})
	store.AddOrganisationUnit("ImspTQPwCqd", "Sierra Leone")
	_, client := newTestServer(t, store, ServerConfig{})

	item := metadata.Object{ID: "itmCases001", Name: "Cases", Code: "DE_CASES", Attributes: map[string]any{
		"categoryCombo": map[string]any{"id": "cmbMissing1"},
	}}
	_, err := client.Create(ctx, metadata.MeasurableItem, item)
	assert.True(t, metadata.IsNotFound(err))

	item.Attributes["categoryCombo"] = map[string]any{"id": "bjDvmb4bfuf"}
	_, err = client.Create(ctx, metadata.MeasurableItem, item)
	require.NoError(t, err)

	collection := metadata.Object{ID: "dsRoutine01", Name: "Routine", Code: "DS_R", Attributes: map[string]any{
		"dataSetElements":   []any{map[string]any{"dataElement": map[string]any{"id": "itmCases001"}}},
		"organisationUnits": []any{map[string]any{"id": "OtherUnit01"}},
	}}
	_, err = client.Create(ctx, metadata.Collection, collection)
	assert.True(t, metadata.IsNotFound(err))

	collection.Attributes["organisationUnits"] = []any{map[string]any{"id": "ImspTQPwCqd"}}
	_, err = client.Create(ctx, metadata.Collection, collection)
	require.NoError(t, err)

	exists, err := client.OrganisationUnitExists(ctx, "ImspTQPwCqd")
	require.NoError(t, err)
	assert.True(t, exists)
	exists, err = client.OrganisationUnitExists(ctx, "OtherUnit01")
	require.NoError(t, err)
	assert.False(t, exists)
}

func TestSearchLagHidesNewObjects(t *testing.T) {
	ctx := context.Background()
	store := NewStore(StoreOptions{SearchLag: 1})
	_, client := newTestServer(t, store, ServerConfig{})

	_, err := client.Create(ctx, metadata.Option, metadata.Object{ID: "optLagged01", Name: "Lagged", Code: "OPT_LAG"})
	require.NoError(t, err)

	first, err := client.Search(ctx, metadata.Option, metadata.FieldCode, "OPT_LAG")
	require.NoError(t, err)
	assert.Empty(t, first)
	second, err := client.Search(ctx, metadata.Option, metadata.FieldCode, "OPT_LAG")
	require.NoError(t, err)
	assert.Len(t, second, 1)

	_, err = client.Get(ctx, metadata.Option, "optLagged01")
	assert.NoError(t, err)
}

func TestDataStoreLifecycle(t *testing.T) {
	ctx := context.Background()
	store := NewStore(StoreOptions{})
	_, client := newTestServer(t, store, ServerConfig{})
	ds := client.DataStore()

	var out map[string]int
	err := ds.Get(ctx, "ns", "key", &out)
	assert.True(t, metadata.IsNotFound(err))

	require.NoError(t, ds.Put(ctx, "ns", "key", map[string]int{"v": 1}))
	require.NoError(t, ds.Put(ctx, "ns", "key", map[string]int{"v": 2}))
	require.NoError(t, ds.Get(ctx, "ns", "key", &out))
	assert.Equal(t, 2, out["v"])

	require.NoError(t, ds.Delete(ctx, "ns", "key"))
	assert.True(t, metadata.IsNotFound(ds.Delete(ctx, "ns", "key")))
}

func TestServerAuth(t *testing.T) {
	ctx := context.Background()
	store := NewStore(StoreOptions{})
	server, client := newTestServer(t, store, ServerConfig{Token: "secret"})

	_, err := client.Search(ctx, metadata.Option, metadata.FieldCode, "default")
	require.NoError(t, err)

	anonymous := metadata.NewHTTPClient(server.URL, "", server.Client())
	_, err = anonymous.Search(ctx, metadata.Option, metadata.FieldCode, "default")
	var httpErr *metadata.HTTPError
	require.ErrorAs(t, err, &httpErr)
	assert.Equal(t, http.StatusUnauthorized, httpErr.StatusCode)

	basicServer := httptest.NewServer(NewServerWithConfig(store, ServerConfig{Username: "admin", Password: "district"}))
	defer basicServer.Close()
	basic := metadata.NewHTTPClient(basicServer.URL, "", basicServer.Client(), metadata.WithBasicAuth("admin", "district"))
	_, err = basic.Get(ctx, metadata.Combination, "bjDvmb4bfuf")
	assert.NoError(t, err)
}

func TestRateLimitAndInterceptorAreTransient(t *testing.T) {
	ctx := context.Background()
	store := NewStore(StoreOptions{})
	_, client := newTestServer(t, store, ServerConfig{RateLimitMax: 1, RateLimitWindow: time.Hour})

	_, err := client.Get(ctx, metadata.Option, "xYerKDKCefk")
	require.NoError(t, err)
	_, err = client.Get(ctx, metadata.Option, "xYerKDKCefk")
	require.True(t, metadata.IsTransient(err))
	assert.Equal(t, time.Hour, metadata.RetryAfter(err))

	calls := 0
	_, faulty := newTestServer(t, store, ServerConfig{Interceptor: func(r *http.Request) *Fault {
		calls++
		if calls == 1 {
			return &Fault{Status: http.StatusServiceUnavailable, RetryAfter: 2 * time.Second}
		}
		return nil
	}})
	_, err = faulty.Get(ctx, metadata.Option, "xYerKDKCefk")
	require.True(t, metadata.IsTransient(err))
	assert.Equal(t, 2*time.Second, metadata.RetryAfter(err))
	_, err = faulty.Get(ctx, metadata.Option, "xYerKDKCefk")
	assert.NoError(t, err)
}

func TestServerCountsRequests(t *testing.T) {
	ctx := context.Background()
	store := NewStore(StoreOptions{})
	server := NewServer(store)
	httpServer := httptest.NewServer(server)
	defer httpServer.Close()
	client := metadata.NewHTTPClient(httpServer.URL, "", httpServer.Client())

	_, _ = client.Search(ctx, metadata.Combination, metadata.FieldCode, "default")
	_, _ = client.Get(ctx, metadata.Combination, "bjDvmb4bfuf")
	assert.Equal(t, 1, server.Requests("GET categoryCombos/search"))
	assert.Equal(t, 1, server.Requests("GET categoryCombos/item"))
	assert.Equal(t, 0, server.Requests("POST categoryCombos"))
}
