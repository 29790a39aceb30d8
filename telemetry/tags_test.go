package telemetry

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/require"
)

func newTaggedRequest() *http.Request {
	r := httptest.NewRequest(http.MethodGet, "/stats", nil)
	return InjectTags(r, "req-1")
}

func TestInjectTags_SetsRequestID(t *testing.T) {
	r := newTaggedRequest()
	tags := GetTags(r)
	require.NotNil(t, tags)
	require.Equal(t, "req-1", tags.RequestID)
	require.Empty(t, tags.Endpoint)
}

func TestGetTags_NilWithoutInject(t *testing.T) {
	r := httptest.NewRequest(http.MethodGet, "/", nil)
	require.Nil(t, GetTags(r))
	require.Nil(t, TagsFromContext(context.Background()))
}

func TestSetEndpoint(t *testing.T) {
	r := newTaggedRequest()
	SetEndpoint(r, "stats")
	require.Equal(t, "stats", GetTags(r).Endpoint)
}

func TestSetEndpoint_NoopWithoutInject(t *testing.T) {
	r := httptest.NewRequest(http.MethodGet, "/", nil)
	SetEndpoint(r, "stats") // should not panic
	require.Nil(t, GetTags(r))
}

func TestTagsMutationVisibleThroughPointer(t *testing.T) {
	r := newTaggedRequest()
	// Handlers receive a request derived from r; tags are shared by pointer.
	derived := r.WithContext(context.WithValue(r.Context(), contextKey("other"), 1))
	SetEndpoint(derived, "catalog_has")
	require.Equal(t, "catalog_has", GetTags(r).Endpoint)
}
