package ingress

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/webgrid-go/webgrid/internal/domain"
)

type fakeBlobStore struct {
	blobs map[string][]byte
}

func newFakeBlobStore() *fakeBlobStore {
	return &fakeBlobStore{blobs: map[string][]byte{}}
}

func (f *fakeBlobStore) put(sessionID domain.ID, path string, data []byte) {
	f.blobs[sessionID.String()+"/"+path] = data
}

func (f *fakeBlobStore) Read(ctx context.Context, sessionID domain.ID, path string) ([]byte, error) {
	data, ok := f.blobs[sessionID.String()+"/"+path]
	if !ok {
		return nil, ErrArtifactNotFound
	}
	return data, nil
}

func TestArtifactServerServesStoredBlob(t *testing.T) {
	store := newFakeBlobStore()
	sessionID := domain.NewID()
	store.put(sessionID, "video.mp4", []byte("fake-video-bytes"))

	server := NewArtifactServer(store)

	req := httptest.NewRequest(http.MethodGet, "/storage/"+sessionID.String()+"/video.mp4", nil)
	rec := httptest.NewRecorder()
	server.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "fake-video-bytes", rec.Body.String())
	assert.Equal(t, "video/mp4", rec.Header().Get("Content-Type"))
	assert.Equal(t, "*", rec.Header().Get("Access-Control-Allow-Origin"))
}

func TestArtifactServerMissingBlobReturns404(t *testing.T) {
	store := newFakeBlobStore()
	server := NewArtifactServer(store)

	req := httptest.NewRequest(http.MethodGet, "/storage/"+domain.NewID().String()+"/missing.log", nil)
	rec := httptest.NewRecorder()
	server.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestArtifactServerMalformedPathReturns404(t *testing.T) {
	server := NewArtifactServer(newFakeBlobStore())

	req := httptest.NewRequest(http.MethodGet, "/storage/not-a-valid-path", nil)
	rec := httptest.NewRecorder()
	server.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestArtifactServerOptionsPreflight(t *testing.T) {
	server := NewArtifactServer(newFakeBlobStore())

	req := httptest.NewRequest(http.MethodOptions, "/storage/"+domain.NewID().String()+"/video.mp4", nil)
	rec := httptest.NewRecorder()
	server.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusNoContent, rec.Code)
	assert.Equal(t, "GET, OPTIONS", rec.Header().Get("Access-Control-Allow-Methods"))
}

func TestArtifactServerRejectsOtherMethods(t *testing.T) {
	server := NewArtifactServer(newFakeBlobStore())

	req := httptest.NewRequest(http.MethodPost, "/storage/"+domain.NewID().String()+"/video.mp4", nil)
	rec := httptest.NewRecorder()
	server.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusMethodNotAllowed, rec.Code)
}
