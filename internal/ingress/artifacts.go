package ingress

import (
	"context"
	"mime"
	"net/http"
	"path/filepath"
	"strings"

	"github.com/webgrid-go/webgrid/errors"
	"github.com/webgrid-go/webgrid/internal/domain"
	"github.com/webgrid-go/webgrid/logger"
)

// ErrArtifactNotFound is returned by BlobStore.Read when no object exists
// at the given session/path.
var ErrArtifactNotFound = errors.New("ingress: artifact not found")

// BlobStore is the narrow read surface the artifact server needs
// (internal/archiver's sqlite-backed store satisfies it); kept as its own
// small interface here rather than importing internal/archiver so ingress
// never depends on the archiver's write path.
type BlobStore interface {
	Read(ctx context.Context, sessionID domain.ID, path string) ([]byte, error)
}

// ArtifactServer is responder #3 (spec.md §4.3): GET/OPTIONS
// /storage/{session-id}/{path}.
type ArtifactServer struct {
	Store BlobStore
}

func NewArtifactServer(store BlobStore) *ArtifactServer {
	return &ArtifactServer{Store: store}
}

func (a *ArtifactServer) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Access-Control-Allow-Origin", "*")
	w.Header().Set("Access-Control-Allow-Methods", "GET, OPTIONS")

	if r.Method == http.MethodOptions {
		w.WriteHeader(http.StatusNoContent)
		return
	}
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	sessionID, path, ok := parseStoragePath(r.URL.Path)
	if !ok {
		http.Error(w, "malformed storage path", http.StatusNotFound)
		return
	}

	data, err := a.Store.Read(r.Context(), sessionID, path)
	if err != nil {
		if errors.Is(err, ErrArtifactNotFound) {
			http.Error(w, "not found", http.StatusNotFound)
			return
		}
		logger.Warnw("ingress: artifact read failed", "session", sessionID, "path", path, "error", err)
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}

	contentType := mime.TypeByExtension(filepath.Ext(path))
	if contentType == "" {
		contentType = "application/octet-stream"
	}
	w.Header().Set("Content-Type", contentType)
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(data)
}

// parseStoragePath extracts session id and path from
// "/storage/{session-id}/{path...}".
func parseStoragePath(p string) (domain.ID, string, bool) {
	const prefix = "/storage/"
	if !strings.HasPrefix(p, prefix) {
		return domain.ID{}, "", false
	}
	remainder := p[len(prefix):]
	idx := strings.IndexByte(remainder, '/')
	if idx < 0 {
		return domain.ID{}, "", false
	}
	idStr, path := remainder[:idx], remainder[idx+1:]
	if idStr == "" || path == "" {
		return domain.ID{}, "", false
	}
	id, err := domain.ParseID(idStr)
	if err != nil {
		return domain.ID{}, "", false
	}
	return id, path, true
}
