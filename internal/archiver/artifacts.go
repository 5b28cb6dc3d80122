package archiver

import (
	"os"
	"path/filepath"

	"github.com/webgrid-go/webgrid/errors"
)

// ErrArtifactNotFound is archiver's own sentinel, kept distinct from
// ingress.ErrArtifactNotFound so this package never imports internal/ingress.
// The cmd-layer wiring that hands a *SQLiteStore to ingress.NewArtifactServer
// translates this to ingress.ErrArtifactNotFound.
var ErrArtifactNotFound = errors.New("archiver: artifact not found")

// readArtifactFile reads a registered artifact path relative to root.
// path is always one the recorder itself wrote (manifest/segment/log), so
// no further sanitisation beyond filepath.Join/Clean is needed here; the
// untrusted half of this round-trip is the HTTP path segment, which
// ingress's ArtifactServer already validates before it ever reaches Store.
func readArtifactFile(root, path string) ([]byte, error) {
	full := filepath.Join(root, filepath.Clean(path))
	data, err := os.ReadFile(full)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, ErrArtifactNotFound
		}
		return nil, errors.Wrapf(err, "archiver: read artifact file %s", full)
	}
	return data, nil
}
