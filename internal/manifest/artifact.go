package manifest

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/jonboulle/clockwork"

	"github.com/moduleplane/moduleplane/internal/models"
)

// artifactExtensions are the file shapes FileLoader probes, in preference
// order. The empty entry matches a bare {moduleId}-{version} file.
var artifactExtensions = []string{".tar.gz", ".tgz", ".zip", ""}

// FileLoader serves module artifacts from a local directory laid out as
// {dir}/{moduleId}-{version}{ext}. Fetch streams the file through SHA-256;
// the activation engine compares the digest against the manifest's
// artifact_digest (recorded as "sha256:<hex>") before the artifact is used.
type FileLoader struct {
	Dir   string
	Clock clockwork.Clock
}

func (l *FileLoader) clock() clockwork.Clock {
	if l.Clock != nil {
		return l.Clock
	}
	return clockwork.NewRealClock()
}

// Fetch locates and digests the artifact for (moduleID, version).
func (l *FileLoader) Fetch(ctx context.Context, moduleID, version string) (*models.Artifact, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	base := moduleID + "-" + version
	for _, ext := range artifactExtensions {
		path := filepath.Join(l.Dir, base+ext)
		info, err := os.Stat(path)
		if err != nil || info.IsDir() {
			continue
		}
		digest, err := digestFile(path)
		if err != nil {
			return nil, fmt.Errorf("digest artifact %s: %w", filepath.Base(path), err)
		}
		return &models.Artifact{
			ModuleID:  moduleID,
			Version:   version,
			Digest:    digest,
			SizeBytes: info.Size(),
			FetchedAt: l.clock().Now().UTC(),
		}, nil
	}
	return nil, models.Errorf(models.ErrValidation, "no artifact found for %s@%s", moduleID, version).WithModule(moduleID)
}

// digestFile returns "sha256:<hex>" over the file contents.
func digestFile(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", err
	}
	defer f.Close()

	h := sha256.New()
	if _, err := io.Copy(h, f); err != nil {
		return "", err
	}
	return "sha256:" + hex.EncodeToString(h.Sum(nil)), nil
}
