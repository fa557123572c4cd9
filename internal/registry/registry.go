// Package registry persists model versions on the local filesystem.
//
// Layout:
//
//	root/<model_name>/<version_id>/model
//	root/<model_name>/<version_id>/metadata.json
//
// A version directory is staged under a hidden sibling, fsynced, then renamed
// into place, so readers never observe a half-written version.
package registry

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"sync"

	"github.com/opensource-finance/splitguard/internal/domain"
	"github.com/opensource-finance/splitguard/internal/metrics"
	"github.com/opensource-finance/splitguard/internal/models"
)

const (
	modelFile    = "model"
	metadataFile = "metadata.json"
	stagingLabel = ".staging-"
)

// Registry is a filesystem-backed models.ArtifactStore.
type Registry struct {
	root string

	// current records which version of each model is loaded in memory.
	// Last writer wins; concurrent training jobs are not ordered.
	mu      sync.Mutex
	current map[string]string
}

var _ models.ArtifactStore = (*Registry)(nil)

// New opens (creating if needed) a registry rooted at dir.
func New(dir string) (*Registry, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create registry directory: %w", err)
	}
	return &Registry{root: dir, current: make(map[string]string)}, nil
}

// Root returns the registry directory.
func (r *Registry) Root() string { return r.root }

// Put writes a new version atomically. The artifact checksum is recorded in metadata.
func (r *Registry) Put(ctx context.Context, meta models.Version, artifact []byte) error {
	if err := checkName(meta.ModelName); err != nil {
		return err
	}
	if err := checkName(meta.VersionID); err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	modelDir := filepath.Join(r.root, meta.ModelName)
	final := filepath.Join(modelDir, meta.VersionID)
	if _, err := os.Stat(final); err == nil {
		return fmt.Errorf("%w: %s version %s already exists", domain.ErrInvalidInput, meta.ModelName, meta.VersionID)
	}
	if err := os.MkdirAll(modelDir, 0o755); err != nil {
		return fmt.Errorf("failed to create model directory: %w", err)
	}

	staging, err := os.MkdirTemp(modelDir, stagingLabel+meta.VersionID+"-")
	if err != nil {
		return fmt.Errorf("failed to create staging directory: %w", err)
	}
	committed := false
	defer func() {
		if !committed {
			_ = os.RemoveAll(staging)
		}
	}()

	sum := sha256.Sum256(artifact)
	meta.SHA256 = hex.EncodeToString(sum[:])
	metaJSON, err := json.MarshalIndent(meta, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to encode metadata: %w", err)
	}

	if err := writeSynced(filepath.Join(staging, modelFile), artifact); err != nil {
		return err
	}
	if err := writeSynced(filepath.Join(staging, metadataFile), metaJSON); err != nil {
		return err
	}
	if err := syncDir(staging); err != nil {
		return err
	}
	if err := os.Rename(staging, final); err != nil {
		return fmt.Errorf("failed to commit %s version %s: %w", meta.ModelName, meta.VersionID, err)
	}
	committed = true
	if err := syncDir(modelDir); err != nil {
		return err
	}

	metrics.RegistryOp(metrics.OpSave, meta.ModelName)
	slog.Debug("model version saved",
		"model", meta.ModelName,
		"version", meta.VersionID,
		"bytes", len(artifact),
	)
	return nil
}

// Get reads and verifies a version. A missing version directory yields
// domain.ErrNotFound; anything incomplete or inconsistent inside it yields
// domain.ErrRegistryCorruption.
func (r *Registry) Get(ctx context.Context, modelName, versionID string) (models.Version, []byte, error) {
	if err := checkName(modelName); err != nil {
		return models.Version{}, nil, err
	}
	if err := checkName(versionID); err != nil {
		return models.Version{}, nil, err
	}
	if err := ctx.Err(); err != nil {
		return models.Version{}, nil, err
	}

	dir := filepath.Join(r.root, modelName, versionID)
	if _, err := os.Stat(dir); errors.Is(err, fs.ErrNotExist) {
		return models.Version{}, nil, fmt.Errorf("%w: %s version %s", domain.ErrNotFound, modelName, versionID)
	}

	meta, err := r.readMetadata(modelName, versionID)
	if err != nil {
		return models.Version{}, nil, r.corrupt(modelName, err)
	}

	artifact, err := os.ReadFile(filepath.Join(dir, modelFile))
	if err != nil {
		return models.Version{}, nil, r.corrupt(modelName,
			fmt.Errorf("%w: %s version %s: model file: %v", domain.ErrRegistryCorruption, modelName, versionID, err))
	}
	sum := sha256.Sum256(artifact)
	if meta.SHA256 != hex.EncodeToString(sum[:]) {
		return models.Version{}, nil, r.corrupt(modelName,
			fmt.Errorf("%w: %s version %s: checksum mismatch", domain.ErrRegistryCorruption, modelName, versionID))
	}

	metrics.RegistryOp(metrics.OpLoad, modelName)
	return meta, artifact, nil
}

// Metadata returns the parsed metadata of a version without reading the artifact.
func (r *Registry) Metadata(modelName, versionID string) (models.Version, error) {
	if err := checkName(modelName); err != nil {
		return models.Version{}, err
	}
	if err := checkName(versionID); err != nil {
		return models.Version{}, err
	}
	if _, err := os.Stat(filepath.Join(r.root, modelName, versionID)); errors.Is(err, fs.ErrNotExist) {
		return models.Version{}, fmt.Errorf("%w: %s version %s", domain.ErrNotFound, modelName, versionID)
	}
	return r.readMetadata(modelName, versionID)
}

func (r *Registry) readMetadata(modelName, versionID string) (models.Version, error) {
	data, err := os.ReadFile(filepath.Join(r.root, modelName, versionID, metadataFile))
	if err != nil {
		return models.Version{}, fmt.Errorf("%w: %s version %s: metadata: %v", domain.ErrRegistryCorruption, modelName, versionID, err)
	}
	var meta models.Version
	if err := json.Unmarshal(data, &meta); err != nil {
		return models.Version{}, fmt.Errorf("%w: %s version %s: metadata: %v", domain.ErrRegistryCorruption, modelName, versionID, err)
	}
	if meta.VersionID != versionID || meta.ModelName != modelName {
		return models.Version{}, fmt.Errorf("%w: %s version %s: metadata names %s/%s",
			domain.ErrRegistryCorruption, modelName, versionID, meta.ModelName, meta.VersionID)
	}
	return meta, nil
}

func (r *Registry) corrupt(modelName string, err error) error {
	metrics.RegistryOp(metrics.OpCorruption, modelName)
	slog.Warn("registry corruption detected", "model", modelName, "error", err)
	return err
}

// ListVersions returns the committed versions of a model in ascending order.
func (r *Registry) ListVersions(modelName string) ([]string, error) {
	if err := checkName(modelName); err != nil {
		return nil, err
	}
	entries, err := os.ReadDir(filepath.Join(r.root, modelName))
	if errors.Is(err, fs.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to list %s versions: %w", modelName, err)
	}

	var versions []string
	for _, e := range entries {
		if !e.IsDir() || strings.HasPrefix(e.Name(), ".") {
			continue
		}
		versions = append(versions, e.Name())
	}
	slices.Sort(versions)
	return versions, nil
}

// Latest returns the newest committed version of a model.
func (r *Registry) Latest(modelName string) (string, error) {
	versions, err := r.ListVersions(modelName)
	if err != nil {
		return "", err
	}
	if len(versions) == 0 {
		return "", fmt.Errorf("%w: no versions of %s", domain.ErrNotFound, modelName)
	}
	return versions[len(versions)-1], nil
}

// MarkCurrent records the version of a model that is loaded in memory.
func (r *Registry) MarkCurrent(modelName, versionID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.current[modelName] = versionID
}

// ResolveCurrent returns the version last passed to MarkCurrent.
func (r *Registry) ResolveCurrent(modelName string) (string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	v, ok := r.current[modelName]
	if !ok {
		return "", fmt.Errorf("%w: no loaded version of %s", domain.ErrNotFound, modelName)
	}
	return v, nil
}

// ModelNames returns every model directory in the registry.
func (r *Registry) ModelNames() ([]string, error) {
	entries, err := os.ReadDir(r.root)
	if err != nil {
		return nil, fmt.Errorf("failed to read registry: %w", err)
	}
	var names []string
	for _, e := range entries {
		if e.IsDir() && !strings.HasPrefix(e.Name(), ".") {
			names = append(names, e.Name())
		}
	}
	slices.Sort(names)
	return names, nil
}

func checkName(s string) error {
	if s == "" || s != filepath.Base(s) || strings.HasPrefix(s, ".") {
		return fmt.Errorf("%w: invalid registry name %q", domain.ErrInvalidInput, s)
	}
	return nil
}

func writeSynced(path string, data []byte) error {
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o644)
	if err != nil {
		return fmt.Errorf("failed to create %s: %w", filepath.Base(path), err)
	}
	if _, err := f.Write(data); err != nil {
		f.Close()
		return fmt.Errorf("failed to write %s: %w", filepath.Base(path), err)
	}
	if err := f.Sync(); err != nil {
		f.Close()
		return fmt.Errorf("failed to sync %s: %w", filepath.Base(path), err)
	}
	return f.Close()
}

func syncDir(dir string) error {
	d, err := os.Open(dir)
	if err != nil {
		return fmt.Errorf("failed to open %s: %w", dir, err)
	}
	defer d.Close()
	if err := d.Sync(); err != nil {
		return fmt.Errorf("failed to sync %s: %w", dir, err)
	}
	return nil
}
