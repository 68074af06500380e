package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/hyperjump/docqa/internal/models"
	"github.com/hyperjump/docqa/internal/vector"
)

const (
	rawDir       = "raw"
	indexDir     = "index"
	metaFile     = "session.json"
	manifestFile = "manifest.json"
	vectorsFile  = "vectors.bin"
	chunksFile   = "chunks.json"
	formatV1     = 1
)

// versionPrefix names published index versions; index is a symlink to the current one.
const versionPrefix = "index-"

// DiskStore keeps each session in its own directory:
//
//	<root>/<sid>/session.json
//	<root>/<sid>/raw/<filename>
//	<root>/<sid>/index -> index-<n>/{manifest.json,vectors.bin,chunks.json}
//
// A new index version is staged next to the current one and published by renaming a
// fresh symlink over index, so readers always see a complete version.
type DiskStore struct {
	root   string
	logger *zap.Logger
}

type sessionMeta struct {
	Filename  string    `json:"filename"`
	CreatedAt time.Time `json:"created_at"`
}

type manifest struct {
	Format      int       `json:"format"`
	Dimensions  int       `json:"dimensions"`
	Chunks      int       `json:"chunks"`
	ProcessedAt time.Time `json:"processed_at"`
}

// NewDiskStore creates the root directory if needed.
func NewDiskStore(root string, opts ...Option) (*DiskStore, error) {
	if root == "" {
		return nil, errors.New("session data directory is required")
	}
	if err := os.MkdirAll(root, 0755); err != nil {
		return nil, fmt.Errorf("failed to create session directory: %w", err)
	}
	o := buildOptions(opts)
	return &DiskStore{root: root, logger: o.logger}, nil
}

// Root returns the directory holding all sessions.
func (s *DiskStore) Root() string { return s.root }

func (s *DiskStore) dir(sid string) (string, error) {
	if err := models.ValidateSessionID(sid); err != nil {
		return "", err
	}
	return filepath.Join(s.root, sid), nil
}

// Save stages the index in a temporary directory, publishes it as a new version and
// removes the version it replaced.
func (s *DiskStore) Save(ctx context.Context, sid string, chunks []string, idx *vector.Index) error {
	dir, err := s.dir(sid)
	if err != nil {
		return err
	}
	if err := checkPair(chunks, idx); err != nil {
		return err
	}
	if err := os.MkdirAll(dir, 0755); err != nil {
		return persistenceError("create session directory", err)
	}
	staging, err := os.MkdirTemp(dir, ".index-")
	if err != nil {
		return persistenceError("create staging directory", err)
	}
	published := false
	defer func() {
		if !published {
			_ = os.RemoveAll(staging)
		}
	}()

	if err := writeFileSync(filepath.Join(staging, vectorsFile), func(f *os.File) error {
		_, err := idx.WriteTo(f)
		return err
	}); err != nil {
		return persistenceError("write vectors", err)
	}
	if chunks == nil {
		chunks = []string{}
	}
	if err := writeJSON(filepath.Join(staging, chunksFile), chunks); err != nil {
		return persistenceError("write chunks", err)
	}
	m := manifest{Format: formatV1, Dimensions: idx.Dimensions(), Chunks: len(chunks), ProcessedAt: time.Now().UTC()}
	if err := writeJSON(filepath.Join(staging, manifestFile), m); err != nil {
		return persistenceError("write manifest", err)
	}

	if err := ctx.Err(); err != nil {
		return err
	}

	final := filepath.Join(dir, indexDir)
	prev, legacy, err := currentVersion(final)
	if err != nil {
		return persistenceError("inspect previous index", err)
	}
	version := fmt.Sprintf("%s%d-%s", versionPrefix, time.Now().UnixNano(), strings.TrimPrefix(filepath.Base(staging), ".index-"))
	if err := os.Rename(staging, filepath.Join(dir, version)); err != nil {
		return persistenceError("stage index version", err)
	}
	staging = filepath.Join(dir, version)

	link := filepath.Join(dir, fmt.Sprintf(".tmp-link-%d", time.Now().UnixNano()))
	if err := os.Symlink(version, link); err != nil {
		return persistenceError("link index version", err)
	}
	var trash string
	if legacy {
		// A plain index directory cannot be replaced by a rename; retire it first.
		trash = filepath.Join(dir, fmt.Sprintf(".trash-%d", time.Now().UnixNano()))
		if err := os.Rename(final, trash); err != nil {
			_ = os.Remove(link)
			return persistenceError("retire previous index", err)
		}
		prev = filepath.Base(trash)
	}
	// Renaming a symlink over the previous one swaps versions without a gap.
	if err := os.Rename(link, final); err != nil {
		_ = os.Remove(link)
		if trash != "" {
			_ = os.Rename(trash, final)
		}
		return persistenceError("publish index", err)
	}
	published = true
	if prev != "" {
		if err := os.RemoveAll(filepath.Join(dir, prev)); err != nil {
			s.logger.Warn("failed to remove retired index", zap.String("session_id", sid), zap.Error(err))
		}
	}
	s.logger.Debug("index published", zap.String("session_id", sid), zap.Int("chunks", len(chunks)))
	return nil
}

// Load reads the published index and chunk list and checks they agree.
func (s *DiskStore) Load(ctx context.Context, sid string) ([]string, *vector.Index, error) {
	dir, err := s.dir(sid)
	if err != nil {
		return nil, nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, nil, err
	}
	final, m, err := readManifest(dir)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, nil, fmt.Errorf("%w: %s", models.ErrSessionNotFound, sid)
		}
		return nil, nil, persistenceError("read manifest", err)
	}
	if m.Format != formatV1 {
		return nil, nil, fmt.Errorf("%w: unsupported index format %d", models.ErrPersistence, m.Format)
	}

	f, err := os.Open(filepath.Join(final, vectorsFile))
	if err != nil {
		return nil, nil, persistenceError("open vectors", err)
	}
	idx, err := vector.ReadIndex(f)
	_ = f.Close()
	if err != nil {
		return nil, nil, persistenceError("read vectors", err)
	}

	var chunks []string
	if err := readJSON(filepath.Join(final, chunksFile), &chunks); err != nil {
		return nil, nil, persistenceError("read chunks", err)
	}
	if len(chunks) != idx.Size() || m.Chunks != idx.Size() || (idx.Size() > 0 && m.Dimensions != idx.Dimensions()) {
		return nil, nil, fmt.Errorf("%w: session %s has %d chunks, %d vectors, manifest says %d",
			models.ErrPersistence, sid, len(chunks), idx.Size(), m.Chunks)
	}
	return chunks, idx, nil
}

// Exists reports whether an index has been published for sid.
func (s *DiskStore) Exists(ctx context.Context, sid string) (bool, error) {
	dir, err := s.dir(sid)
	if err != nil {
		return false, err
	}
	_, _, err = readManifest(dir)
	if err == nil {
		return true, nil
	}
	if errors.Is(err, fs.ErrNotExist) {
		return false, nil
	}
	return false, persistenceError("read manifest", err)
}

// Delete removes the whole session directory.
func (s *DiskStore) Delete(ctx context.Context, sid string) error {
	dir, err := s.dir(sid)
	if err != nil {
		return err
	}
	if err := os.RemoveAll(dir); err != nil {
		return persistenceError("delete session", err)
	}
	return nil
}

// StoreRaw writes the upload under raw/, replacing any previous upload, and records
// its filename in session.json. The creation time of an existing session is kept.
func (s *DiskStore) StoreRaw(ctx context.Context, sid, filename string, data []byte) error {
	dir, err := s.dir(sid)
	if err != nil {
		return err
	}
	name, err := cleanFilename(filename)
	if err != nil {
		return err
	}
	raw := filepath.Join(dir, rawDir)
	if err := os.RemoveAll(raw); err != nil {
		return persistenceError("clear raw upload", err)
	}
	if err := os.MkdirAll(raw, 0755); err != nil {
		return persistenceError("create raw directory", err)
	}
	if err := writeFileSync(filepath.Join(raw, name), func(f *os.File) error {
		_, err := f.Write(data)
		return err
	}); err != nil {
		return persistenceError("write raw upload", err)
	}

	meta := sessionMeta{Filename: name, CreatedAt: time.Now().UTC()}
	var prev sessionMeta
	if err := readJSON(filepath.Join(dir, metaFile), &prev); err == nil && !prev.CreatedAt.IsZero() {
		meta.CreatedAt = prev.CreatedAt
	}
	if err := writeJSON(filepath.Join(dir, metaFile), meta); err != nil {
		return persistenceError("write session metadata", err)
	}
	return nil
}

// ReadRaw returns the stored upload.
func (s *DiskStore) ReadRaw(ctx context.Context, sid string) (*models.RawDocument, error) {
	dir, err := s.dir(sid)
	if err != nil {
		return nil, err
	}
	var meta sessionMeta
	if err := readJSON(filepath.Join(dir, metaFile), &meta); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("%w: no upload for session %s", models.ErrNotFound, sid)
		}
		return nil, persistenceError("read session metadata", err)
	}
	data, err := os.ReadFile(filepath.Join(dir, rawDir, meta.Filename))
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("%w: no upload for session %s", models.ErrNotFound, sid)
		}
		return nil, persistenceError("read raw upload", err)
	}
	return &models.RawDocument{Filename: meta.Filename, Data: data}, nil
}

// Info combines session.json and the index manifest.
func (s *DiskStore) Info(ctx context.Context, sid string) (*models.Session, error) {
	dir, err := s.dir(sid)
	if err != nil {
		return nil, err
	}
	st, err := os.Stat(dir)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("%w: session %s", models.ErrNotFound, sid)
		}
		return nil, persistenceError("stat session", err)
	}
	info := &models.Session{ID: sid, CreatedAt: st.ModTime().UTC()}
	var meta sessionMeta
	if err := readJSON(filepath.Join(dir, metaFile), &meta); err == nil {
		info.Filename = meta.Filename
		info.CreatedAt = meta.CreatedAt
	} else if !errors.Is(err, fs.ErrNotExist) {
		return nil, persistenceError("read session metadata", err)
	}
	if _, m, err := readManifest(dir); err == nil {
		processed := m.ProcessedAt
		info.ProcessedAt = &processed
		info.Chunks = m.Chunks
		info.Dimensions = m.Dimensions
	} else if !errors.Is(err, fs.ErrNotExist) {
		return nil, persistenceError("read manifest", err)
	}
	return info, nil
}

// Usage returns the on-disk size of the session directory.
func (s *DiskStore) Usage(ctx context.Context, sid string) (int64, error) {
	dir, err := s.dir(sid)
	if err != nil {
		return 0, err
	}
	return sessionBytes(dir)
}

// List returns every directory under root that is a valid session id.
func (s *DiskStore) List(ctx context.Context) ([]string, error) {
	entries, err := os.ReadDir(s.root)
	if err != nil {
		return nil, persistenceError("list sessions", err)
	}
	var ids []string
	for _, e := range entries {
		if e.IsDir() && models.ValidateSessionID(e.Name()) == nil {
			ids = append(ids, e.Name())
		}
	}
	sort.Strings(ids)
	return ids, nil
}

// Close is a no-op.
func (s *DiskStore) Close() error { return nil }

func cleanFilename(name string) (string, error) {
	base := filepath.Base(strings.ReplaceAll(name, "\\", "/"))
	if base == "" || base == "." || base == ".." || base == "/" {
		return "", fmt.Errorf("%w: invalid filename %q", models.ErrInvalidInput, name)
	}
	return base, nil
}

// writeFileSync writes via a temp file in the same directory, fsyncs and renames.
func writeFileSync(path string, write func(*os.File) error) error {
	f, err := os.CreateTemp(filepath.Dir(path), ".tmp-")
	if err != nil {
		return err
	}
	tmp := f.Name()
	if err := write(f); err != nil {
		_ = f.Close()
		_ = os.Remove(tmp)
		return err
	}
	if err := f.Sync(); err != nil {
		_ = f.Close()
		_ = os.Remove(tmp)
		return err
	}
	if err := f.Close(); err != nil {
		_ = os.Remove(tmp)
		return err
	}
	if err := os.Rename(tmp, path); err != nil {
		_ = os.Remove(tmp)
		return err
	}
	return nil
}

// readManifest resolves the index link and reads the manifest of the version it points
// at. A version removed by a concurrent Save between the two steps is retried against
// the new link target.
func readManifest(dir string) (string, *manifest, error) {
	link := filepath.Join(dir, indexDir)
	var err error
	for attempt := 0; attempt < 3; attempt++ {
		var resolved string
		resolved, err = filepath.EvalSymlinks(link)
		if err == nil {
			var m manifest
			if err = readJSON(filepath.Join(resolved, manifestFile), &m); err == nil {
				return resolved, &m, nil
			}
		}
		if !errors.Is(err, fs.ErrNotExist) {
			return "", nil, err
		}
		if _, lerr := os.Lstat(link); lerr != nil {
			break
		}
	}
	return "", nil, err
}

// currentVersion returns the version directory the index link points at. legacy is
// true when index is a plain directory. A missing index yields "", false.
func currentVersion(final string) (string, bool, error) {
	fi, err := os.Lstat(final)
	if errors.Is(err, fs.ErrNotExist) {
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}
	if fi.Mode()&fs.ModeSymlink == 0 {
		return "", fi.IsDir(), nil
	}
	target, err := os.Readlink(final)
	if err != nil {
		return "", false, err
	}
	if filepath.IsAbs(target) || filepath.Base(target) != target || !strings.HasPrefix(target, versionPrefix) {
		return "", false, fmt.Errorf("unexpected index link target %q", target)
	}
	return target, false, nil
}

func writeJSON(path string, v interface{}) error {
	return writeFileSync(path, func(f *os.File) error {
		return json.NewEncoder(f).Encode(v)
	})
}

func readJSON(path string, v interface{}) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	return json.Unmarshal(data, v)
}
