// Package storage persists model blobs and round records on disk. All writes
// are write-temp-then-rename, so readers never observe a partial record.
package storage

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"sync"

	"github.com/medhive/coordinator/pkg/crypto"
	pkgerrors "github.com/medhive/coordinator/pkg/errors"
)

// BlobKind tags the provenance of a stored blob.
type BlobKind string

const (
	GlobalInitial    BlobKind = "globalInitial"
	GlobalAggregated BlobKind = "globalAggregated"
	ClientUpload     BlobKind = "clientUpload"
)

const (
	blobsDir      = "blobs"
	roundsDir     = "rounds"
	globalDir     = "models/global"
	roundInfoFile = "round_info.json"
	metricsFile   = "metrics.json"

	dirMode  = os.FileMode(0o755)
	fileMode = os.FileMode(0o644)
)

// Store is the on-disk model store rooted at a configured directory. Blobs
// are content-addressed, so identical bytes are stored once.
type Store struct {
	root string

	mu   sync.Mutex
	open map[string]*RoundScope
}

func New(root string) (*Store, error) {
	for _, dir := range []string{blobsDir, roundsDir, globalDir} {
		if err := os.MkdirAll(filepath.Join(root, dir), dirMode); err != nil {
			return nil, fmt.Errorf("failed to create store directory: %w", err)
		}
	}

	return &Store{root: root, open: make(map[string]*RoundScope)}, nil
}

// writeAtomic writes data to a temp file in the target directory and renames
// it into place.
func writeAtomic(path string, data []byte, mode os.FileMode) error {
	tmp, err := os.CreateTemp(filepath.Dir(path), ".tmp-*")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)

		return err
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)

		return err
	}
	if err := os.Chmod(tmpName, mode); err != nil {
		os.Remove(tmpName)

		return err
	}
	if err := os.Rename(tmpName, path); err != nil {
		os.Remove(tmpName)

		return err
	}

	return nil
}

// PutBlob stores data under its content hash and returns the hash as ref.
// Re-putting identical bytes is a no-op returning the same ref.
func (s *Store) PutBlob(kind BlobKind, data []byte) (string, error) {
	if len(data) == 0 {
		return "", fmt.Errorf("%w: empty %s blob", pkgerrors.ErrValidation, kind)
	}

	ref := crypto.Hash(data)
	path := filepath.Join(s.root, blobsDir, ref)

	if _, err := os.Stat(path); err == nil {
		return ref, nil
	}
	if err := writeAtomic(path, data, fileMode); err != nil {
		return "", fmt.Errorf("failed to store %s blob: %w", kind, err)
	}

	return ref, nil
}

// GetBlob returns the bytes stored under ref.
func (s *Store) GetBlob(ref string) ([]byte, error) {
	data, err := os.ReadFile(filepath.Join(s.root, blobsDir, ref))
	if os.IsNotExist(err) {
		return nil, fmt.Errorf("%w: blob %s", pkgerrors.ErrNotFound, ref)
	}
	if err != nil {
		return nil, err
	}

	return data, nil
}

// RoundScope is an exclusive handle on one round's directory. Callers must
// Close it; the store refuses to purge a round with an open scope.
type RoundScope struct {
	store   *Store
	roundID string
	dir     string
}

// OpenRound acquires the scope for roundID, creating its directory layout.
// A second open of the same round fails with ErrConflict until released.
func (s *Store) OpenRound(roundID string) (*RoundScope, error) {
	if roundID == "" {
		return nil, fmt.Errorf("%w: empty round id", pkgerrors.ErrValidation)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.open[roundID]; ok {
		return nil, fmt.Errorf("%w: round %s scope already held", pkgerrors.ErrConflict, roundID)
	}

	dir := filepath.Join(s.root, roundsDir, roundID)
	for _, sub := range []string{"client_models", "global_model"} {
		if err := os.MkdirAll(filepath.Join(dir, sub), dirMode); err != nil {
			return nil, fmt.Errorf("failed to create round directory: %w", err)
		}
	}

	scope := &RoundScope{store: s, roundID: roundID, dir: dir}
	s.open[roundID] = scope

	return scope, nil
}

// Close releases the scope. Safe to call more than once.
func (rs *RoundScope) Close() {
	rs.store.mu.Lock()
	defer rs.store.mu.Unlock()

	if rs.store.open[rs.roundID] == rs {
		delete(rs.store.open, rs.roundID)
	}
}

func (rs *RoundScope) Dir() string { return rs.dir }

func (rs *RoundScope) clientModelPath(clientID string) string {
	return filepath.Join(rs.dir, "client_models", clientID+".bin")
}

// WriteClientModel persists one client upload, encrypted by the caller.
func (rs *RoundScope) WriteClientModel(clientID string, data []byte) error {
	return writeAtomic(rs.clientModelPath(clientID), data, fileMode)
}

func (rs *RoundScope) ReadClientModel(clientID string) ([]byte, error) {
	data, err := os.ReadFile(rs.clientModelPath(clientID))
	if os.IsNotExist(err) {
		return nil, fmt.Errorf("%w: no upload from client %s in round %s", pkgerrors.ErrNotFound, clientID, rs.roundID)
	}

	return data, err
}

// WriteGlobalModel persists the initial global blob for the round.
func (rs *RoundScope) WriteGlobalModel(data []byte) error {
	return writeAtomic(filepath.Join(rs.dir, "global_model", "model.bin"), data, fileMode)
}

func (rs *RoundScope) ReadGlobalModel() ([]byte, error) {
	data, err := os.ReadFile(filepath.Join(rs.dir, "global_model", "model.bin"))
	if os.IsNotExist(err) {
		return nil, fmt.Errorf("%w: round %s has no global model", pkgerrors.ErrNotFound, rs.roundID)
	}

	return data, err
}

// WriteAggregatedModel persists the aggregation output.
func (rs *RoundScope) WriteAggregatedModel(data []byte) error {
	return writeAtomic(filepath.Join(rs.dir, "global_model", "aggregated.bin"), data, fileMode)
}

func (rs *RoundScope) ReadAggregatedModel() ([]byte, error) {
	data, err := os.ReadFile(filepath.Join(rs.dir, "global_model", "aggregated.bin"))
	if os.IsNotExist(err) {
		return nil, fmt.Errorf("%w: round %s not aggregated", pkgerrors.ErrNotFound, rs.roundID)
	}

	return data, err
}

// WriteMetrics persists aggregation and evaluation metrics for the round.
func (rs *RoundScope) WriteMetrics(metrics map[string]float64) error {
	data, err := json.MarshalIndent(metrics, "", "  ")
	if err != nil {
		return err
	}

	return writeAtomic(filepath.Join(rs.dir, metricsFile), data, fileMode)
}

// SnapshotRound atomically writes the full round record.
func (s *Store) SnapshotRound(roundID string, round any) error {
	data, err := json.MarshalIndent(round, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal round record: %w", err)
	}

	dir := filepath.Join(s.root, roundsDir, roundID)
	if err := os.MkdirAll(dir, dirMode); err != nil {
		return err
	}

	return writeAtomic(filepath.Join(dir, roundInfoFile), data, fileMode)
}

// LoadRound reads the round record into out.
func (s *Store) LoadRound(roundID string, out any) error {
	data, err := os.ReadFile(filepath.Join(s.root, roundsDir, roundID, roundInfoFile))
	if os.IsNotExist(err) {
		return fmt.Errorf("%w: round %s", pkgerrors.ErrNotFound, roundID)
	}
	if err != nil {
		return err
	}

	return json.Unmarshal(data, out)
}

// ListRounds returns the ids of all persisted rounds.
func (s *Store) ListRounds() ([]string, error) {
	entries, err := os.ReadDir(filepath.Join(s.root, roundsDir))
	if err != nil {
		return nil, err
	}

	ids := make([]string, 0, len(entries))
	for _, e := range entries {
		if e.IsDir() {
			ids = append(ids, e.Name())
		}
	}
	sort.Strings(ids)

	return ids, nil
}

// terminalStatuses are the round states whose artifacts may be purged.
var terminalStatuses = map[string]bool{"completed": true, "failed": true}

// PurgeRound removes a terminal round's record and per-round artifacts. It
// refuses rounds that are still running or whose scope is held.
//
// Content-addressed blobs are shared across rounds and stay resolvable after
// the purge; they are reclaimed only by store-level maintenance.
func (s *Store) PurgeRound(roundID string) error {
	s.mu.Lock()
	_, held := s.open[roundID]
	s.mu.Unlock()
	if held {
		return fmt.Errorf("%w: round %s scope still held", pkgerrors.ErrConflict, roundID)
	}

	var record struct {
		Status string `json:"status"`
	}
	if err := s.LoadRound(roundID, &record); err != nil {
		return err
	}
	if !terminalStatuses[record.Status] {
		return fmt.Errorf("%w: round %s is %s, not terminal", pkgerrors.ErrPreconditionFailed, roundID, record.Status)
	}

	return os.RemoveAll(filepath.Join(s.root, roundsDir, roundID))
}

// PromoteGlobal publishes data as the next version of the global model for
// kind and returns the assigned version.
func (s *Store) PromoteGlobal(kind string, data []byte) (int, error) {
	dir := filepath.Join(s.root, globalDir, kind)
	if err := os.MkdirAll(dir, dirMode); err != nil {
		return 0, err
	}

	versions, err := s.GlobalVersions(kind)
	if err != nil {
		return 0, err
	}

	next := 1
	if len(versions) > 0 {
		next = versions[len(versions)-1] + 1
	}

	path := filepath.Join(dir, fmt.Sprintf("aggregated.%d.bin", next))
	if err := writeAtomic(path, data, fileMode); err != nil {
		return 0, err
	}

	return next, nil
}

// GlobalModel returns the stored global model for kind at version, or the
// latest version when version is 0.
func (s *Store) GlobalModel(kind string, version int) ([]byte, int, error) {
	if version == 0 {
		versions, err := s.GlobalVersions(kind)
		if err != nil {
			return nil, 0, err
		}
		if len(versions) == 0 {
			return nil, 0, fmt.Errorf("%w: no global model for kind %s", pkgerrors.ErrNotFound, kind)
		}
		version = versions[len(versions)-1]
	}

	path := filepath.Join(s.root, globalDir, kind, fmt.Sprintf("aggregated.%d.bin", version))
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return nil, 0, fmt.Errorf("%w: global model %s version %d", pkgerrors.ErrNotFound, kind, version)
	}
	if err != nil {
		return nil, 0, err
	}

	return data, version, nil
}

// GlobalVersions returns the published versions for kind in ascending order.
func (s *Store) GlobalVersions(kind string) ([]int, error) {
	entries, err := os.ReadDir(filepath.Join(s.root, globalDir, kind))
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	var versions []int
	for _, e := range entries {
		name := e.Name()
		if !strings.HasPrefix(name, "aggregated.") || !strings.HasSuffix(name, ".bin") {
			continue
		}
		v, err := strconv.Atoi(strings.TrimSuffix(strings.TrimPrefix(name, "aggregated."), ".bin"))
		if err != nil {
			continue
		}
		versions = append(versions, v)
	}
	sort.Ints(versions)

	return versions, nil
}
