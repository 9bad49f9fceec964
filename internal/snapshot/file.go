package snapshot

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/sirupsen/logrus"

	"github.com/ptld-risk-mcp-server/internal/domain"
)

// FileProvider serves snapshots stored as <patient_id>.json files in a directory.
type FileProvider struct {
	dir string
	log *logrus.Logger
}

// NewFileProvider creates a provider rooted at dir.
func NewFileProvider(dir string, logger *logrus.Logger) (*FileProvider, error) {
	info, err := os.Stat(dir)
	if err != nil {
		return nil, fmt.Errorf("snapshot directory: %w", err)
	}
	if !info.IsDir() {
		return nil, fmt.Errorf("snapshot directory %s is not a directory", dir)
	}
	return &FileProvider{dir: dir, log: logger}, nil
}

// GetSnapshot reads the patient's file.
func (p *FileProvider) GetSnapshot(ctx context.Context, patientID string) (*domain.ClinicalSnapshot, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if patientID == "" || strings.ContainsAny(patientID, `/\`) || patientID == "." || patientID == ".." {
		return nil, domain.NewValidationError("patient_id", "invalid patient ID", patientID)
	}

	path := filepath.Join(p.dir, patientID+".json")
	s, err := LoadSnapshotFile(path)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("patient %s: %w", patientID, domain.ErrNotFound)
	}
	if err != nil {
		return nil, err
	}
	if s.PatientID == "" {
		s.PatientID = patientID
	}
	if s.PatientID != patientID {
		return nil, domain.NewValidationError("patient_id", fmt.Sprintf("file %s holds patient %s", path, s.PatientID), patientID)
	}

	p.log.WithFields(logrus.Fields{
		"patient_id": patientID,
		"version":    s.Version,
	}).Debug("Loaded snapshot file")
	return s, nil
}

// LoadSnapshotFile decodes one snapshot. A file without a version is versioned by
// the hash of its content so unchanged files hit the result cache.
func LoadSnapshotFile(path string) (*domain.ClinicalSnapshot, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading snapshot: %w", err)
	}
	return DecodeSnapshot(data)
}

// DecodeSnapshot parses a JSON snapshot.
func DecodeSnapshot(data []byte) (*domain.ClinicalSnapshot, error) {
	var s domain.ClinicalSnapshot
	if err := json.Unmarshal(data, &s); err != nil {
		return nil, domain.NewValidationError("snapshot", fmt.Sprintf("malformed snapshot: %v", err), nil)
	}
	if s.Version == "" {
		sum := sha256.Sum256(data)
		s.Version = "sha256:" + hex.EncodeToString(sum[:8])
	}
	return &s, nil
}

// LoadSnapshotBatch decodes a JSON array of snapshots.
func LoadSnapshotBatch(path string) ([]*domain.ClinicalSnapshot, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading snapshot batch: %w", err)
	}
	var raw []json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, domain.NewValidationError("snapshots", fmt.Sprintf("malformed snapshot batch: %v", err), nil)
	}
	snapshots := make([]*domain.ClinicalSnapshot, 0, len(raw))
	for i, item := range raw {
		s, err := DecodeSnapshot(item)
		if err != nil {
			return nil, fmt.Errorf("snapshot %d: %w", i, err)
		}
		snapshots = append(snapshots, s)
	}
	return snapshots, nil
}

// LoadSnapshotDir decodes every *.json file in dir, in file name order. A file holds either
// one snapshot or an array of snapshots.
func LoadSnapshotDir(dir string) ([]*domain.ClinicalSnapshot, error) {
	paths, err := filepath.Glob(filepath.Join(dir, "*.json"))
	if err != nil {
		return nil, fmt.Errorf("listing snapshot directory: %w", err)
	}

	var snapshots []*domain.ClinicalSnapshot
	for _, path := range paths {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("reading %s: %w", path, err)
		}
		if strings.HasPrefix(strings.TrimSpace(string(data)), "[") {
			batch, err := LoadSnapshotBatch(path)
			if err != nil {
				return nil, fmt.Errorf("%s: %w", filepath.Base(path), err)
			}
			snapshots = append(snapshots, batch...)
			continue
		}
		s, err := DecodeSnapshot(data)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", filepath.Base(path), err)
		}
		snapshots = append(snapshots, s)
	}
	return snapshots, nil
}
