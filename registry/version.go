package registry

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/sirupsen/logrus"
)

// UpdateStatus describes the publisher's view of the installed device host
// relative to the version it bundles.
type UpdateStatus uint8

const (
	// UpToDate indicates the installed host matches the bundled version.
	UpToDate UpdateStatus = iota
	// NeedsUpdate indicates the bundled version differs from the installed
	// one and the host should be reinstalled.
	NeedsUpdate
	// NeedsRestart indicates an update completed while this process was
	// running. The host OS caches device enumeration per process, so the
	// rebuilt host stays invisible until the publisher process restarts.
	NeedsRestart
)

// String returns the status name for log output.
func (s UpdateStatus) String() string {
	switch s {
	case UpToDate:
		return "up-to-date"
	case NeedsUpdate:
		return "needs-update"
	case NeedsRestart:
		return "needs-restart"
	default:
		return fmt.Sprintf("unknown(%d)", uint8(s))
	}
}

// versionRecord is the on-disk state.
type versionRecord struct {
	InstalledVersion string `json:"installed_version"`
}

// VersionStore records which device-host version was last installed, backed
// by a small JSON file. The publisher compares the record against its
// bundled version to drive the update protocol.
type VersionStore struct {
	path string

	mu             sync.Mutex
	installed      string
	loaded         bool
	updatedThisRun bool
}

// NewVersionStore creates a store backed by the given file path. The file is
// created on the first MarkInstalled call.
func NewVersionStore(path string) (*VersionStore, error) {
	if path == "" {
		return nil, errors.New("version store path cannot be empty")
	}
	return &VersionStore{path: path}, nil
}

// InstalledVersion returns the recorded installed version, or the empty
// string when no host was ever installed.
func (s *VersionStore) InstalledVersion() (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.loadLocked(); err != nil {
		return "", err
	}
	return s.installed, nil
}

// Check compares the bundled version against the installed record.
func (s *VersionStore) Check(bundled string) (UpdateStatus, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.loadLocked(); err != nil {
		return NeedsUpdate, err
	}

	status := UpToDate
	switch {
	case s.updatedThisRun:
		status = NeedsRestart
	case s.installed != bundled:
		status = NeedsUpdate
	}

	logrus.WithFields(logrus.Fields{
		"function":  "Check",
		"bundled":   bundled,
		"installed": s.installed,
		"status":    status.String(),
	}).Debug("Compared bundled host version against installed record")

	return status, nil
}

// MarkInstalled records that the given version was just installed. Any later
// Check in this process reports NeedsRestart, since the freshly installed
// host cannot be enumerated until the process restarts.
func (s *VersionStore) MarkInstalled(version string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.loadLocked(); err != nil {
		return err
	}

	record := versionRecord{InstalledVersion: version}
	data, err := json.Marshal(&record)
	if err != nil {
		return fmt.Errorf("failed to encode version record: %w", err)
	}

	if err := os.MkdirAll(filepath.Dir(s.path), 0o755); err != nil {
		return fmt.Errorf("failed to create version store directory: %w", err)
	}
	if err := os.WriteFile(s.path, data, 0o644); err != nil {
		return fmt.Errorf("failed to write version record: %w", err)
	}

	s.installed = version
	s.updatedThisRun = true

	logrus.WithFields(logrus.Fields{
		"function": "MarkInstalled",
		"version":  version,
		"path":     s.path,
	}).Info("Recorded installed device-host version")

	return nil
}

// loadLocked reads the record once; missing files mean never installed.
func (s *VersionStore) loadLocked() error {
	if s.loaded {
		return nil
	}
	s.loaded = true

	data, err := os.ReadFile(s.path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("failed to read version record: %w", err)
	}

	var record versionRecord
	if err := json.Unmarshal(data, &record); err != nil {
		// A corrupt record is treated as never installed rather than a
		// hard failure; the next MarkInstalled rewrites it.
		logrus.WithFields(logrus.Fields{
			"function": "loadLocked",
			"path":     s.path,
			"error":    err.Error(),
		}).Warn("Discarding unreadable version record")
		return nil
	}

	s.installed = record.InstalledVersion
	return nil
}
