package manager

import (
	"bufio"
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"filippo.io/age"

	"github.com/pitchey/sessiond/internal/models"
)

const (
	snapshotDirPerms  = 0o750
	snapshotFilePerms = 0o640
)

// ErrNoRestorePoint is returned when a restore is requested for a session
// without a checkpoint.
var ErrNoRestorePoint = errors.New("session has no restore point")

// checkpoint is the on-disk snapshot payload: the session state that is
// reapplied before reactivation. Connections and status are transient and
// deliberately excluded.
type checkpoint struct {
	SessionID     string                    `json:"sessionId"`
	TakenAt       time.Time                 `json:"takenAt"`
	Configuration models.Configuration      `json:"configuration"`
	Resources     models.ResourceAllocation `json:"resources"`
	Metrics       models.SessionMetrics     `json:"metrics"`
	Scaling       models.AutoScalingConfig  `json:"scaling"`
	Security      models.SecurityDescriptor `json:"security"`
}

// SnapshotManager creates and restores point-in-time checkpoints of
// session state. Payloads are encrypted at rest when an age identity is
// configured, otherwise stored as plaintext JSON.
type SnapshotManager struct {
	dir        string
	logger     *log.Logger
	metrics    *Metrics
	now        func() time.Time
	identities []age.Identity
	recipient  age.Recipient
}

// NewSnapshotManager builds a snapshot manager rooted at dir.
func NewSnapshotManager(dir string, logger *log.Logger) (*SnapshotManager, error) {
	if strings.TrimSpace(dir) == "" {
		return nil, errors.New("snapshot dir is required")
	}
	if logger == nil {
		logger = log.Default()
	}
	if err := os.MkdirAll(dir, snapshotDirPerms); err != nil {
		return nil, fmt.Errorf("create snapshot dir %s: %w", dir, err)
	}
	return &SnapshotManager{
		dir:    dir,
		logger: logger,
		now:    time.Now,
	}, nil
}

// WithAgeIdentityFile enables at-rest encryption using the X25519
// identities in the key file; payloads are encrypted to the first
// identity's recipient.
func (m *SnapshotManager) WithAgeIdentityFile(path string) error {
	if m == nil {
		return errors.New("snapshot manager not configured")
	}
	keyData, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read age key %s: %w", path, err)
	}
	identities, recipient, err := parseAgeIdentities(keyData)
	if err != nil {
		return err
	}
	m.identities = identities
	m.recipient = recipient
	return nil
}

// WithMetrics wires optional Prometheus metrics.
func (m *SnapshotManager) WithMetrics(metrics *Metrics) *SnapshotManager {
	if m == nil {
		return m
	}
	m.metrics = metrics
	return m
}

// Create writes a checkpoint for the session, sets it as the restore
// point, stamps lastSnapshot, and prunes files beyond the retention count.
func (m *SnapshotManager) Create(session *models.Session) (models.RestorePoint, error) {
	if m == nil {
		return models.RestorePoint{}, errors.New("snapshot manager not configured")
	}
	snapshotID, err := newSnapshotID()
	if err != nil {
		return models.RestorePoint{}, err
	}
	payload, err := json.Marshal(checkpoint{
		SessionID:     session.ID,
		TakenAt:       m.now().UTC(),
		Configuration: session.Configuration,
		Resources:     session.Resources,
		Metrics:       session.Metrics,
		Scaling:       session.Scaling,
		Security:      session.Security,
	})
	if err != nil {
		return models.RestorePoint{}, fmt.Errorf("encode checkpoint for %s: %w", session.ID, err)
	}

	if m.recipient != nil {
		var sealed bytes.Buffer
		writer, err := age.Encrypt(&sealed, m.recipient)
		if err != nil {
			return models.RestorePoint{}, fmt.Errorf("encrypt checkpoint for %s: %w", session.ID, err)
		}
		if _, err := writer.Write(payload); err != nil {
			return models.RestorePoint{}, fmt.Errorf("encrypt checkpoint for %s: %w", session.ID, err)
		}
		if err := writer.Close(); err != nil {
			return models.RestorePoint{}, fmt.Errorf("encrypt checkpoint for %s: %w", session.ID, err)
		}
		payload = sealed.Bytes()
	}

	sessionDir := filepath.Join(m.dir, session.ID)
	if err := os.MkdirAll(sessionDir, snapshotDirPerms); err != nil {
		return models.RestorePoint{}, fmt.Errorf("create snapshot dir for %s: %w", session.ID, err)
	}
	path := filepath.Join(sessionDir, snapshotID+m.suffix())
	if err := os.WriteFile(path, payload, snapshotFilePerms); err != nil {
		m.observe("failed")
		return models.RestorePoint{}, fmt.Errorf("write snapshot %s: %w", path, err)
	}

	sum := sha256.Sum256(payload)
	point := models.RestorePoint{
		ID:        snapshotID,
		Timestamp: m.now().UTC(),
		SizeBytes: int64(len(payload)),
		Checksum:  hex.EncodeToString(sum[:]),
	}
	session.Persistence.RestorePoint = &point
	last := point.Timestamp
	session.Persistence.LastSnapshot = &last

	m.prune(session.ID, session.Persistence.Retention)
	m.observe("success")
	return point, nil
}

// Restore reads the session's restore point, verifies its checksum, and
// reapplies the checkpointed state to the session.
func (m *SnapshotManager) Restore(session *models.Session) error {
	if m == nil {
		return errors.New("snapshot manager not configured")
	}
	point := session.Persistence.RestorePoint
	if point == nil {
		return ErrNoRestorePoint
	}
	path := filepath.Join(m.dir, session.ID, point.ID+m.suffix())
	payload, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read snapshot %s: %w", path, err)
	}
	sum := sha256.Sum256(payload)
	if hex.EncodeToString(sum[:]) != point.Checksum {
		return fmt.Errorf("snapshot %s checksum mismatch", point.ID)
	}
	if len(m.identities) > 0 {
		reader, err := age.Decrypt(bytes.NewReader(payload), m.identities...)
		if err != nil {
			return fmt.Errorf("decrypt snapshot %s: %w", point.ID, err)
		}
		payload, err = io.ReadAll(reader)
		if err != nil {
			return fmt.Errorf("read snapshot %s: %w", point.ID, err)
		}
	}
	var cp checkpoint
	if err := json.Unmarshal(payload, &cp); err != nil {
		return fmt.Errorf("decode snapshot %s: %w", point.ID, err)
	}
	session.Configuration = cp.Configuration
	session.Metrics = cp.Metrics
	session.Scaling = cp.Scaling
	session.Security = cp.Security
	return nil
}

// Eligible reports whether the periodic snapshot tick should checkpoint
// the session now.
func (m *SnapshotManager) Eligible(session models.Session, now time.Time) bool {
	if !session.Persistence.Enabled {
		return false
	}
	last := session.Persistence.LastSnapshot
	if last == nil {
		return true
	}
	return now.Sub(*last) > session.Persistence.Interval()
}

// Drop removes all snapshot files for a session. Used by cleanup after the
// record itself is purged.
func (m *SnapshotManager) Drop(sessionID string) {
	if m == nil || sessionID == "" {
		return
	}
	if err := os.RemoveAll(filepath.Join(m.dir, sessionID)); err != nil {
		m.logger.Printf("snapshots: drop session=%s: %v", sessionID, err)
	}
}

func (m *SnapshotManager) suffix() string {
	if m.recipient != nil {
		return ".age"
	}
	return ".json"
}

// prune keeps the newest retention snapshot files for the session.
func (m *SnapshotManager) prune(sessionID string, retention int) {
	if retention <= 0 {
		return
	}
	sessionDir := filepath.Join(m.dir, sessionID)
	entries, err := os.ReadDir(sessionDir)
	if err != nil {
		return
	}
	type fileAge struct {
		name    string
		modTime time.Time
	}
	var files []fileAge
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		info, err := entry.Info()
		if err != nil {
			continue
		}
		files = append(files, fileAge{name: entry.Name(), modTime: info.ModTime()})
	}
	if len(files) <= retention {
		return
	}
	sort.Slice(files, func(i, j int) bool { return files[i].modTime.After(files[j].modTime) })
	for _, stale := range files[retention:] {
		if err := os.Remove(filepath.Join(sessionDir, stale.name)); err != nil {
			m.logger.Printf("snapshots: prune %s: %v", stale.name, err)
		}
	}
}

func (m *SnapshotManager) observe(result string) {
	if m.metrics != nil {
		m.metrics.IncSnapshot(result)
	}
}

func parseAgeIdentities(data []byte) ([]age.Identity, age.Recipient, error) {
	var identities []age.Identity
	var recipient age.Recipient
	scanner := bufio.NewScanner(bytes.NewReader(data))
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		if !strings.HasPrefix(line, "AGE-SECRET-KEY-") {
			continue
		}
		identity, err := age.ParseX25519Identity(line)
		if err != nil {
			return nil, nil, fmt.Errorf("parse age identity: %w", err)
		}
		identities = append(identities, identity)
		if recipient == nil {
			recipient = identity.Recipient()
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, nil, fmt.Errorf("read age key: %w", err)
	}
	if len(identities) == 0 {
		return nil, nil, errors.New("no age identities found")
	}
	return identities, recipient, nil
}
