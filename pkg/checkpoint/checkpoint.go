package checkpoint

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"time"

	"igcrawler/pkg/instagram"
	"igcrawler/pkg/logger"
)

// Checkpoint is the resumable state of one follower crawl
type Checkpoint struct {
	Target            string               `json:"target"`
	TargetUserID      string               `json:"target_user_id"`
	MaxCount          int                  `json:"max_count"`
	LastProcessedPage int                  `json:"last_processed_page"`
	NextMaxID         string               `json:"next_max_id"`
	Followers         []instagram.Follower `json:"followers"`
	Requests          int                  `json:"requests"`
	CreatedAt         time.Time            `json:"created_at"`
	UpdatedAt         time.Time            `json:"updated_at"`
	Version           int                  `json:"version"`

	seen map[string]struct{}
}

// Manager handles checkpoint operations for a single target
type Manager struct {
	checkpointPath string
	logger         logger.Logger
}

// NewManager creates a manager whose file lives in the user data directory
func NewManager(target string) (*Manager, error) {
	dataDir, err := getDataDirectory()
	if err != nil {
		return nil, fmt.Errorf("failed to get data directory: %w", err)
	}
	return NewManagerIn(filepath.Join(dataDir, "checkpoints"), target)
}

// NewManagerIn creates a manager whose file lives in dir
func NewManagerIn(dir, target string) (*Manager, error) {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create checkpoints directory: %w", err)
	}

	name := strings.NewReplacer("/", "_", "\\", "_").Replace(target)
	return &Manager{
		checkpointPath: filepath.Join(dir, fmt.Sprintf("%s.checkpoint.json", name)),
		logger:         logger.GetLogger().WithField("target", target),
	}, nil
}

// Path returns the checkpoint file location
func (m *Manager) Path() string {
	return m.checkpointPath
}

// Create starts a fresh checkpoint and writes it
func (m *Manager) Create(target, userID string, maxCount int) (*Checkpoint, error) {
	now := time.Now()
	checkpoint := &Checkpoint{
		Target:       target,
		TargetUserID: userID,
		MaxCount:     maxCount,
		Followers:    []instagram.Follower{},
		CreatedAt:    now,
		UpdatedAt:    now,
		Version:      1,
		seen:         make(map[string]struct{}),
	}

	if err := m.Save(checkpoint); err != nil {
		return nil, fmt.Errorf("failed to save initial checkpoint: %w", err)
	}

	m.logger.InfoWithFields("Checkpoint created", map[string]interface{}{
		"path": m.checkpointPath,
	})

	return checkpoint, nil
}

// Load reads the checkpoint. It returns nil, nil when none exists.
func (m *Manager) Load() (*Checkpoint, error) {
	file, err := os.Open(m.checkpointPath)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to open checkpoint file: %w", err)
	}
	defer file.Close()

	var checkpoint Checkpoint
	if err := json.NewDecoder(file).Decode(&checkpoint); err != nil {
		return nil, fmt.Errorf("failed to decode checkpoint: %w", err)
	}
	checkpoint.index()

	m.logger.InfoWithFields("Checkpoint loaded", map[string]interface{}{
		"collected":   len(checkpoint.Followers),
		"next_max_id": checkpoint.NextMaxID,
		"updated_at":  checkpoint.UpdatedAt,
	})

	return &checkpoint, nil
}

// Save writes the checkpoint to disk atomically
func (m *Manager) Save(checkpoint *Checkpoint) error {
	checkpoint.UpdatedAt = time.Now()

	tempPath := m.checkpointPath + ".tmp"
	file, err := os.Create(tempPath)
	if err != nil {
		return fmt.Errorf("failed to create temporary checkpoint file: %w", err)
	}

	encoder := json.NewEncoder(file)
	encoder.SetIndent("", "  ")
	if err := encoder.Encode(checkpoint); err != nil {
		file.Close()
		os.Remove(tempPath)
		return fmt.Errorf("failed to encode checkpoint: %w", err)
	}

	if err := file.Sync(); err != nil {
		file.Close()
		os.Remove(tempPath)
		return fmt.Errorf("failed to sync checkpoint file: %w", err)
	}

	if err := file.Close(); err != nil {
		os.Remove(tempPath)
		return fmt.Errorf("failed to close checkpoint file: %w", err)
	}

	if err := os.Rename(tempPath, m.checkpointPath); err != nil {
		os.Remove(tempPath)
		return fmt.Errorf("failed to replace checkpoint file: %w", err)
	}

	m.logger.DebugWithFields("Checkpoint saved", map[string]interface{}{
		"collected":   len(checkpoint.Followers),
		"next_max_id": checkpoint.NextMaxID,
	})

	return nil
}

// Delete removes the checkpoint file
func (m *Manager) Delete() error {
	if err := os.Remove(m.checkpointPath); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("failed to delete checkpoint: %w", err)
	}

	m.logger.Info("Checkpoint deleted")
	return nil
}

// Exists checks if a checkpoint file exists
func (m *Manager) Exists() bool {
	_, err := os.Stat(m.checkpointPath)
	return err == nil
}

// UpdateProgress stores the cursor of the next page and saves
func (m *Manager) UpdateProgress(checkpoint *Checkpoint, nextMaxID string, pageNum int) error {
	checkpoint.NextMaxID = nextMaxID
	checkpoint.LastProcessedPage = pageNum
	return m.Save(checkpoint)
}

// RecordFollowers appends followers not seen before and returns how many
// were new. It does not save; UpdateProgress does.
func (checkpoint *Checkpoint) RecordFollowers(followers []instagram.Follower) int {
	if checkpoint.seen == nil {
		checkpoint.index()
	}
	added := 0
	for _, f := range followers {
		if _, ok := checkpoint.seen[f.UserID]; ok && f.UserID != "" {
			continue
		}
		checkpoint.seen[f.UserID] = struct{}{}
		checkpoint.Followers = append(checkpoint.Followers, f)
		added++
	}
	return added
}

// HasFollower reports whether userID was already collected
func (checkpoint *Checkpoint) HasFollower(userID string) bool {
	if checkpoint.seen == nil {
		checkpoint.index()
	}
	_, ok := checkpoint.seen[userID]
	return ok
}

func (checkpoint *Checkpoint) index() {
	checkpoint.seen = make(map[string]struct{}, len(checkpoint.Followers))
	for _, f := range checkpoint.Followers {
		checkpoint.seen[f.UserID] = struct{}{}
	}
}

// GetCheckpointInfo returns a summary of the checkpoint
func (m *Manager) GetCheckpointInfo() (map[string]interface{}, error) {
	checkpoint, err := m.Load()
	if err != nil {
		return nil, err
	}
	if checkpoint == nil {
		return nil, nil
	}

	return map[string]interface{}{
		"target":      checkpoint.Target,
		"collected":   len(checkpoint.Followers),
		"max_count":   checkpoint.MaxCount,
		"next_max_id": checkpoint.NextMaxID,
		"page":        checkpoint.LastProcessedPage,
		"created_at":  checkpoint.CreatedAt,
		"updated_at":  checkpoint.UpdatedAt,
		"age":         time.Since(checkpoint.UpdatedAt),
	}, nil
}

// BackupCheckpoint copies the checkpoint next to itself with a .backup suffix
func (m *Manager) BackupCheckpoint() error {
	if !m.Exists() {
		return nil
	}

	backupPath := m.checkpointPath + ".backup"

	src, err := os.Open(m.checkpointPath)
	if err != nil {
		return fmt.Errorf("failed to open checkpoint for backup: %w", err)
	}
	defer src.Close()

	dst, err := os.Create(backupPath)
	if err != nil {
		return fmt.Errorf("failed to create backup file: %w", err)
	}
	defer dst.Close()

	if _, err := io.Copy(dst, src); err != nil {
		return fmt.Errorf("failed to copy checkpoint to backup: %w", err)
	}

	m.logger.Debug("Checkpoint backed up")
	return nil
}

// getDataDirectory returns the appropriate data directory for the current OS
func getDataDirectory() (string, error) {
	var dataDir string

	switch runtime.GOOS {
	case "linux":
		if xdgDataHome := os.Getenv("XDG_DATA_HOME"); xdgDataHome != "" {
			dataDir = filepath.Join(xdgDataHome, "igcrawler")
		} else {
			home, err := os.UserHomeDir()
			if err != nil {
				return "", err
			}
			dataDir = filepath.Join(home, ".local", "share", "igcrawler")
		}
	case "darwin":
		home, err := os.UserHomeDir()
		if err != nil {
			return "", err
		}
		dataDir = filepath.Join(home, "Library", "Application Support", "igcrawler")
	case "windows":
		appData := os.Getenv("APPDATA")
		if appData == "" {
			return "", fmt.Errorf("APPDATA environment variable not set")
		}
		dataDir = filepath.Join(appData, "igcrawler")
	default:
		return "", fmt.Errorf("unsupported operating system: %s", runtime.GOOS)
	}

	if err := os.MkdirAll(dataDir, 0755); err != nil {
		return "", fmt.Errorf("failed to create data directory: %w", err)
	}

	return dataDir, nil
}
