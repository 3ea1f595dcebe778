package storage

import (
	"encoding/csv"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"

	"igcrawler/pkg/instagram"
	"igcrawler/pkg/logger"
	"igcrawler/pkg/models"
)

// Output formats
const (
	FormatJSON = "json"
	FormatCSV  = "csv"
)

// utf8BOM lets spreadsheet apps detect the CSV encoding
const utf8BOM = "\ufeff"

var followerColumns = []string{
	"user_id", "username", "full_name", "is_verified", "is_private",
	"follower_count", "profile_pic_url", "collected_by", "collected_at",
}

var profileColumns = []string{
	"username", "full_name", "bio", "is_verified", "is_private",
	"followers", "following", "posts", "profile_pic_url", "category",
	"engagement_rate",
}

// Manager writes crawl results under outputDir, one timestamped directory
// per run
type Manager struct {
	outputDir string
	formats   map[string]bool
	logger    logger.Logger
	now       func() time.Time

	mu      sync.Mutex
	written int
}

// NewManager creates a new storage manager. An empty formats list means
// JSON and CSV.
func NewManager(outputDir string, formats []string, log logger.Logger) (*Manager, error) {
	if log == nil {
		log = logger.GetLogger()
	}
	if err := os.MkdirAll(outputDir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create output directory: %w", err)
	}

	if len(formats) == 0 {
		formats = []string{FormatJSON, FormatCSV}
	}
	set := make(map[string]bool, len(formats))
	for _, f := range formats {
		f = strings.ToLower(strings.TrimSpace(f))
		if f != FormatJSON && f != FormatCSV {
			return nil, fmt.Errorf("unsupported output format %q", f)
		}
		set[f] = true
	}

	return &Manager{
		outputDir: outputDir,
		formats:   set,
		logger:    log.WithField("component", "storage"),
		now:       time.Now,
	}, nil
}

// runDir creates output/<2006-01-02_15_04>_<label>
func (m *Manager) runDir(label string) (string, error) {
	name := fmt.Sprintf("%s_%s", m.now().Format("2006-01-02_15_04"), safeName(label))
	dir := filepath.Join(m.outputDir, name)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return "", fmt.Errorf("failed to create run directory: %w", err)
	}
	return dir, nil
}

func safeName(s string) string {
	return strings.Map(func(r rune) rune {
		switch r {
		case '/', '\\', ':', '*', '?', '"', '<', '>', '|', ' ':
			return '_'
		}
		return r
	}, s)
}

// SaveResult writes followers_<target>.json (the full result) and
// followers_<target>.csv. It returns the written paths.
func (m *Manager) SaveResult(result *models.CrawlResult) ([]string, error) {
	dir, err := m.runDir(result.TargetUsername)
	if err != nil {
		return nil, err
	}
	base := filepath.Join(dir, "followers_"+safeName(result.TargetUsername))

	var paths []string
	if m.formats[FormatJSON] {
		if err := writeAtomic(base+".json", func(w io.Writer) error { return writeJSON(w, result) }); err != nil {
			return paths, err
		}
		paths = append(paths, base+".json")
	}
	if m.formats[FormatCSV] {
		if err := writeAtomic(base+".csv", func(w io.Writer) error { return writeFollowersCSV(w, result.Followers) }); err != nil {
			return paths, err
		}
		paths = append(paths, base+".csv")
	}

	m.record(result.TargetUsername, paths)
	return paths, nil
}

// SaveProfiles writes profiles.json and profiles.csv under a run directory
// named after label
func (m *Manager) SaveProfiles(label string, profiles []instagram.Profile) ([]string, error) {
	dir, err := m.runDir(label)
	if err != nil {
		return nil, err
	}

	var paths []string
	if m.formats[FormatJSON] {
		path := filepath.Join(dir, "profiles.json")
		if err := writeAtomic(path, func(w io.Writer) error { return writeJSON(w, profiles) }); err != nil {
			return paths, err
		}
		paths = append(paths, path)
	}
	if m.formats[FormatCSV] {
		path := filepath.Join(dir, "profiles.csv")
		if err := writeAtomic(path, func(w io.Writer) error { return writeProfilesCSV(w, profiles) }); err != nil {
			return paths, err
		}
		paths = append(paths, path)
	}

	m.record(label, paths)
	return paths, nil
}

func (m *Manager) record(label string, paths []string) {
	m.mu.Lock()
	m.written += len(paths)
	m.mu.Unlock()

	m.logger.InfoWithFields("Results saved", map[string]interface{}{
		"label": label,
		"files": paths,
	})
}

// GetOutputDir returns the output directory path
func (m *Manager) GetOutputDir() string {
	return m.outputDir
}

// GetWrittenCount returns the number of files written by this manager
func (m *Manager) GetWrittenCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.written
}

// writeAtomic writes through a temp file and renames it into place
func writeAtomic(filename string, write func(io.Writer) error) error {
	tempFile := filename + ".tmp"
	out, err := os.Create(tempFile)
	if err != nil {
		return fmt.Errorf("failed to create temporary file: %w", err)
	}

	err = write(out)
	closeErr := out.Close()

	if err != nil {
		os.Remove(tempFile)
		return fmt.Errorf("failed to write %s: %w", filepath.Base(filename), err)
	}
	if closeErr != nil {
		os.Remove(tempFile)
		return fmt.Errorf("failed to close file: %w", closeErr)
	}

	if err := os.Rename(tempFile, filename); err != nil {
		os.Remove(tempFile)
		return fmt.Errorf("failed to rename temporary file: %w", err)
	}
	return nil
}

func writeJSON(w io.Writer, v interface{}) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	enc.SetEscapeHTML(false)
	return enc.Encode(v)
}

func writeFollowersCSV(w io.Writer, followers []instagram.Follower) error {
	if _, err := io.WriteString(w, utf8BOM); err != nil {
		return err
	}
	cw := csv.NewWriter(w)
	if err := cw.Write(followerColumns); err != nil {
		return err
	}
	for _, f := range followers {
		if err := cw.Write([]string{
			f.UserID,
			f.Username,
			f.FullName,
			strconv.FormatBool(f.IsVerified),
			strconv.FormatBool(f.IsPrivate),
			strconv.Itoa(f.FollowerCount),
			f.ProfilePicURL,
			f.CollectedBy,
			f.CollectedAt.Format(time.RFC3339),
		}); err != nil {
			return err
		}
	}
	cw.Flush()
	return cw.Error()
}

func writeProfilesCSV(w io.Writer, profiles []instagram.Profile) error {
	if _, err := io.WriteString(w, utf8BOM); err != nil {
		return err
	}
	cw := csv.NewWriter(w)
	if err := cw.Write(profileColumns); err != nil {
		return err
	}
	for _, p := range profiles {
		rate := ""
		if p.EngagementRate != nil {
			rate = strconv.FormatFloat(*p.EngagementRate, 'f', 2, 64)
		}
		if err := cw.Write([]string{
			p.Username,
			p.FullName,
			p.Biography,
			strconv.FormatBool(p.IsVerified),
			strconv.FormatBool(p.IsPrivate),
			strconv.Itoa(p.Followers),
			strconv.Itoa(p.Following),
			strconv.Itoa(p.Posts),
			p.ProfilePicURL,
			p.Category,
			rate,
		}); err != nil {
			return err
		}
	}
	cw.Flush()
	return cw.Error()
}
