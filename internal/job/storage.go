package job

import (
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"
)

// Storage keeps uploaded files, grouped by job
type Storage interface {
	// Save writes a file under the job and returns its relative path
	Save(jobID, filename string, data []byte) (string, error)

	// Get reads a file by the path Save returned
	Get(path string) ([]byte, error)

	// RemoveJob deletes every file of the job
	RemoveJob(jobID string) error
}

// LocalStorage implements Storage with one directory per job
type LocalStorage struct {
	basePath string
}

// NewLocalStorage creates a new LocalStorage rooted at basePath
func NewLocalStorage(basePath string) (*LocalStorage, error) {
	if err := os.MkdirAll(basePath, 0755); err != nil {
		return nil, fmt.Errorf("creating storage directory: %w", err)
	}
	return &LocalStorage{basePath: basePath}, nil
}

// Save writes data to <base>/<jobID>/<sanitized filename>. A name already
// taken in the job gets a numeric suffix.
func (l *LocalStorage) Save(jobID, filename string, data []byte) (string, error) {
	dir := filepath.Join(l.basePath, jobID)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return "", fmt.Errorf("creating job directory: %w", err)
	}

	name := sanitizeFilename(filename)
	ext := filepath.Ext(name)
	base := strings.TrimSuffix(name, ext)
	for n := 1; ; n++ {
		if _, err := os.Stat(filepath.Join(dir, name)); os.IsNotExist(err) {
			break
		}
		name = fmt.Sprintf("%s-%d%s", base, n, ext)
	}

	if err := os.WriteFile(filepath.Join(dir, name), data, 0644); err != nil {
		return "", fmt.Errorf("writing file: %w", err)
	}
	return filepath.Join(jobID, name), nil
}

// Get reads a stored file
func (l *LocalStorage) Get(path string) ([]byte, error) {
	data, err := os.ReadFile(filepath.Join(l.basePath, filepath.Clean(path)))
	if err != nil {
		return nil, fmt.Errorf("reading file: %w", err)
	}
	return data, nil
}

// RemoveJob deletes the job directory. A missing directory is not an error.
func (l *LocalStorage) RemoveJob(jobID string) error {
	if jobID == "" || strings.ContainsAny(jobID, `/\`) {
		return fmt.Errorf("invalid job id %q", jobID)
	}
	if err := os.RemoveAll(filepath.Join(l.basePath, jobID)); err != nil {
		return fmt.Errorf("deleting job files: %w", err)
	}
	return nil
}

var (
	unsafeChars = regexp.MustCompile(`[^a-zA-Z0-9\s\-_]`)
	whitespace  = regexp.MustCompile(`\s+`)
)

// sanitizeFilename strips scanner and phone filenames down to something safe
// to keep on disk
func sanitizeFilename(filename string) string {
	filename = filepath.Base(filename)
	ext := strings.ToLower(filepath.Ext(filename))
	if len(ext) < 2 || unsafeChars.MatchString(ext[1:]) {
		ext = ""
	}
	base := strings.TrimSuffix(filename, filepath.Ext(filename))

	base = unsafeChars.ReplaceAllString(base, "")
	base = strings.TrimSpace(whitespace.ReplaceAllString(base, " "))
	if len(base) > 50 {
		base = base[:50]
	}
	if base == "" {
		base = "document"
	}
	return base + ext
}
