// Package knowledge supplies the candidate background and company research
// text used to assemble answer prompts. Text is passed through verbatim.
package knowledge

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/loqalabs/loqa-cue/internal/config"
)

// Source resolves knowledge blobs. Missing knowledge is empty text, not an
// error.
type Source interface {
	Profile(ctx context.Context) (string, error)
	Company(ctx context.Context, company string) (string, error)
}

// FileSource reads plain text files from a directory.
type FileSource struct {
	dir            string
	profileFile    string
	companyPattern string
}

func NewFileSource(cfg config.KnowledgeConfig) *FileSource {
	pattern := cfg.CompanyPattern
	if pattern == "" {
		pattern = "company_%s.txt"
	}
	return &FileSource{dir: cfg.Directory, profileFile: cfg.ProfileFile, companyPattern: pattern}
}

func (s *FileSource) Profile(_ context.Context) (string, error) {
	if s.profileFile == "" {
		return "", nil
	}
	return s.read(s.profileFile)
}

func (s *FileSource) Company(_ context.Context, company string) (string, error) {
	key := CompanyKey(company)
	if key == "" {
		return "", nil
	}
	return s.read(fmt.Sprintf(s.companyPattern, key))
}

func (s *FileSource) read(name string) (string, error) {
	data, err := os.ReadFile(filepath.Join(s.dir, name))
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return "", nil
		}
		return "", fmt.Errorf("read knowledge file %s: %w", name, err)
	}
	return string(data), nil
}

// CompanyKey maps a company name to its file key: trimmed, lower-cased,
// spaces replaced by underscores. Path separators are dropped.
func CompanyKey(company string) string {
	key := strings.ToLower(strings.TrimSpace(company))
	key = strings.ReplaceAll(key, " ", "_")
	key = strings.Map(func(r rune) rune {
		if r == '/' || r == '\\' {
			return -1
		}
		return r
	}, key)
	return strings.Trim(key, ".")
}

// Static is an in-memory Source.
type Static struct {
	ProfileText string
	Companies   map[string]string
}

func (s Static) Profile(context.Context) (string, error) { return s.ProfileText, nil }

func (s Static) Company(_ context.Context, company string) (string, error) {
	return s.Companies[CompanyKey(company)], nil
}
