package staging

import (
	"archive/zip"
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"
	"unicode"

	"sku-render-pipeline/internal/models"
)

const maxNameLen = 80

// Fetcher downloads artifacts that a generator returned by URL
type Fetcher interface {
	Fetch(ctx context.Context, url string) ([]byte, string, error)
}

// FileStager writes attempt artifacts under {root}/{jobDir}
type FileStager struct {
	root         string
	fetcher      Fetcher
	fetchTimeout time.Duration
}

func New(root string, fetcher Fetcher) *FileStager {
	return &FileStager{root: root, fetcher: fetcher, fetchTimeout: 60 * time.Second}
}

// Root returns the output directory served under /outputs/
func (s *FileStager) Root() string {
	return s.root
}

// Stage writes {root}/{jobDir}/{index+1:03}_{taskID}_{attempt}{ext}, fetching
// the artifact first when it only carries a URL.
func (s *FileStager) Stage(jobDir string, index int, taskID string, attempt int, art models.Artifact) (string, error) {
	data := art.Data
	if len(data) == 0 {
		if art.URL == "" {
			return "", fmt.Errorf("artifact has neither data nor url")
		}
		if s.fetcher == nil {
			return "", fmt.Errorf("no fetcher for artifact url %s", art.URL)
		}
		ctx, cancel := context.WithTimeout(context.Background(), s.fetchTimeout)
		defer cancel()
		fetched, mime, err := s.fetcher.Fetch(ctx, art.URL)
		if err != nil {
			return "", fmt.Errorf("download artifact: %w", err)
		}
		data = fetched
		if mime != "" {
			art.MimeType = mime
		}
	}

	dir := filepath.Join(s.root, SafeName(jobDir, "batch"))
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("create output dir: %w", err)
	}
	path := filepath.Join(dir, StagedName(index, taskID, attempt, art.Ext()))
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return "", fmt.Errorf("write artifact: %w", err)
	}
	return path, nil
}

// StagedName is the file name for one attempt of the task at index
func StagedName(index int, taskID string, attempt int, ext string) string {
	return fmt.Sprintf("%03d_%s_%d%s", index+1, SafeName(taskID, "item"), attempt, ext)
}

// Discard removes a rejected attempt. Missing files are not an error.
func (s *FileStager) Discard(path string) error {
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		return err
	}
	return nil
}

// SafeName keeps letters, digits, space, '-' and '_' and truncates to 80 runes
func SafeName(text, fallback string) string {
	var b strings.Builder
	for _, r := range text {
		if unicode.IsLetter(r) || unicode.IsDigit(r) || r == ' ' || r == '-' || r == '_' {
			b.WriteRune(r)
		}
	}
	cleaned := strings.TrimSpace(b.String())
	if cleaned == "" {
		cleaned = fallback
	}
	if runes := []rune(cleaned); len(runes) > maxNameLen {
		cleaned = string(runes[:maxNameLen])
	}
	return cleaned
}

// WriteZip streams the given files into a deflated zip archive, flat by base name
func WriteZip(w io.Writer, paths []string) error {
	zw := zip.NewWriter(w)
	seen := make(map[string]int)
	for _, p := range paths {
		name := filepath.Base(p)
		if n := seen[name]; n > 0 {
			ext := filepath.Ext(name)
			name = fmt.Sprintf("%s_%d%s", strings.TrimSuffix(name, ext), n, ext)
		}
		seen[filepath.Base(p)]++

		if err := addFile(zw, p, name); err != nil {
			zw.Close()
			return err
		}
	}
	return zw.Close()
}

func addFile(zw *zip.Writer, path, name string) error {
	f, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("open %s: %w", path, err)
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return err
	}
	header, err := zip.FileInfoHeader(info)
	if err != nil {
		return err
	}
	header.Name = name
	header.Method = zip.Deflate

	dst, err := zw.CreateHeader(header)
	if err != nil {
		return err
	}
	_, err = io.Copy(dst, f)
	return err
}
