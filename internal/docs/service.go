// Package docs renders the AsciiDoc files shipped with the node (protocol
// notes, the generated API reference) to HTML for the /docs/ pages.
package docs

import (
	"bytes"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"github.com/bytesparadise/libasciidoc"
	"github.com/bytesparadise/libasciidoc/pkg/configuration"
)

// ErrNotFound is returned for names that do not refer to a document.
var ErrNotFound = errors.New("document not found")

type Service struct {
	docsDir string
	cache   map[string]string // filename -> html content
	mu      sync.RWMutex
}

func NewService(docsDir string) *Service {
	return &Service{
		docsDir: docsDir,
		cache:   make(map[string]string),
	}
}

// GetDoc returns the rendered HTML body of filename. Rendered documents are
// cached for the life of the service.
func (s *Service) GetDoc(filename string) (string, error) {
	if filename != filepath.Base(filename) || !strings.HasSuffix(filename, ".adoc") {
		return "", fmt.Errorf("%w: %q", ErrNotFound, filename)
	}

	s.mu.RLock()
	content, ok := s.cache[filename]
	s.mu.RUnlock()
	if ok {
		return content, nil
	}

	data, err := os.ReadFile(filepath.Join(s.docsDir, filename))
	if errors.Is(err, os.ErrNotExist) {
		return "", fmt.Errorf("%w: %q", ErrNotFound, filename)
	}
	if err != nil {
		return "", fmt.Errorf("failed to read doc file: %w", err)
	}

	html, err := Render(data)
	if err != nil {
		return "", err
	}

	s.mu.Lock()
	s.cache[filename] = html
	s.mu.Unlock()
	return html, nil
}

// Render converts AsciiDoc source to an HTML fragment.
func Render(src []byte) (string, error) {
	output := bytes.NewBuffer(nil)
	config := configuration.NewConfiguration(
		configuration.WithHeaderFooter(false), // embedded in the page layout
	)
	if _, err := libasciidoc.Convert(bytes.NewReader(src), output, config); err != nil {
		return "", fmt.Errorf("failed to convert asciidoc: %w", err)
	}
	return output.String(), nil
}

// ListDocs returns the .adoc files in the docs directory, sorted.
func (s *Service) ListDocs() ([]string, error) {
	entries, err := os.ReadDir(s.docsDir)
	if err != nil {
		return nil, err
	}

	var docs []string
	for _, entry := range entries {
		if !entry.IsDir() && strings.HasSuffix(entry.Name(), ".adoc") {
			docs = append(docs, entry.Name())
		}
	}
	sort.Strings(docs)
	return docs, nil
}
