// Package loader extracts plain text from documents on the local file system.
package loader

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/ledongthuc/pdf"

	"github.com/dynoinc/ragflow"
	"github.com/dynoinc/ragflow/rag"
)

// Loader reads PDFs with ledongthuc/pdf and every other file as UTF-8 text.
type Loader struct{}

var _ rag.Loader = Loader{}

// New returns a Loader.
func New() Loader { return Loader{} }

// Load returns the text of the file at path. A file that cannot be read is a retryable
// error, since it may still be uploading. A PDF that cannot be parsed is terminal.
func (Loader) Load(ctx context.Context, path string) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	if _, err := os.Stat(path); err != nil {
		return "", readError(path, err)
	}

	if strings.EqualFold(filepath.Ext(path), ".pdf") {
		return loadPDF(path)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return "", readError(path, err)
	}
	return stripNUL(string(data)), nil
}

func loadPDF(path string) (text string, err error) {
	// The parser panics on some malformed inputs.
	defer func() {
		if r := recover(); r != nil {
			err = ragflow.Terminalf("parse %s: %v", path, r)
		}
	}()

	f, r, err := pdf.Open(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) || errors.Is(err, fs.ErrPermission) {
			return "", readError(path, err)
		}
		return "", ragflow.Terminal(fmt.Errorf("parse %s: %w", path, err))
	}
	defer f.Close()

	plain, err := r.GetPlainText()
	if err != nil {
		return "", ragflow.Terminal(fmt.Errorf("extract text from %s: %w", path, err))
	}
	var buf bytes.Buffer
	if _, err := buf.ReadFrom(plain); err != nil {
		return "", ragflow.Retryable(fmt.Errorf("read %s: %w", path, err))
	}
	return stripNUL(buf.String()), nil
}

// stripNUL drops NUL characters, which some PDF encoders emit between glyphs.
func stripNUL(s string) string {
	return strings.ReplaceAll(s, "\x00", "")
}

func readError(path string, err error) error {
	return ragflow.Retryable(fmt.Errorf("load %s: %w", path, err))
}
