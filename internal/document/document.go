// Package document turns uploaded files into plain text.
package document

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"path/filepath"
	"strings"

	"docchat/internal/pkg/pdfextract"
)

var (
	ErrUnsupportedType = errors.New("unsupported file type")
	ErrExtract         = errors.New("extract text failed")
)

type extractor func(data []byte) (string, error)

var extractors = map[string]extractor{
	"pdf":  extractPDF,
	"txt":  extractTXT,
	"docx": extractDOCX,
	"csv":  extractCSV,
}

var supported = []string{"pdf", "txt", "docx", "csv"}

func SupportedTypes() []string {
	return append([]string(nil), supported...)
}

func IsSupported(filename string) bool {
	_, ok := extractors[fileType(filename)]
	return ok
}

// Extract dispatches on the filename extension. The type is checked before
// any content is read.
func Extract(data []byte, filename string) (string, error) {
	kind := fileType(filename)
	fn, ok := extractors[kind]
	if !ok {
		if kind == "" {
			return "", fmt.Errorf("%w: %q has no extension", ErrUnsupportedType, filename)
		}
		return "", fmt.Errorf("%w: .%s", ErrUnsupportedType, kind)
	}
	text, err := fn(data)
	if err != nil {
		return "", fmt.Errorf("%w: %s: %v", ErrExtract, kind, err)
	}
	return text, nil
}

// Fingerprint identifies upload content independent of its filename.
func Fingerprint(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

func fileType(filename string) string {
	return strings.ToLower(strings.TrimPrefix(filepath.Ext(filename), "."))
}

func extractPDF(data []byte) (string, error) {
	return pdfextract.ExtractText(data)
}

func extractTXT(data []byte) (string, error) {
	text := strings.ToValidUTF8(string(data), "")
	return strings.TrimPrefix(text, "\ufeff"), nil
}
