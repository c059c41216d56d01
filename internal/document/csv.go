package document

import (
	"bytes"
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"strings"
	"text/tabwriter"
)

// extractCSV renders the rows as a right-aligned table, header first.
// Invalid UTF-8 is dropped before parsing.
func extractCSV(data []byte) (string, error) {
	text := strings.ToValidUTF8(string(bytes.TrimPrefix(data, []byte("\xef\xbb\xbf"))), "")
	r := csv.NewReader(strings.NewReader(text))
	r.FieldsPerRecord = -1
	r.LazyQuotes = true

	var rows [][]string
	width := 0
	for {
		rec, err := r.Read()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return "", fmt.Errorf("read csv failed: %w", err)
		}
		rows = append(rows, rec)
		width = max(width, len(rec))
	}
	if len(rows) == 0 {
		return "", nil
	}

	var buf bytes.Buffer
	tw := tabwriter.NewWriter(&buf, 0, 0, 1, ' ', tabwriter.AlignRight)
	for _, rec := range rows {
		cells := make([]string, width)
		for i := range cells {
			if i < len(rec) {
				cells[i] = strings.ReplaceAll(strings.TrimSpace(rec[i]), "\t", " ")
			}
		}
		fmt.Fprintln(tw, strings.Join(cells, "\t")+"\t")
	}
	if err := tw.Flush(); err != nil {
		return "", fmt.Errorf("render csv failed: %w", err)
	}

	lines := strings.Split(strings.TrimRight(buf.String(), "\n"), "\n")
	for i, l := range lines {
		lines[i] = strings.TrimRight(l, " ")
	}
	return strings.Join(lines, "\n"), nil
}
