package cli

import (
	"bufio"
	"io"
	"strings"
	"time"

	"github.com/mattn/go-runewidth"
)

const (
	tablePadding   = 2
	maxCellWidth   = 60
	timestampShort = "Jan 02 15:04"
)

// writeTable prints rows under headers in aligned columns. Cells wider
// than maxCellWidth are truncated.
func writeTable(out io.Writer, headers []string, rows [][]string) error {
	cols := len(headers)
	for _, row := range rows {
		if len(row) > cols {
			cols = len(row)
		}
	}
	if cols == 0 {
		return nil
	}

	cell := func(row []string, i int) string {
		if i >= len(row) {
			return ""
		}
		return runewidth.Truncate(row[i], maxCellWidth, "…")
	}

	widths := make([]int, cols)
	measure := func(row []string) {
		for i := 0; i < cols; i++ {
			if w := runewidth.StringWidth(cell(row, i)); w > widths[i] {
				widths[i] = w
			}
		}
	}
	measure(headers)
	for _, row := range rows {
		measure(row)
	}

	w := bufio.NewWriter(out)
	emit := func(row []string) {
		var line strings.Builder
		for i := 0; i < cols; i++ {
			value := cell(row, i)
			line.WriteString(value)
			if i < cols-1 {
				line.WriteString(strings.Repeat(" ", widths[i]-runewidth.StringWidth(value)+tablePadding))
			}
		}
		_, _ = w.WriteString(strings.TrimRight(line.String(), " ") + "\n")
	}

	if len(headers) > 0 {
		emit(headers)
	}
	for _, row := range rows {
		emit(row)
	}
	return w.Flush()
}

func formatYesNo(value bool) string {
	if value {
		return "yes"
	}
	return "no"
}

func formatTimestamp(t time.Time) string {
	if t.IsZero() {
		return "-"
	}
	return t.Local().Format(timestampShort)
}
