package main

import (
	"encoding/json"
	"fmt"
	"io"
	"strings"
	"time"
	"unicode/utf8"
)

// noteDisplayWidth caps the note column in tables.
const noteDisplayWidth = 40

// statusf prints a status message unless quiet mode is set.
func statusf(quiet bool, w io.Writer, format string, args ...any) {
	if !quiet {
		fmt.Fprintf(w, format, args...)
	}
}

// Statusf prints a status message to the error stream unless --quiet is set.
func (cc *CLIContext) Statusf(format string, args ...any) {
	statusf(cc.Flags.Quiet, cc.Err, format, args...)
}

// printJSON writes v as indented JSON to the result stream.
func (cc *CLIContext) printJSON(v any) error {
	enc := json.NewEncoder(cc.Out)
	enc.SetIndent("", "  ")

	if err := enc.Encode(v); err != nil {
		return fmt.Errorf("encoding JSON output: %w", err)
	}

	return nil
}

// formatTime returns a compact local timestamp for display.
func formatTime(t time.Time, now time.Time) string {
	if t.IsZero() {
		return "-"
	}

	t = t.Local()

	// Same calendar year: show "Jan  2 15:04"
	if t.Year() == now.Year() {
		return t.Format("Jan _2 15:04")
	}

	// Different year: show "Jan  2  2006"
	return t.Format("Jan _2  2006")
}

// truncateNote shortens a note to the table width, replacing newlines so
// one entry stays on one row.
func truncateNote(note string) string {
	note = strings.Join(strings.Fields(note), " ")

	if utf8.RuneCountInString(note) <= noteDisplayWidth {
		return note
	}

	runes := []rune(note)

	return string(runes[:noteDisplayWidth-1]) + "…"
}

// printTable writes aligned columns to the given writer.
// headers and each row must have the same length.
func printTable(w io.Writer, headers []string, rows [][]string) {
	widths := make([]int, len(headers))
	for i, h := range headers {
		widths[i] = utf8.RuneCountInString(h)
	}

	for _, row := range rows {
		for i, cell := range row {
			if n := utf8.RuneCountInString(cell); n > widths[i] {
				widths[i] = n
			}
		}
	}

	printRow(w, headers, widths)

	for _, row := range rows {
		printRow(w, row, widths)
	}
}

// printRow writes a single padded row. The last column is not padded.
func printRow(w io.Writer, cells []string, widths []int) {
	parts := make([]string, len(cells))
	for i, cell := range cells {
		if i == len(cells)-1 {
			parts[i] = cell

			continue
		}

		parts[i] = cell + strings.Repeat(" ", widths[i]-utf8.RuneCountInString(cell))
	}

	fmt.Fprintln(w, strings.Join(parts, "  "))
}
