// Package output renders command results as text, tables or JSON.
package output

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strings"
	"sync"
)

// Format represents the output format type.
type Format string

const (
	FormatText  Format = "text"
	FormatTable Format = "table"
	FormatJSON  Format = "json"
)

// Color is an ANSI escape sequence.
type Color string

const (
	ColorReset  Color = "\033[0m"
	ColorRed    Color = "\033[31m"
	ColorGreen  Color = "\033[32m"
	ColorYellow Color = "\033[33m"
	ColorBlue   Color = "\033[34m"
	ColorCyan   Color = "\033[36m"
	ColorBold   Color = "\033[1m"
	ColorDim    Color = "\033[2m"
)

// Formatter writes human or machine readable output. It is safe for
// concurrent use.
type Formatter struct {
	mu           sync.Mutex
	writer       io.Writer
	format       Format
	colorEnabled bool
	indent       string
}

// Option configures a Formatter.
type Option func(*Formatter)

// NewFormatter creates a Formatter writing text to stdout.
func NewFormatter(opts ...Option) *Formatter {
	f := &Formatter{
		writer: os.Stdout,
		format: FormatText,
		indent: "  ",
	}
	for _, opt := range opts {
		opt(f)
	}
	return f
}

// WithWriter sets the output writer.
func WithWriter(w io.Writer) Option {
	return func(f *Formatter) { f.writer = w }
}

// WithFormat sets the output format.
func WithFormat(format Format) Option {
	return func(f *Formatter) { f.format = format }
}

// WithColor enables or disables ANSI colors.
func WithColor(enabled bool) Option {
	return func(f *Formatter) { f.colorEnabled = enabled }
}

// Format returns the current output format.
func (f *Formatter) Format() Format {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.format
}

// Write implements io.Writer.
func (f *Formatter) Write(p []byte) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.writer.Write(p)
}

// Println writes a formatted line.
func (f *Formatter) Println(format string, args ...any) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	_, err := fmt.Fprintf(f.writer, format+"\n", args...)
	return err
}

// Colorize wraps text in color when colors are enabled.
func (f *Formatter) Colorize(text string, color Color) string {
	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.colorEnabled {
		return text
	}
	return string(color) + text + string(ColorReset)
}

// Success prints a green check line.
func (f *Formatter) Success(format string, args ...any) error {
	return f.Println("%s", f.Colorize("✓ "+fmt.Sprintf(format, args...), ColorGreen))
}

// Error prints a red cross line.
func (f *Formatter) Error(format string, args ...any) error {
	return f.Println("%s", f.Colorize("✗ "+fmt.Sprintf(format, args...), ColorRed))
}

// Warning prints a yellow warning line.
func (f *Formatter) Warning(format string, args ...any) error {
	return f.Println("%s", f.Colorize("⚠ "+fmt.Sprintf(format, args...), ColorYellow))
}

// Info prints a blue info line.
func (f *Formatter) Info(format string, args ...any) error {
	return f.Println("%s", f.Colorize("ℹ "+fmt.Sprintf(format, args...), ColorBlue))
}

// Bold styles text as bold.
func (f *Formatter) Bold(text string) string {
	return f.Colorize(text, ColorBold)
}

// Dim styles text as muted.
func (f *Formatter) Dim(text string) string {
	return f.Colorize(text, ColorDim)
}

// Header prints an underlined section title.
func (f *Formatter) Header(msg string) error {
	if err := f.Println("%s", f.Bold(msg)); err != nil {
		return err
	}
	return f.Println("%s", strings.Repeat("─", len([]rune(msg))))
}

// Item prints an indented key-value pair.
func (f *Formatter) Item(key, value string) error {
	return f.Println("  %s: %s", f.Dim(key), value)
}

// Alignment is a table cell alignment.
type Alignment int

const (
	AlignLeft Alignment = iota
	AlignRight
)

// TableColumn describes one table column.
type TableColumn struct {
	Header string
	Align  Alignment
}

// TableData holds the columns and rows of a table.
type TableData struct {
	Columns []TableColumn
	Rows    [][]string
}

// Table prints data as an aligned table. Cells beyond the column count are
// dropped.
func (f *Formatter) Table(data TableData) error {
	if len(data.Columns) == 0 {
		return nil
	}

	widths := make([]int, len(data.Columns))
	for i, col := range data.Columns {
		widths[i] = len(col.Header)
	}
	for _, row := range data.Rows {
		for i, cell := range row {
			if i < len(widths) && len(cell) > widths[i] {
				widths[i] = len(cell)
			}
		}
	}

	line := func(cells []string) string {
		parts := make([]string, 0, len(data.Columns))
		for i, col := range data.Columns {
			cell := ""
			if i < len(cells) {
				cell = cells[i]
			}
			parts = append(parts, padCell(cell, widths[i], col.Align))
		}
		return strings.TrimRight(strings.Join(parts, "  "), " ")
	}

	headers := make([]string, len(data.Columns))
	rules := make([]string, len(data.Columns))
	for i, col := range data.Columns {
		headers[i] = col.Header
		rules[i] = strings.Repeat("-", widths[i])
	}
	if err := f.Println("%s", f.Bold(line(headers))); err != nil {
		return err
	}
	if err := f.Println("%s", line(rules)); err != nil {
		return err
	}
	for _, row := range data.Rows {
		if err := f.Println("%s", line(row)); err != nil {
			return err
		}
	}
	return nil
}

func padCell(text string, width int, align Alignment) string {
	if len(text) >= width {
		return text
	}
	pad := strings.Repeat(" ", width-len(text))
	if align == AlignRight {
		return pad + text
	}
	return text + pad
}

// JSON writes data as indented JSON.
func (f *Formatter) JSON(data any) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	enc := json.NewEncoder(f.writer)
	enc.SetIndent("", f.indent)
	return enc.Encode(data)
}

// Render writes data as JSON in JSON mode and as the table otherwise.
func (f *Formatter) Render(data any, table TableData) error {
	if f.Format() == FormatJSON {
		return f.JSON(data)
	}
	return f.Table(table)
}

// ParseFormat parses a --output value.
func ParseFormat(s string) (Format, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "text", "":
		return FormatText, nil
	case "table":
		return FormatTable, nil
	case "json":
		return FormatJSON, nil
	default:
		return FormatText, fmt.Errorf("unknown format: %s", s)
	}
}
