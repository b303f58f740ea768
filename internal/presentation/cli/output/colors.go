package output

import (
	"os"

	"github.com/mattn/go-isatty"
)

// ColorSupported reports whether colored output should be written to f.
// NO_COLOR disables colors and FORCE_COLOR enables them regardless of the
// terminal. getenv is usually os.Getenv.
func ColorSupported(f *os.File, getenv func(string) string) bool {
	if getenv("NO_COLOR") != "" {
		return false
	}
	if getenv("FORCE_COLOR") != "" {
		return true
	}
	if term := getenv("TERM"); term == "" || term == "dumb" {
		return false
	}
	if f == nil {
		return false
	}
	return isatty.IsTerminal(f.Fd()) || isatty.IsCygwinTerminal(f.Fd())
}
