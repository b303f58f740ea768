package output

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestColorSupported(t *testing.T) {
	file, err := os.Create(filepath.Join(t.TempDir(), "out"))
	require.NoError(t, err)
	defer file.Close()

	tests := []struct {
		name string
		env  map[string]string
		file *os.File
		want bool
	}{
		{"no color wins", map[string]string{"NO_COLOR": "1", "FORCE_COLOR": "1", "TERM": "xterm"}, file, false},
		{"force color", map[string]string{"FORCE_COLOR": "1"}, file, true},
		{"dumb terminal", map[string]string{"TERM": "dumb"}, file, false},
		{"no term", map[string]string{}, file, false},
		{"regular file", map[string]string{"TERM": "xterm-256color"}, file, false},
		{"nil file", map[string]string{"TERM": "xterm-256color"}, nil, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := ColorSupported(tt.file, func(k string) string { return tt.env[k] })
			assert.Equal(t, tt.want, got)
		})
	}
}
