package logging

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/gluk-w/portdash/internal/config"
)

func TestReadTail(t *testing.T) {
	path := filepath.Join(t.TempDir(), "portdash.log")
	var b strings.Builder
	for i := 1; i <= 12; i++ {
		fmt.Fprintf(&b, "line %d\n", i)
	}
	if err := os.WriteFile(path, []byte(b.String()), 0644); err != nil {
		t.Fatal(err)
	}

	old := config.Cfg.LogPath
	config.Cfg.LogPath = path
	t.Cleanup(func() { config.Cfg.LogPath = old })

	got, err := ReadTail(3)
	if err != nil {
		t.Fatalf("ReadTail: %v", err)
	}
	if got != "line 10\nline 11\nline 12" {
		t.Errorf("ReadTail(3) = %q", got)
	}

	got, err = ReadTail(50)
	if err != nil {
		t.Fatalf("ReadTail: %v", err)
	}
	if !strings.HasPrefix(got, "line 1\n") || !strings.HasSuffix(got, "line 12") {
		t.Errorf("ReadTail(50) = %q", got)
	}
}

func TestReadTailMissingFile(t *testing.T) {
	old := config.Cfg.LogPath
	config.Cfg.LogPath = filepath.Join(t.TempDir(), "absent.log")
	t.Cleanup(func() { config.Cfg.LogPath = old })

	got, err := ReadTail(10)
	if err != nil || got != "" {
		t.Errorf("ReadTail on missing file = %q, %v", got, err)
	}
}
