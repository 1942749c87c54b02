package config_test

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/MrWong99/ambiance/internal/config"
)

func TestValidate_Errors(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name string
		yaml string
		want string
	}{
		{
			name: "invalid log level",
			yaml: "server:\n  log_level: verbose\n",
			want: "server.log_level",
		},
		{
			name: "invalid output mode",
			yaml: "output:\n  mode: speakers\n",
			want: "output.mode",
		},
		{
			name: "device mode without device",
			yaml: "output:\n  mode: explicit-device\n",
			want: "output.device",
		},
		{
			name: "auto connect without token",
			yaml: "voice:\n  guild_id: \"1\"\n  channel_id: \"2\"\n  auto_connect: true\n",
			want: "voice.token",
		},
		{
			name: "auto connect with blank channel",
			yaml: "voice:\n  token: t\n  guild_id: \"1\"\n  channel_id: \"  \"\n  auto_connect: true\n",
			want: "voice.channel_id",
		},
		{
			name: "element without id",
			yaml: "library:\n  elements:\n    - file: a.wav\n",
			want: "library.elements[0].id",
		},
		{
			name: "element without file",
			yaml: "library:\n  elements:\n    - id: a\n",
			want: "library.elements[0].file",
		},
		{
			name: "duplicate element",
			yaml: "library:\n  elements:\n    - {id: a, file: a.wav}\n    - {id: a, file: b.wav}\n",
			want: "duplicate",
		},
		{
			name: "invalid channel",
			yaml: "library:\n  elements:\n    - {id: a, file: a.wav, channel: drums}\n",
			want: "channel",
		},
		{
			name: "group with unknown member",
			yaml: "library:\n  elements:\n    - {id: a, file: a.wav}\n  groups:\n    - {id: g, members: [a, b]}\n",
			want: `unknown element "b"`,
		},
		{
			name: "negative pacing capacity",
			yaml: "pacing:\n  capacity: -1\n",
			want: "pacing.capacity",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			_, err := config.LoadFromReader(strings.NewReader(tt.yaml))
			if err == nil {
				t.Fatal("expected error, got nil")
			}
			if !strings.Contains(err.Error(), tt.want) {
				t.Errorf("error should mention %q, got: %v", tt.want, err)
			}
		})
	}
}

func TestValidate_MultipleErrors(t *testing.T) {
	t.Parallel()
	yaml := `
server:
  log_level: loud
output:
  mode: nowhere
library:
  elements:
    - id: ""
`
	_, err := config.LoadFromReader(strings.NewReader(yaml))
	if err == nil {
		t.Fatal("expected error, got nil")
	}
	msg := err.Error()
	for _, want := range []string{"server.log_level", "output.mode", "library.elements[0].id", "library.elements[0].file"} {
		if !strings.Contains(msg, want) {
			t.Errorf("error should mention %q, got: %v", want, err)
		}
	}
}

func TestLoad_File(t *testing.T) {
	t.Parallel()
	path := filepath.Join(t.TempDir(), "ambiance.yaml")
	if err := os.WriteFile(path, []byte(sampleYAML), 0o644); err != nil {
		t.Fatal(err)
	}
	cfg, err := config.Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if len(cfg.Library.Groups) != 1 || cfg.Library.Groups[0].ID != "storm" {
		t.Errorf("groups: got %+v", cfg.Library.Groups)
	}
}

func TestLoad_MissingFile(t *testing.T) {
	t.Parallel()
	_, err := config.Load(filepath.Join(t.TempDir(), "missing.yaml"))
	if err == nil {
		t.Fatal("expected error for missing file")
	}
	if !strings.Contains(err.Error(), "config: open") {
		t.Errorf("unexpected error: %v", err)
	}
}
