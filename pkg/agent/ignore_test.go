package agent

import "testing"

func TestIgnored(t *testing.T) {
	tests := []struct {
		path string
		want bool
	}{
		{"main.py", false},
		{"src/app/server.go", false},
		{"README.md", false},
		{"a/b/c/deep.txt", false},
		{"", true},
		{"initial-sync-complete", true},
		{".env", true},
		{".git/config", true},
		{"src/.hidden/file.txt", true},
		{"node_modules/lodash/index.js", true},
		{"src/__pycache__/mod.cpython-311.pyc", true},
		{"build/output.bin", true},
		{"target/debug/app", true},
		{"main.py.swp", true},
		{"notes.txt~", true},
		{"cache.tmp", true},
		{"mod.pyc", true},
		{"#main.py#", true},
		{"src/#scratch#", true},
		{"dist/bundle.js", true},
		{"venv/bin/python", true},
	}

	for _, tt := range tests {
		if got := Ignored(tt.path); got != tt.want {
			t.Errorf("Ignored(%q) = %v, want %v", tt.path, got, tt.want)
		}
	}
}
