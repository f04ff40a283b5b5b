package scrapbookd

import (
	"testing"
)

func TestLoadConfig_Defaults(t *testing.T) {
	t.Parallel()

	root := t.TempDir()
	cfg, err := LoadConfig(root)
	if err != nil {
		t.Fatalf("LoadConfig() error = %v", err)
	}

	if cfg.AppName != "scrapbook" {
		t.Errorf("AppName = %q, want %q", cfg.AppName, "scrapbook")
	}
	if cfg.ZipCacheMaxOpen != 256 {
		t.Errorf("ZipCacheMaxOpen = %d, want 256", cfg.ZipCacheMaxOpen)
	}
	if cfg.AppRoot != root {
		t.Errorf("AppRoot = %q, want %q", cfg.AppRoot, root)
	}
}

func TestParseTrustedSourcesCSV(t *testing.T) {
	t.Parallel()

	prefixes, err := parseTrustedSourcesCSV("127.0.0.1/32, 10.0.0.0/8 ,192.168.1.5")
	if err != nil {
		t.Fatalf("parseTrustedSourcesCSV() error = %v", err)
	}
	if len(prefixes) != 3 {
		t.Fatalf("len(prefixes) = %d, want 3", len(prefixes))
	}
}

func TestParseTrustedSourcesCSV_Invalid(t *testing.T) {
	t.Parallel()

	if _, err := parseTrustedSourcesCSV("not-an-ip"); err == nil {
		t.Fatalf("parseTrustedSourcesCSV() error = nil, want error for invalid entry")
	}
}

func TestConfig_Validate_RejectsEmptyRoot(t *testing.T) {
	t.Parallel()

	_, err := LoadConfig("")
	if err == nil {
		t.Fatalf("LoadConfig(\"\") error = nil, want error")
	}
}
