package velox

import "testing"

func TestConfigApplyDefaultsFillsZeroValues(t *testing.T) {
	var c Config
	c.applyDefaults()

	if c.Path == "" {
		t.Fatalf("expected a default path")
	}
	if c.MemTableSizeMB != defaultMemTableSizeMB {
		t.Fatalf("expected default memtable size, got %d", c.MemTableSizeMB)
	}
	if c.L1CacheSize != defaultL1CacheSize || c.L2CacheSize != defaultL2CacheSize || c.L3CacheSize != defaultL3CacheSize {
		t.Fatalf("expected default cache sizes, got %d/%d/%d", c.L1CacheSize, c.L2CacheSize, c.L3CacheSize)
	}
	if c.FlushInterval != defaultFlushInterval || c.CompactionInterval != defaultCompactionInterval {
		t.Fatalf("expected default intervals, got %v/%v", c.FlushInterval, c.CompactionInterval)
	}
}

func TestConfigApplyDefaultsPreservesExplicitValues(t *testing.T) {
	c := Config{Path: "/tmp/custom", MemTableSizeMB: 64}
	c.applyDefaults()

	if c.Path != "/tmp/custom" {
		t.Fatalf("expected explicit path to survive, got %q", c.Path)
	}
	if c.MemTableSizeMB != 64 {
		t.Fatalf("expected explicit memtable size to survive, got %d", c.MemTableSizeMB)
	}
}

func TestConfigMemTableSizeBytes(t *testing.T) {
	c := Config{MemTableSizeMB: 16}
	if got := c.memTableSizeBytes(); got != 16*1024*1024 {
		t.Fatalf("expected 16 MiB in bytes, got %d", got)
	}
}
