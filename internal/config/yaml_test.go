package config

import (
	"strings"
	"testing"
)

type sampleConfig struct {
	Name    string   `yaml:"name"`
	Count   int      `yaml:"count"`
	Targets []string `yaml:"targets"`
}

func TestDecodeValidDocument(t *testing.T) {
	data := []byte("name: runner\ncount: 3\ntargets:\n  - a\n  - b\n")

	var cfg sampleConfig
	if err := Decode(data, &cfg, DefaultLimits()); err != nil {
		t.Fatalf("Decode() error = %v", err)
	}
	if cfg.Name != "runner" || cfg.Count != 3 {
		t.Errorf("decoded %+v, want name=runner count=3", cfg)
	}
	if len(cfg.Targets) != 2 {
		t.Errorf("targets = %v, want 2 entries", cfg.Targets)
	}
}

func TestDecodeRejectsOversizedInput(t *testing.T) {
	limits := DefaultLimits()
	limits.MaxSize = 16

	var cfg sampleConfig
	if err := Decode([]byte("name: "+strings.Repeat("x", 32)+"\n"), &cfg, limits); err == nil {
		t.Fatal("Decode() with oversized input should fail")
	}
}

func TestDecodeRejectsExcessiveDepth(t *testing.T) {
	limits := DefaultLimits()
	limits.MaxDepth = 3

	var doc strings.Builder
	for i := 0; i < 6; i++ {
		doc.WriteString(strings.Repeat("  ", i))
		doc.WriteString("k:\n")
	}
	doc.WriteString(strings.Repeat("  ", 6))
	doc.WriteString("v: 1\n")

	var out map[string]any
	if err := Decode([]byte(doc.String()), &out, limits); err == nil {
		t.Fatal("Decode() with deep nesting should fail")
	}
}

func TestDecodeRejectsExcessiveNodeCount(t *testing.T) {
	limits := DefaultLimits()
	limits.MaxNodes = 10

	var doc strings.Builder
	for i := 0; i < 20; i++ {
		doc.WriteString("key")
		doc.WriteByte(byte('a' + i))
		doc.WriteString(": 1\n")
	}

	var out map[string]any
	if err := Decode([]byte(doc.String()), &out, limits); err == nil {
		t.Fatal("Decode() with too many nodes should fail")
	}
}

func TestDecodeRejectsLongKeys(t *testing.T) {
	limits := DefaultLimits()
	limits.MaxKeyLength = 8

	var out map[string]any
	if err := Decode([]byte(strings.Repeat("k", 16)+": 1\n"), &out, limits); err == nil {
		t.Fatal("Decode() with an overlong key should fail")
	}
}

func TestDecodeRejectsLargeValues(t *testing.T) {
	limits := DefaultLimits()
	limits.MaxValueSize = 8

	var out map[string]any
	if err := Decode([]byte("k: "+strings.Repeat("v", 16)+"\n"), &out, limits); err == nil {
		t.Fatal("Decode() with an oversized value should fail")
	}
}

func TestDecodeRejectsMalformedYAML(t *testing.T) {
	var out map[string]any
	if err := Decode([]byte("key: [unclosed\n"), &out, DefaultLimits()); err == nil {
		t.Fatal("Decode() with malformed yaml should fail")
	}
}

func TestDecodeReader(t *testing.T) {
	var cfg sampleConfig
	if err := DecodeReader(strings.NewReader("name: runner\n"), &cfg, DefaultLimits()); err != nil {
		t.Fatalf("DecodeReader() error = %v", err)
	}
	if cfg.Name != "runner" {
		t.Errorf("Name = %q, want runner", cfg.Name)
	}

	limits := DefaultLimits()
	limits.MaxSize = 4
	if err := DecodeReader(strings.NewReader("name: runner\n"), &cfg, limits); err == nil {
		t.Fatal("DecodeReader() past the size limit should fail")
	}
}
