package main

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

const listenersYAML = `
listeners:
  - id: 0x7E8
    fc_id: 0x7E0
    block_size: 8
    stmin: 2ms
    timeout: 250ms
    padding: false
    buffer_size: 512
  - id: "0x7E9"
`

func TestParseListeners(t *testing.T) {
	ls, err := parseListeners([]byte(listenersYAML))
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if len(ls) != 2 {
		t.Fatalf("got %d listeners", len(ls))
	}
	l := ls[0]
	if l.ID != 0x7E8 || l.FlowControlID != 0x7E0 || l.BlockSize != 8 || l.STmin != 2*time.Millisecond ||
		l.Timeout != 250*time.Millisecond || l.Padding == nil || *l.Padding || l.BufferSize != 512 {
		t.Fatalf("unexpected first listener %+v", l)
	}
	if ls[1].ID != 0x7E9 || ls[1].FlowControlID != 0 || ls[1].Padding != nil {
		t.Fatalf("unexpected second listener %+v", ls[1])
	}
}

func TestParseListeners_Errors(t *testing.T) {
	bad := []string{
		"listeners:\n  - id: 0x800\n",
		"listeners:\n  - id: \"nope\"\n",
		"listeners:\n  - id: 0x7E8\n    unknown: 1\n",
	}
	for _, doc := range bad {
		if _, err := parseListeners([]byte(doc)); err == nil {
			t.Fatalf("expected error for %q", doc)
		}
	}
}

func TestLoadListeners_MergeAndDuplicates(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "listeners.yaml")
	if err := os.WriteFile(path, []byte(listenersYAML), 0o600); err != nil {
		t.Fatalf("write: %v", err)
	}
	cfg := defaultConfig()
	cfg.listenersFile = path
	cfg.listenIDs = "0x708"
	ls, err := loadListeners(cfg)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if len(ls) != 3 || ls[2].ID != 0x708 {
		t.Fatalf("unexpected listeners %+v", ls)
	}

	cfg.listenIDs = "0x7E9"
	if _, err := loadListeners(cfg); err == nil {
		t.Fatalf("expected duplicate listener error")
	}

	cfg.listenersFile = filepath.Join(dir, "missing.yaml")
	cfg.listenIDs = ""
	if _, err := loadListeners(cfg); err == nil {
		t.Fatalf("expected read error")
	}
}

func TestFilterIDs(t *testing.T) {
	cfg := defaultConfig()
	ls, _ := parseListeners([]byte(listenersYAML))
	if ids, err := filterIDs(cfg, ls); err != nil || ids != nil {
		t.Fatalf("filter should be disabled: %v %v", ids, err)
	}
	cfg.canFilter = "0x708,0x7E8"
	ids, err := filterIDs(cfg, ls)
	if err != nil {
		t.Fatalf("filterIDs: %v", err)
	}
	want := []uint16{0x7E8, 0x7E9, 0x708}
	if len(ids) != len(want) {
		t.Fatalf("got %v", ids)
	}
	for i := range want {
		if ids[i] != want[i] {
			t.Fatalf("id %d: got 0x%X want 0x%X", i, ids[i], want[i])
		}
	}
}
