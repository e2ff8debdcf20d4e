//go:build !no_automation

package automation

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func newTestManager(t *testing.T) *Manager {
	t.Helper()
	m, err := NewManager(filepath.Join(t.TempDir(), "scripts"), testLogger())
	if err != nil {
		t.Fatal(err)
	}
	return m
}

func TestManagerListEmpty(t *testing.T) {
	m := newTestManager(t)
	scripts, err := m.List()
	if err != nil {
		t.Fatal(err)
	}
	if len(scripts) != 0 {
		t.Errorf("list count = %d, want 0", len(scripts))
	}
}

func TestManagerSaveAndGet(t *testing.T) {
	m := newTestManager(t)

	saved, err := m.Save(&Script{
		Meta:    ScriptMeta{Name: "Night Timelapse", Description: "record at night", Enabled: true},
		LuaCode: `camera.log("hello")`,
	})
	if err != nil {
		t.Fatal(err)
	}
	if saved.ID != "night_timelapse" {
		t.Errorf("id = %q, want night_timelapse", saved.ID)
	}

	got, err := m.Get(saved.ID)
	if err != nil {
		t.Fatal(err)
	}
	if got.Meta != saved.Meta {
		t.Errorf("meta = %+v, want %+v", got.Meta, saved.Meta)
	}
	if strings.TrimSpace(got.LuaCode) != `camera.log("hello")` {
		t.Errorf("lua_code = %q", got.LuaCode)
	}
}

func TestManagerSaveExistingID(t *testing.T) {
	m := newTestManager(t)

	saved, err := m.Save(&Script{ID: "my_script", Meta: ScriptMeta{Name: "Mine"}, LuaCode: `camera.log("v1")`})
	if err != nil {
		t.Fatal(err)
	}
	saved.LuaCode = `camera.log("v2")`
	if _, err := m.Save(saved); err != nil {
		t.Fatal(err)
	}

	got, err := m.Get("my_script")
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(got.LuaCode, "v2") {
		t.Errorf("lua_code after update = %q", got.LuaCode)
	}
}

func TestManagerUniqueID(t *testing.T) {
	m := newTestManager(t)
	s1, err := m.Save(&Script{Meta: ScriptMeta{Name: "Dup"}})
	if err != nil {
		t.Fatal(err)
	}
	s2, err := m.Save(&Script{Meta: ScriptMeta{Name: "Dup"}})
	if err != nil {
		t.Fatal(err)
	}
	if s1.ID == s2.ID {
		t.Errorf("expected unique IDs, got %q for both", s1.ID)
	}
}

func TestManagerDeleteAndNotFound(t *testing.T) {
	m := newTestManager(t)
	saved, err := m.Save(&Script{Meta: ScriptMeta{Name: "Gone"}})
	if err != nil {
		t.Fatal(err)
	}
	if err := m.Delete(saved.ID); err != nil {
		t.Fatal(err)
	}
	if _, err := m.Get(saved.ID); !errors.Is(err, ErrScriptNotFound) {
		t.Errorf("get after delete: err = %v", err)
	}
	if err := m.Delete(saved.ID); !errors.Is(err, ErrScriptNotFound) {
		t.Errorf("second delete: err = %v", err)
	}
}

func TestManagerRejectsPathIDs(t *testing.T) {
	m := newTestManager(t)
	for _, id := range []string{"../etc", "a/b", "..", ""} {
		if _, err := m.Get(id); err == nil {
			t.Errorf("Get(%q) succeeded", id)
		}
	}
	if _, err := m.Save(&Script{ID: "../escape"}); err == nil {
		t.Error("Save with path id succeeded")
	}
}

func TestManagerListSkipsOtherFiles(t *testing.T) {
	m := newTestManager(t)
	if _, err := m.Save(&Script{Meta: ScriptMeta{Name: "One"}}); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(m.dir, "notes.txt"), []byte("x"), 0o644); err != nil {
		t.Fatal(err)
	}
	if err := os.Mkdir(filepath.Join(m.dir, "sub.lua"), 0o755); err != nil {
		t.Fatal(err)
	}
	scripts, err := m.List()
	if err != nil {
		t.Fatal(err)
	}
	if len(scripts) != 1 {
		t.Errorf("list count = %d, want 1", len(scripts))
	}
}

func TestDecodeScript(t *testing.T) {
	tests := []struct {
		name    string
		content string
		meta    ScriptMeta
		code    string
	}{
		{
			"with metadata",
			"-- {\"name\":\"Shutter at dawn\",\"enabled\":true}\n\ncamera.shutter(true)\n",
			ScriptMeta{Name: "Shutter at dawn", Enabled: true},
			"camera.shutter(true)\n",
		},
		{
			"plain lua",
			"camera.log(\"x\")\n",
			ScriptMeta{},
			"camera.log(\"x\")\n",
		},
		{
			"bad metadata",
			"-- {not json\ncamera.log(\"y\")",
			ScriptMeta{},
			"camera.log(\"y\")",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := decodeScript(tt.content)
			if s.Meta != tt.meta {
				t.Errorf("meta = %+v, want %+v", s.Meta, tt.meta)
			}
			if s.LuaCode != tt.code {
				t.Errorf("code = %q, want %q", s.LuaCode, tt.code)
			}
		})
	}
}

func TestEncodeDecodeScript(t *testing.T) {
	in := &Script{Meta: ScriptMeta{Name: "T", Description: "d", Enabled: true}, LuaCode: `camera.hilight()`}
	out := decodeScript(encodeScript(in))
	if out.Meta != in.Meta || strings.TrimSpace(out.LuaCode) != in.LuaCode {
		t.Errorf("got %+v", out)
	}
}

func TestSlugify(t *testing.T) {
	tests := []struct {
		input string
		want  string
	}{
		{"Night Timelapse", "night_timelapse"},
		{"hello world!", "hello_world"},
		{"", ""},
		{"  spaces  ", "spaces"},
		{"UPPER", "upper"},
	}
	for _, tt := range tests {
		if got := slugify(tt.input); got != tt.want {
			t.Errorf("slugify(%q) = %q, want %q", tt.input, got, tt.want)
		}
	}
}
