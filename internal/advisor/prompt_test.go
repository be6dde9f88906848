package advisor

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestPostprocessStripsBold(t *testing.T) {
	got := Postprocess("Save **consistently** and invest **early**.")
	want := "Save consistently and invest early."
	if got != want {
		t.Errorf("expected %q, got %q", want, got)
	}
}

func TestPostprocessLeavesUnpairedMarkers(t *testing.T) {
	got := Postprocess("A lone ** marker stays put")
	if got != "A lone ** marker stays put" {
		t.Errorf("unexpected output: %q", got)
	}
}

func TestPostprocessTrimsWrappingQuotes(t *testing.T) {
	got := Postprocess(`"Start with an emergency fund."`)
	if got != "Start with an emergency fund." {
		t.Errorf("unexpected output: %q", got)
	}

	// Interior quotes survive.
	got = Postprocess(`He said "save more" yesterday`)
	if got != `He said "save more" yesterday` {
		t.Errorf("unexpected output: %q", got)
	}
}

func TestPostprocessCapsLength(t *testing.T) {
	got := Postprocess(strings.Repeat("a", maxReplyRunes+100))
	if len([]rune(got)) != maxReplyRunes {
		t.Errorf("expected %d runes, got %d", maxReplyRunes, len([]rune(got)))
	}
}

func TestBuildRequest(t *testing.T) {
	history := []Turn{{Role: RoleUser, Text: "hi"}, {Role: RoleAssistant, Text: "hello"}}
	req := BuildRequest("system prompt", "Relevant reference material:\n[1] fact", history, "what is a bond", 512)

	if !strings.HasPrefix(req.System, "system prompt") {
		t.Errorf("system prompt missing: %q", req.System)
	}
	if !strings.Contains(req.System, "[1] fact") {
		t.Errorf("knowledge context missing: %q", req.System)
	}
	if len(req.History) != 2 {
		t.Errorf("expected 2 history turns, got %d", len(req.History))
	}
	if req.UserText != "what is a bond" || req.MaxTokens != 512 {
		t.Errorf("unexpected request: %+v", req)
	}
}

func TestBuildRequestNoContext(t *testing.T) {
	req := BuildRequest("system prompt", "  ", nil, "hello", 0)
	if req.System != "system prompt" {
		t.Errorf("expected bare system prompt, got %q", req.System)
	}
}

func TestLoadSystemPromptDefault(t *testing.T) {
	prompt, err := LoadSystemPrompt("")
	if err != nil {
		t.Fatalf("LoadSystemPrompt failed: %v", err)
	}
	if !strings.Contains(prompt, "FinBuddy") {
		t.Errorf("default prompt missing persona: %q", prompt)
	}
}

func TestLoadSystemPromptFromFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "prompt.txt")
	if err := os.WriteFile(path, []byte("custom persona\n"), 0644); err != nil {
		t.Fatalf("write prompt: %v", err)
	}

	prompt, err := LoadSystemPrompt(path)
	if err != nil {
		t.Fatalf("LoadSystemPrompt failed: %v", err)
	}
	if prompt != "custom persona" {
		t.Errorf("unexpected prompt: %q", prompt)
	}
}

func TestLoadSystemPromptMissingFile(t *testing.T) {
	if _, err := LoadSystemPrompt(filepath.Join(t.TempDir(), "missing.txt")); err == nil {
		t.Error("expected error for missing prompt file")
	}
}

func TestLoadSystemPromptEmptyFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "empty.txt")
	if err := os.WriteFile(path, []byte("   \n"), 0644); err != nil {
		t.Fatalf("write prompt: %v", err)
	}
	if _, err := LoadSystemPrompt(path); err == nil {
		t.Error("expected error for empty prompt file")
	}
}
