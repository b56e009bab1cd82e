package sanitize

import (
	"strings"
	"testing"

	"github.com/tidwall/gjson"
)

// S4 — cross-model sanitization strips gemini signatures for a claude target.
func TestScenarioS4CrossModelStripsGeminiSignatures(t *testing.T) {
	payload := []byte(`{
		"contents": [
			{},
			{"parts": [
				{"thought": true, "text": "...", "thoughtSignature": "` + strings.Repeat("a", 60) + `"},
				{"functionCall": {"name": "Bash", "args": {}}, "metadata": {"google": {"thoughtSignature": "` + strings.Repeat("b", 60) + `"}}}
			]}
		]
	}`)

	result, err := Sanitize(payload, "claude-opus-4", DefaultOptions())
	if err != nil {
		t.Fatalf("Sanitize() error = %v", err)
	}
	if !result.Modified {
		t.Fatal("expected modified=true")
	}
	if result.SignaturesStripped != 2 {
		t.Fatalf("SignaturesStripped = %d, want 2", result.SignaturesStripped)
	}

	part0 := gjson.GetBytes(result.Payload, "contents.1.parts.0")
	if part0.Get("thoughtSignature").Exists() {
		t.Fatal("expected part 0 thoughtSignature removed")
	}
	part1 := gjson.GetBytes(result.Payload, "contents.1.parts.1")
	if part1.Get("metadata").Exists() {
		t.Fatal("expected part 1 metadata wrapper removed once emptied")
	}
	if part1.Get("functionCall.name").String() != "Bash" {
		t.Fatal("expected functionCall.name preserved")
	}
}

// S5 — same family, no-op.
func TestScenarioS5SameFamilyNoOp(t *testing.T) {
	payload := []byte(`{"contents":[{"parts":[{"thoughtSignature":"` + strings.Repeat("c", 60) + `"}]}]}`)

	result, err := Sanitize(payload, "gemini-3-flash", DefaultOptions())
	if err != nil {
		t.Fatalf("Sanitize() error = %v", err)
	}
	if result.Modified {
		t.Fatal("expected modified=false for same-family replay")
	}
	if gjson.GetBytes(result.Payload, "contents.0.parts.0.thoughtSignature").String() != strings.Repeat("c", 60) {
		t.Fatal("expected signature preserved verbatim")
	}
}

// Property 5 — idempotency: a second application strips nothing.
func TestIdempotentOnSecondApplication(t *testing.T) {
	payload := []byte(`{"contents":[{"parts":[{"thoughtSignature":"` + strings.Repeat("d", 60) + `","metadata":{"google":{"thoughtSignature":"` + strings.Repeat("e", 60) + `"}}}]}]}`)

	first, err := Sanitize(payload, "claude-opus-4", DefaultOptions())
	if err != nil {
		t.Fatalf("first Sanitize() error = %v", err)
	}
	if !first.Modified || first.SignaturesStripped == 0 {
		t.Fatal("expected the first pass to strip signatures")
	}

	second, err := Sanitize(first.Payload, "claude-opus-4", DefaultOptions())
	if err != nil {
		t.Fatalf("second Sanitize() error = %v", err)
	}
	if second.Modified || second.SignaturesStripped != 0 {
		t.Fatalf("expected idempotency, got modified=%v stripped=%d", second.Modified, second.SignaturesStripped)
	}
}

func TestClaudeThinkingBlockSignatureStrippedForGeminiTarget(t *testing.T) {
	payload := []byte(`{"messages":[{"role":"assistant","content":[
		{"type":"thinking","thinking":"...","signature":"` + strings.Repeat("f", 60) + `"},
		{"type":"text","text":"hello"}
	]}]}`)

	result, err := Sanitize(payload, "gemini-3-pro", DefaultOptions())
	if err != nil {
		t.Fatalf("Sanitize() error = %v", err)
	}
	if result.SignaturesStripped != 1 {
		t.Fatalf("SignaturesStripped = %d, want 1", result.SignaturesStripped)
	}
	if gjson.GetBytes(result.Payload, "messages.0.content.0.signature").Exists() {
		t.Fatal("expected thinking block signature removed")
	}
	if gjson.GetBytes(result.Payload, "messages.0.content.0.thinking").String() != "..." {
		t.Fatal("expected thinking text content preserved")
	}
	if gjson.GetBytes(result.Payload, "messages.0.content.1.text").String() != "hello" {
		t.Fatal("expected sibling text block untouched")
	}
}

func TestWrappedRequestsArrayRecursed(t *testing.T) {
	payload := []byte(`{"requests":[
		{"contents":[{"parts":[{"thoughtSignature":"` + strings.Repeat("g", 60) + `"}]}]},
		{"contents":[{"parts":[{"thoughtSignature":"` + strings.Repeat("h", 60) + `"}]}]}
	]}`)

	result, err := Sanitize(payload, "claude-opus-4", DefaultOptions())
	if err != nil {
		t.Fatalf("Sanitize() error = %v", err)
	}
	if result.SignaturesStripped != 2 {
		t.Fatalf("SignaturesStripped = %d, want 2 (one per wrapped request)", result.SignaturesStripped)
	}
}

func TestPreserveNonSignatureMetadataFalseStripsGeminiSiblingKeys(t *testing.T) {
	payload := []byte(`{"contents":[{"parts":[
		{"thoughtSignature":"` + strings.Repeat("j", 60) + `","groundingMetadata":{"a":1},"searchEntryPoint":{"b":2}},
		{"metadata":{"google":{"thoughtSignature":"` + strings.Repeat("k", 60) + `"},"other":"keep-me"}}
	]}]}`)

	opts := Options{PreserveNonSignatureMetadata: false}
	result, err := Sanitize(payload, "claude-opus-4", opts)
	if err != nil {
		t.Fatalf("Sanitize() error = %v", err)
	}

	part0 := gjson.GetBytes(result.Payload, "contents.0.parts.0")
	if part0.Get("groundingMetadata").Exists() || part0.Get("searchEntryPoint").Exists() {
		t.Fatal("expected sibling metadata keys stripped when PreserveNonSignatureMetadata is false")
	}

	part1 := gjson.GetBytes(result.Payload, "contents.0.parts.1")
	if part1.Get("metadata.google").Exists() {
		t.Fatal("expected metadata.google wrapper removed outright, not just when empty")
	}
	if part1.Get("metadata.other").String() != "keep-me" {
		t.Fatal("expected unrelated metadata siblings outside google wrapper left alone")
	}
}

func TestPreserveNonSignatureMetadataFalseStripsClaudeCacheControl(t *testing.T) {
	payload := []byte(`{"messages":[{"role":"assistant","content":[
		{"type":"thinking","thinking":"...","signature":"` + strings.Repeat("l", 60) + `","cache_control":{"type":"ephemeral"}}
	]}]}`)

	opts := Options{PreserveNonSignatureMetadata: false}
	result, err := Sanitize(payload, "gemini-3-pro", opts)
	if err != nil {
		t.Fatalf("Sanitize() error = %v", err)
	}
	block := gjson.GetBytes(result.Payload, "messages.0.content.0")
	if block.Get("signature").Exists() {
		t.Fatal("expected signature removed")
	}
	if block.Get("cache_control").Exists() {
		t.Fatal("expected cache_control stripped when PreserveNonSignatureMetadata is false")
	}
}

func TestUnknownTargetFamilyIsNoOp(t *testing.T) {
	payload := []byte(`{"contents":[{"parts":[{"thoughtSignature":"` + strings.Repeat("i", 60) + `"}]}]}`)
	result, err := Sanitize(payload, "some-other-vendor-model", DefaultOptions())
	if err != nil {
		t.Fatalf("Sanitize() error = %v", err)
	}
	if result.Modified {
		t.Fatal("expected no-op for an unrecognized target family")
	}
}
