// Package sanitize implements the cross-model payload sanitizer: it
// strips model-family-specific opaque "thinking signatures" from an
// outgoing request payload when that payload is about to be replayed
// against a different model family. Grounded on the teacher's
// internal/thinking/strip.go (gjson-validated, sjson-deleted field
// stripping) and on the thoughtSignature handling in
// internal/translator/antigravity/claude/antigravity_claude_request.go.
package sanitize

import (
	"fmt"

	"github.com/antigravity-broker/broker/internal/account"
	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"
)

// Result is the sanitizer's output.
type Result struct {
	Payload            []byte
	Modified           bool
	SignaturesStripped int
}

// Options configures field-level behavior not dictated purely by shape.
type Options struct {
	// PreserveNonSignatureMetadata keeps sibling metadata keys (e.g.
	// groundingMetadata, searchEntryPoint, cache_control) and only removes
	// the google/metadata wrapper when it is left truly empty. Defaults to
	// true via DefaultOptions.
	PreserveNonSignatureMetadata bool
}

// DefaultOptions matches the teacher's conservative default of never
// dropping a field that isn't a signature.
func DefaultOptions() Options { return Options{PreserveNonSignatureMetadata: true} }

// Sanitize recursively scans the known payload shapes (contents[*].parts,
// messages[*].content, extra_body.messages[*].content, wrapped
// requests[*]) and strips family-incompatible thinking signatures when
// the target model's family differs from the content's own family. It
// never drops whole parts, only signature fields and the metadata
// wrappers left empty by their removal.
func Sanitize(payload []byte, targetModel string, opts Options) (Result, error) {
	if !gjson.ValidBytes(payload) {
		return Result{Payload: payload}, fmt.Errorf("sanitize: payload is not valid JSON")
	}
	target := account.ResolveFamilyFromModel(targetModel)

	out := payload
	total := 0

	if requests := gjson.GetBytes(out, "requests"); requests.IsArray() {
		n := len(requests.Array())
		for i := 0; i < n; i++ {
			prefix := fmt.Sprintf("requests.%d", i)
			var stripped int
			out, stripped = sanitizeAt(out, prefix, target, opts)
			total += stripped
		}
		return Result{Payload: out, Modified: total > 0, SignaturesStripped: total}, nil
	}

	out, total = sanitizeAt(out, "", target, opts)
	return Result{Payload: out, Modified: total > 0, SignaturesStripped: total}, nil
}

// sanitizeAt dispatches on the shape found at prefix: gemini-style
// contents[*].parts, or claude-style messages[*].content /
// extra_body.messages[*].content. Unknown target family or no recognized
// shape both yield a no-op.
func sanitizeAt(body []byte, prefix string, target account.Family, opts Options) ([]byte, int) {
	if target == "" {
		return body, 0
	}

	contentsPath := joinPath(prefix, "contents")
	if gjson.GetBytes(body, contentsPath).IsArray() {
		if target == account.FamilyGemini {
			return body, 0 // same family, pass-through
		}
		return stripGeminiParts(body, contentsPath, opts)
	}

	if messagesPath := findMessagesPath(body, prefix); messagesPath != "" {
		if target == account.FamilyClaude {
			return body, 0 // same family, pass-through
		}
		return stripClaudeBlocks(body, messagesPath, opts)
	}

	return body, 0
}

func findMessagesPath(body []byte, prefix string) string {
	direct := joinPath(prefix, "messages")
	if gjson.GetBytes(body, direct).IsArray() {
		return direct
	}
	nested := joinPath(prefix, "extra_body.messages")
	if gjson.GetBytes(body, nested).IsArray() {
		return nested
	}
	return ""
}

// sanitizeSiblingKeys are the known non-signature metadata keys that ride
// alongside a thinking signature. They are only touched when
// PreserveNonSignatureMetadata is false.
var sanitizeSiblingKeys = []string{"groundingMetadata", "searchEntryPoint", "cache_control"}

// stripGeminiParts drops top-level thoughtSignature and
// metadata.google.thoughtSignature from every part. When
// PreserveNonSignatureMetadata is true (the default), only the now-empty
// metadata.google / metadata wrappers are cleaned up and sibling keys are
// left untouched; when false, the metadata.google wrapper is removed
// outright and the known sibling keys are stripped from the part too.
func stripGeminiParts(body []byte, contentsPath string, opts Options) ([]byte, int) {
	out := body
	stripped := 0

	contents := gjson.GetBytes(out, contentsPath)
	for ci, content := range contents.Array() {
		parts := content.Get("parts")
		if !parts.IsArray() {
			continue
		}
		for pi, part := range parts.Array() {
			base := fmt.Sprintf("%s.%d.parts.%d", contentsPath, ci, pi)

			if part.Get("thoughtSignature").Exists() {
				out, _ = sjson.DeleteBytes(out, base+".thoughtSignature")
				stripped++
			}

			if part.Get("metadata.google.thoughtSignature").Exists() {
				if opts.PreserveNonSignatureMetadata {
					out, _ = sjson.DeleteBytes(out, base+".metadata.google.thoughtSignature")
					stripped++
					out = cleanupEmptyWrapper(out, base+".metadata.google")
					out = cleanupEmptyWrapper(out, base+".metadata")
				} else {
					out, _ = sjson.DeleteBytes(out, base+".metadata.google")
					stripped++
					out = cleanupEmptyWrapper(out, base+".metadata")
				}
			}

			if !opts.PreserveNonSignatureMetadata {
				for _, key := range sanitizeSiblingKeys {
					if part.Get(key).Exists() {
						out, _ = sjson.DeleteBytes(out, base+"."+key)
					}
				}
			}
		}
	}
	return out, stripped
}

// stripClaudeBlocks drops "signature" from thinking and redacted_thinking
// content blocks. When PreserveNonSignatureMetadata is false, the known
// sibling keys (e.g. cache_control) are stripped from the block as well.
func stripClaudeBlocks(body []byte, messagesPath string, opts Options) ([]byte, int) {
	out := body
	stripped := 0

	messages := gjson.GetBytes(out, messagesPath)
	for mi, message := range messages.Array() {
		content := message.Get("content")
		if !content.IsArray() {
			continue
		}
		for bi, block := range content.Array() {
			blockType := block.Get("type").String()
			if blockType != "thinking" && blockType != "redacted_thinking" {
				continue
			}
			base := fmt.Sprintf("%s.%d.content.%d", messagesPath, mi, bi)

			if block.Get("signature").Exists() {
				out, _ = sjson.DeleteBytes(out, base+".signature")
				stripped++
			}

			if !opts.PreserveNonSignatureMetadata {
				for _, key := range sanitizeSiblingKeys {
					if block.Get(key).Exists() {
						out, _ = sjson.DeleteBytes(out, base+"."+key)
					}
				}
			}
		}
	}
	return out, stripped
}

// cleanupEmptyWrapper deletes path if the object it points to is present
// and has no remaining keys.
func cleanupEmptyWrapper(body []byte, path string) []byte {
	v := gjson.GetBytes(body, path)
	if !v.IsObject() {
		return body
	}
	if len(v.Map()) != 0 {
		return body
	}
	out, _ := sjson.DeleteBytes(body, path)
	return out
}

func joinPath(prefix, suffix string) string {
	if prefix == "" {
		return suffix
	}
	return prefix + "." + suffix
}
