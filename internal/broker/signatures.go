package broker

import (
	"bytes"
	"compress/gzip"
	"io"

	"github.com/klauspost/compress/zstd"
	"github.com/tidwall/gjson"
)

// decompressBody undoes a response's Content-Encoding before the body is
// scanned for thinking-signature blocks, mirroring the teacher's
// decompressResponse dispatch (internal/logging/request_logger.go) but
// limited to the two encodings SPEC_FULL.md's broker actually exercises.
// An empty or unrecognized encoding, or a decompression failure, returns
// the body unchanged so scanning still runs best-effort against whatever
// bytes were received.
func decompressBody(contentEncoding string, body []byte) []byte {
	switch contentEncoding {
	case "gzip":
		r, err := gzip.NewReader(bytes.NewReader(body))
		if err != nil {
			return body
		}
		defer r.Close()
		out, err := io.ReadAll(r)
		if err != nil {
			return body
		}
		return out
	case "zstd":
		dec, err := zstd.NewReader(bytes.NewReader(body))
		if err != nil {
			return body
		}
		defer dec.Close()
		out, err := io.ReadAll(dec)
		if err != nil {
			return body
		}
		return out
	default:
		return body
	}
}

// extractThoughtSignatures scans a (decompressed) response body for the
// same two thinking-signature shapes the sanitizer strips — gemini
// contents[*].parts[*] and claude messages[*].content[*] — and returns the
// signed thought text mapped to its opaque signature, ready for the
// signature cache. Parts/blocks without both a text body and a signature
// are skipped; an unparseable body, or one with no signed blocks, yields
// nil rather than an error, since signature ingestion is best-effort.
func extractThoughtSignatures(body []byte) map[string]string {
	if !gjson.ValidBytes(body) {
		return nil
	}
	out := make(map[string]string)

	contents := gjson.GetBytes(body, "contents")
	if contents.IsArray() {
		for _, content := range contents.Array() {
			parts := content.Get("parts")
			if !parts.IsArray() {
				continue
			}
			for _, part := range parts.Array() {
				sig := part.Get("thoughtSignature")
				text := part.Get("text")
				if sig.Exists() && sig.String() != "" && text.Exists() && text.String() != "" {
					out[text.String()] = sig.String()
				}
			}
		}
	}

	for _, messagesPath := range []string{"messages", "extra_body.messages"} {
		messages := gjson.GetBytes(body, messagesPath)
		if !messages.IsArray() {
			continue
		}
		for _, message := range messages.Array() {
			content := message.Get("content")
			if !content.IsArray() {
				continue
			}
			for _, block := range content.Array() {
				if block.Get("type").String() != "thinking" {
					continue
				}
				sig := block.Get("signature")
				text := block.Get("thinking")
				if sig.Exists() && sig.String() != "" && text.Exists() && text.String() != "" {
					out[text.String()] = sig.String()
				}
			}
		}
	}

	if len(out) == 0 {
		return nil
	}
	return out
}
