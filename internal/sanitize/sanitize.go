// Package sanitize neutralizes untrusted HTML before it is stored in the
// replicated document or handed to the host renderer.
//
// The sanitizer is a byte-by-byte state machine; it never relies on a DOM or
// an HTML parser library. Output is re-emitted in a canonical form: text and
// attribute values are entity-decoded and then minimally re-encoded, tags are
// lowercased and rebuilt from an attribute allowlist. Canonical re-emission
// makes Sanitize idempotent by construction and defends against mutation-XSS,
// since re-parsing the output cannot discover markup that the sanitizer did
// not itself write.
package sanitize

import (
	"strconv"
	"strings"
)

// dangerousTags are stripped together with their text content.
var dangerousTags = map[string]bool{
	"script": true, "style": true, "iframe": true, "svg": true,
	"object": true, "embed": true, "template": true, "math": true,
	"noscript": true, "xmp": true, "plaintext": true,
}

// allowedTags are re-emitted; anything else keeps its content but loses the
// markup.
var allowedTags = map[string]bool{
	"p": true, "br": true, "div": true, "span": true,
	"b": true, "i": true, "em": true, "strong": true,
	"u": true, "s": true, "a": true, "img": true,
	"ul": true, "ol": true, "li": true, "blockquote": true,
	"pre": true, "code": true, "hr": true,
	"h1": true, "h2": true, "h3": true, "h4": true, "h5": true, "h6": true,
}

// voidTags never carry a closing tag.
var voidTags = map[string]bool{"br": true, "img": true, "hr": true}

// allowedSchemes gates href and src values. The scheme is matched after
// entity decoding and control-character stripping, so "java&#115;cript:" and
// "java\tscript:" do not slip through.
var allowedSchemes = map[string]bool{"http": true, "https": true, "mailto": true}

// attrOrder fixes the emission order so output is deterministic.
var attrOrder = []string{"href", "src", "alt", "title", "lang", "style"}

var styleAllow = map[string]map[string]bool{
	"text-decoration": {"none": true, "underline": true, "overline": true, "line-through": true},
	"text-align":      {"left": true, "right": true, "center": true, "justify": true},
}

// Sanitize returns a version of s that is safe to embed into a browser-class
// renderer. Sanitize(Sanitize(s)) == Sanitize(s) for all inputs.
func Sanitize(s string) string {
	var out strings.Builder
	out.Grow(len(s))

	i := 0
	for i < len(s) {
		c := s[i]
		if c != '<' {
			// Text run up to the next tag open.
			j := strings.IndexByte(s[i:], '<')
			if j < 0 {
				j = len(s) - i
			}
			out.WriteString(encodeText(decodeEntities(s[i : i+j])))
			i += j
			continue
		}

		tag, next, ok := parseTag(s, i)
		if !ok {
			// A lone "<" that does not begin a tag is text.
			out.WriteString("&lt;")
			i++
			continue
		}
		i = next

		switch {
		case tag.comment:
			// Comments are dropped entirely (comment-based mXSS).
		case tag.closing:
			if allowedTags[tag.name] && !voidTags[tag.name] {
				out.WriteString("</" + tag.name + ">")
			}
		case dangerousTags[tag.name]:
			// Skip everything up to and including the matching close tag.
			i = skipDangerous(s, i, tag.name)
		case allowedTags[tag.name]:
			writeTag(&out, tag)
		default:
			// Unknown tag: markup removed, content kept.
		}
	}
	return out.String()
}

// EscapeText escapes a plain string (note keys, author names) for safe
// interpolation into HTML, e.g. the attribution footer.
func EscapeText(s string) string {
	return encodeAttr(s)
}

// ─── Tag parsing ─────────────────────────────────────────────────────────────

type tag struct {
	name    string
	closing bool
	comment bool
	attrs   map[string]string // decoded values, lowercased names
}

// parseTag parses the construct starting at s[i] == '<'. It returns the tag,
// the index just past it, and whether s[i] actually opens markup.
func parseTag(s string, i int) (tag, int, bool) {
	if i+1 >= len(s) {
		return tag{}, i, false
	}

	// Comments, doctype, processing instructions: swallow to the closer.
	if s[i+1] == '!' || s[i+1] == '?' {
		if strings.HasPrefix(s[i:], "<!--") {
			end := strings.Index(s[i+4:], "-->")
			if end < 0 {
				return tag{comment: true}, len(s), true
			}
			return tag{comment: true}, i + 4 + end + 3, true
		}
		end := strings.IndexByte(s[i:], '>')
		if end < 0 {
			return tag{comment: true}, len(s), true
		}
		return tag{comment: true}, i + end + 1, true
	}

	j := i + 1
	closing := false
	if s[j] == '/' {
		closing = true
		j++
	}
	if j >= len(s) || !isAlpha(s[j]) {
		return tag{}, i, false
	}

	start := j
	for j < len(s) && isAlnum(s[j]) {
		j++
	}
	name := strings.ToLower(s[start:j])

	t := tag{name: name, closing: closing, attrs: map[string]string{}}

	// Attribute scan until the closing '>'.
	for j < len(s) && s[j] != '>' {
		if isSpace(s[j]) || s[j] == '/' {
			j++
			continue
		}
		aStart := j
		for j < len(s) && s[j] != '=' && s[j] != '>' && !isSpace(s[j]) && s[j] != '/' {
			j++
		}
		aName := strings.ToLower(s[aStart:j])
		aVal := ""
		for j < len(s) && isSpace(s[j]) {
			j++
		}
		if j < len(s) && s[j] == '=' {
			j++
			for j < len(s) && isSpace(s[j]) {
				j++
			}
			if j < len(s) && (s[j] == '"' || s[j] == '\'') {
				quote := s[j]
				j++
				vStart := j
				for j < len(s) && s[j] != quote {
					j++
				}
				aVal = s[vStart:j]
				if j < len(s) {
					j++ // closing quote
				}
			} else {
				vStart := j
				for j < len(s) && !isSpace(s[j]) && s[j] != '>' {
					j++
				}
				aVal = s[vStart:j]
			}
		}
		if aName != "" {
			t.attrs[aName] = decodeEntities(aVal)
		}
	}
	if j < len(s) {
		j++ // '>'
	}
	return t, j, true
}

// skipDangerous advances past the content and close tag of a dangerous
// element. Without a close tag the rest of the input is dropped.
func skipDangerous(s string, i int, name string) int {
	lower := strings.ToLower(s)
	closer := "</" + name
	for from := i; from < len(lower); {
		idx := strings.Index(lower[from:], closer)
		if idx < 0 {
			return len(s)
		}
		pos := from + idx
		// Must be followed by '>' or whitespace to count as a close tag.
		after := pos + len(closer)
		if after < len(s) && s[after] != '>' && !isSpace(s[after]) {
			from = after
			continue
		}
		end := strings.IndexByte(s[pos:], '>')
		if end < 0 {
			return len(s)
		}
		return pos + end + 1
	}
	return len(s)
}

// ─── Emission ────────────────────────────────────────────────────────────────

func writeTag(out *strings.Builder, t tag) {
	out.WriteByte('<')
	out.WriteString(t.name)
	for _, name := range attrOrder {
		val, ok := t.attrs[name]
		if !ok {
			continue
		}
		switch name {
		case "href", "src":
			if !schemeAllowed(val) {
				continue
			}
		case "style":
			val = filterStyle(val)
			if val == "" {
				continue
			}
		}
		out.WriteByte(' ')
		out.WriteString(name)
		out.WriteString(`="`)
		out.WriteString(encodeAttr(val))
		out.WriteByte('"')
	}
	// Everything not in attrOrder is dropped, which covers on* handlers and
	// data-* attributes wholesale.
	out.WriteByte('>')
}

// schemeAllowed reports whether a decoded URL is safe for href/src.
func schemeAllowed(raw string) bool {
	// Strip control characters and whitespace the way browsers do before
	// scheme resolution.
	var b strings.Builder
	for i := 0; i < len(raw); i++ {
		if raw[i] > 0x20 && raw[i] != 0x7f {
			b.WriteByte(raw[i])
		}
	}
	cleaned := b.String()

	colon := strings.IndexByte(cleaned, ':')
	if colon < 0 {
		return true // relative URL, no scheme to abuse
	}
	// A ':' after a path/query/fragment delimiter is not a scheme separator.
	if stop := strings.IndexAny(cleaned, "/?#"); stop >= 0 && stop < colon {
		return true
	}
	return allowedSchemes[strings.ToLower(cleaned[:colon])]
}

// filterStyle keeps only the allowlisted declarations and re-emits them in
// canonical "prop: value" form.
func filterStyle(style string) string {
	var kept []string
	for _, decl := range strings.Split(style, ";") {
		prop, val, ok := strings.Cut(decl, ":")
		if !ok {
			continue
		}
		prop = strings.ToLower(strings.TrimSpace(prop))
		val = strings.ToLower(strings.TrimSpace(val))
		if vals, ok := styleAllow[prop]; ok && vals[val] {
			kept = append(kept, prop+": "+val)
		}
	}
	return strings.Join(kept, "; ")
}

// ─── Entities ────────────────────────────────────────────────────────────────

var namedEntities = map[string]string{
	"amp": "&", "lt": "<", "gt": ">", "quot": `"`, "apos": "'",
	"nbsp": " ",
}

// decodeEntities resolves named and numeric character references. Unknown
// references are left literal; the encoder escapes their ampersand, which
// keeps the decode/encode pair idempotent.
func decodeEntities(s string) string {
	if !strings.ContainsRune(s, '&') {
		return s
	}
	var out strings.Builder
	out.Grow(len(s))
	for i := 0; i < len(s); {
		if s[i] != '&' {
			out.WriteByte(s[i])
			i++
			continue
		}
		semi := strings.IndexByte(s[i:], ';')
		if semi < 0 || semi > 10 {
			out.WriteByte('&')
			i++
			continue
		}
		ref := s[i+1 : i+semi]
		if decoded, ok := decodeRef(ref); ok {
			out.WriteString(decoded)
			i += semi + 1
			continue
		}
		out.WriteByte('&')
		i++
	}
	return out.String()
}

func decodeRef(ref string) (string, bool) {
	if ref == "" {
		return "", false
	}
	if ref[0] == '#' {
		num := ref[1:]
		base := 10
		if len(num) > 1 && (num[0] == 'x' || num[0] == 'X') {
			base = 16
			num = num[1:]
		}
		n, err := strconv.ParseInt(num, base, 32)
		if err != nil || n <= 0 || n > 0x10ffff {
			return "", false
		}
		return string(rune(n)), true
	}
	decoded, ok := namedEntities[strings.ToLower(ref)]
	return decoded, ok
}

func encodeText(s string) string {
	r := strings.NewReplacer("&", "&amp;", "<", "&lt;", ">", "&gt;")
	return r.Replace(s)
}

func encodeAttr(s string) string {
	r := strings.NewReplacer("&", "&amp;", "<", "&lt;", ">", "&gt;", `"`, "&quot;")
	return r.Replace(s)
}

// ─── Byte classes ────────────────────────────────────────────────────────────

func isAlpha(c byte) bool { return c >= 'a' && c <= 'z' || c >= 'A' && c <= 'Z' }
func isAlnum(c byte) bool { return isAlpha(c) || c >= '0' && c <= '9' }
func isSpace(c byte) bool {
	return c == ' ' || c == '\t' || c == '\n' || c == '\r' || c == '\f'
}
