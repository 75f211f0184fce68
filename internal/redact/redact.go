// Package redact strips PII from memory content before it is persisted,
// leaving reversible placeholders so the original value can be restored
// for a user viewing their own memory.
package redact

import (
	"crypto/rand"
	"encoding/hex"
	"net"
	"regexp"
	"strings"
)

// kind names the class of value a pattern matches; it appears inside the
// placeholder token, e.g. "[EMAIL_a1b2c3d4]".
type kind string

const (
	kindEmail kind = "EMAIL"
	kindPhone kind = "PHONE"
	kindSSN   kind = "SSN"
	kindCard  kind = "CARD"
	kindJWT   kind = "JWT"
	kindToken kind = "TOKEN"
	kindIPv4  kind = "IP"
)

type pattern struct {
	kind kind
	re   *regexp.Regexp
}

// patterns are checked in order; once a span is redacted it is not
// reconsidered by a later, looser pattern.
var patterns = []pattern{
	{kindEmail, regexp.MustCompile(`[a-zA-Z0-9._%+\-]+@[a-zA-Z0-9.\-]+\.[a-zA-Z]{2,}`)},
	{kindJWT, regexp.MustCompile(`\beyJ[A-Za-z0-9_\-]+\.[A-Za-z0-9_\-]+\.[A-Za-z0-9_\-]+\b`)},
	{kindSSN, regexp.MustCompile(`\b\d{3}-\d{2}-\d{4}\b`)},
	{kindCard, regexp.MustCompile(`\b(?:\d[ -]?){16}\b`)},
	{kindPhone, regexp.MustCompile(`\b(?:\+?1[-.\s]?)?\(?\d{3}\)?[-.\s]\d{3}[-.\s]\d{4}\b`)},
	{kindIPv4, regexp.MustCompile(`\b\d{1,3}\.\d{1,3}\.\d{1,3}\.\d{1,3}\b`)},
	{kindToken, regexp.MustCompile(`\b[A-Za-z0-9_\-]{32,}\b`)},
}

func isPrivateOrLoopbackIPv4(ip string) bool {
	addr := net.ParseIP(ip)
	if addr == nil {
		return false
	}
	return addr.IsPrivate() || addr.IsLoopback() || addr.IsLinkLocalUnicast()
}

func isPureAlpha(s string) bool {
	for _, r := range s {
		if !((r >= 'a' && r <= 'z') || (r >= 'A' && r <= 'Z')) {
			return false
		}
	}
	return true
}

// Filter redacts and restores PII in memory content, keeping a per-call
// mapping of placeholder -> original value so content can be reconstructed
// for the owning user.
type Filter struct{}

// New builds a RedactionFilter. There is no configuration: the pattern set
// is fixed, matching spec.md §4.2.
func New() *Filter { return &Filter{} }

// Redact replaces every recognized PII span in text with a placeholder of
// the form "[KIND_xxxxxxxx]" and returns the redacted text plus a mapping
// from placeholder to original value.
func (f *Filter) Redact(text string) (string, map[string]string) {
	mapping := map[string]string{}
	out := text
	for _, p := range patterns {
		out = p.re.ReplaceAllStringFunc(out, func(match string) string {
			if p.kind == kindToken && isPureAlpha(match) {
				return match // excludes ordinary long words
			}
			if p.kind == kindIPv4 && isPrivateOrLoopbackIPv4(match) {
				return match // excludes loopback/private ranges
			}
			placeholder := "[" + string(p.kind) + "_" + randSuffix() + "]"
			mapping[placeholder] = match
			return placeholder
		})
	}
	return out, mapping
}

// Restore substitutes every placeholder in text with its original value
// from mapping. Unknown placeholders are left untouched.
func (f *Filter) Restore(text string, mapping map[string]string) string {
	out := text
	for placeholder, original := range mapping {
		out = strings.ReplaceAll(out, placeholder, original)
	}
	return out
}

// IsAllRedacted reports whether text, with every mapped placeholder
// removed, contains no more than whitespace/punctuation — i.e. the
// original content was nothing but PII and should not be stored at all.
func (f *Filter) IsAllRedacted(text string, mapping map[string]string) bool {
	stripped := text
	for placeholder := range mapping {
		stripped = strings.ReplaceAll(stripped, placeholder, "")
	}
	stripped = strings.TrimFunc(stripped, func(r rune) bool {
		return r == ' ' || r == '\t' || r == '\n' || r == '.' || r == ',' || r == '!' || r == '?'
	})
	return stripped == ""
}

func randSuffix() string {
	b := make([]byte, 4)
	if _, err := rand.Read(b); err != nil {
		return "00000000"
	}
	return hex.EncodeToString(b)
}
