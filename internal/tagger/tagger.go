// Package tagger renders a compact bracketed tag for a recipient
// expression and rewrites the outgoing message's Subject and list
// headers to carry it, the way a traditional mailing-list relay
// (ulist, Mailman) stamps its own list identity onto forwarded mail.
package tagger

import (
	"strings"

	"github.com/emersion/go-message/textproto"
	"github.com/google/uuid"

	"github.com/dtolnay/mailingset/internal/address"
)

// Render produces the compact textual form of an expression tree:
// each leaf identifier is replaced by its configured symbol (or the
// identifier itself if none is configured), each operator by its
// single-character form, and parentheses are emitted only around
// subexpressions the user actually wrote inside {...} — preserving the
// original grouping rather than minimizing it.
func Render(n address.Node, symbols map[string]string) string {
	switch v := n.(type) {
	case *address.Ref:
		sym, ok := symbols[strings.ToLower(v.Identifier)]
		if !ok {
			sym = v.Identifier
		}
		return wrap(sym, v.Braced)
	case *address.Binary:
		s := Render(v.Left, symbols) + v.Op.String() + Render(v.Right, symbols)
		return wrap(s, v.Braced)
	}
	return ""
}

func wrap(s string, braced bool) string {
	if braced {
		return "(" + s + ")"
	}
	return s
}

// Tag returns the bracketed tag, e.g. "[SF&Dog]".
func Tag(n address.Node, symbols map[string]string) string {
	return "[" + Render(n, symbols) + "]"
}

// RewriteSubject prepends "[tag] " to the header's Subject field,
// unless it is already present verbatim (rewriting is idempotent).
// The tag is plain ASCII and is inserted ahead of the raw header
// value, so any RFC 2047 encoded-word sequence already in Subject is
// left untouched and stays valid: ASCII text and encoded-words may be
// freely mixed in a single unstructured header field.
func RewriteSubject(h *textproto.Header, tag string) {
	prefix := "[" + tag + "] "
	current := h.Get("Subject")
	if strings.HasPrefix(current, prefix) {
		return
	}
	h.Set("Subject", prefix+current)
}

// InjectListHeaders stamps the list-identity headers spec.md §4.5
// requires, replacing any existing instances.
func InjectListHeaders(h *textproto.Header, localPart, domain string) {
	h.Set("Precedence", "list")
	h.Set("List-Id", localPart+".mailingset."+domain)
	h.Set("List-Post", "<mailto:"+localPart+"@"+domain+">")
}

// NewMessageID mints a Message-Id for mail this server originates
// itself (bounce and moderation notices), never for relayed user
// mail, whose original Message-Id is preserved unchanged.
func NewMessageID(domain string) string {
	return "<" + uuid.NewString() + "@" + domain + ">"
}
