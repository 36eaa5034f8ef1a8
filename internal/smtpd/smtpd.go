// Package smtpd implements the receive-side SMTP state machine: it
// accepts a message, validates each recipient's set expression against
// the resolver, rewrites headers for the accepted expression, and
// hands the result to the relay dispatcher.
package smtpd

import (
	"bufio"
	"bytes"
	"fmt"
	"io"
	"net"
	"strings"

	"github.com/emersion/go-message/textproto"
	"github.com/emersion/go-smtp"
	"golang.org/x/net/idna"

	"github.com/dtolnay/mailingset/internal/address"
	"github.com/dtolnay/mailingset/internal/listdb"
	"github.com/dtolnay/mailingset/internal/logging"
	"github.com/dtolnay/mailingset/internal/metrics"
	"github.com/dtolnay/mailingset/internal/relay"
	"github.com/dtolnay/mailingset/internal/resolve"
	"github.com/dtolnay/mailingset/internal/tagger"
)

// Config carries the per-server settings the state machine enforces
// on every connection and message.
type Config struct {
	Domain         string
	AcceptFrom     []net.IPNet
	MaxMessageSize int64
}

// WrongDomainError reports a RCPT TO whose domain doesn't match the
// configured incoming domain.
type WrongDomainError struct {
	Domain string
}

func (e *WrongDomainError) Error() string {
	return fmt.Sprintf("wrong domain: %s", e.Domain)
}

// Backend is a go-smtp Backend: it hands out a fresh Session per
// connection, rejecting the connection up front if accept_from is
// configured and the peer is outside every allowed CIDR.
type Backend struct {
	Cfg        Config
	Universe   *listdb.Universe
	Resolver   *resolve.Resolver
	Dispatcher *relay.Dispatcher
	Log        logging.Logger
}

// Login always fails: the spec forbids SMTP authentication, access is
// IP-based only.
func (b *Backend) Login(state *smtp.ConnectionState, username, password string) (smtp.Session, error) {
	return nil, smtp.ErrAuthUnsupported
}

// AnonymousLogin accepts the connection, applying the accept_from
// policy first.
func (b *Backend) AnonymousLogin(state *smtp.ConnectionState) (smtp.Session, error) {
	if len(b.Cfg.AcceptFrom) > 0 {
		host, _, err := net.SplitHostPort(state.RemoteAddr.String())
		if err != nil {
			host = state.RemoteAddr.String()
		}
		ip := net.ParseIP(host)
		allowed := false
		for _, cidr := range b.Cfg.AcceptFrom {
			if cidr.Contains(ip) {
				allowed = true
				break
			}
		}
		if !allowed {
			return nil, &smtp.SMTPError{
				Code:    554,
				Message: "connection refused: peer not in accept_from",
			}
		}
	}

	return &session{be: b}, nil
}

// acceptedRcpt is one validated RCPT TO: its parsed expression and the
// set it resolved to, kept so Data can render a per-expression message.
type acceptedRcpt struct {
	localPart string
	domain    string
	expr      address.Node
	set       resolve.Set
}

type session struct {
	be   *Backend
	from string
	rcpt []acceptedRcpt
}

func (s *session) Reset() {
	s.from = ""
	s.rcpt = nil
}

// Mail records the envelope sender for bounce attribution only; any
// syntactically valid address is accepted.
func (s *session) Mail(from string, opts smtp.MailOptions) error {
	s.Reset()
	s.from = from
	return nil
}

// Rcpt validates one recipient independently: domain match, parse,
// resolve, evaluate. At least one accepted Rcpt is required for Data.
func (s *session) Rcpt(to string) error {
	local, domain, err := splitAddr(to)
	if err != nil {
		metrics.Rejected.WithLabelValues("bad_address").Inc()
		return &smtp.SMTPError{Code: 550, Message: fmt.Sprintf("bad recipient address: %v", err)}
	}

	if !domainMatches(domain, s.be.Cfg.Domain) {
		err := &WrongDomainError{Domain: domain}
		metrics.Rejected.WithLabelValues(rejectReason(err)).Inc()
		return &smtp.SMTPError{Code: 550, Message: err.Error()}
	}

	expr, perr := address.Parse(local)
	if perr != nil {
		metrics.Rejected.WithLabelValues("parse_error").Inc()
		return &smtp.SMTPError{Code: 550, Message: fmt.Sprintf("parse error: %s", perr.Reason)}
	}

	set, err := resolve.Eval(s.be.Resolver, expr)
	if err != nil {
		metrics.Rejected.WithLabelValues(rejectReason(err)).Inc()
		return &smtp.SMTPError{Code: 550, Message: err.Error()}
	}
	if len(set) == 0 {
		err := &resolve.EmptySetError{}
		metrics.Rejected.WithLabelValues(rejectReason(err)).Inc()
		return &smtp.SMTPError{Code: 550, Message: err.Error()}
	}

	s.rcpt = append(s.rcpt, acceptedRcpt{localPart: local, domain: domain, expr: expr, set: set})
	metrics.Accepted.Inc()
	return nil
}

func rejectReason(err error) string {
	switch err.(type) {
	case *resolve.UnknownNameError:
		return "unknown_name"
	case *resolve.AmbiguousNameError:
		return "ambiguous_name"
	case *resolve.EmptySetError:
		return "empty_set"
	case *WrongDomainError:
		return "wrong_domain"
	default:
		return "internal_error"
	}
}

// Data buffers the message, rewrites it once per accepted recipient
// expression, and hands the batch to the relay dispatcher.
func (s *session) Data(r io.Reader) error {
	if len(s.rcpt) == 0 {
		return &smtp.SMTPError{Code: 503, Message: "no valid recipients"}
	}

	limited := io.LimitReader(r, s.be.Cfg.MaxMessageSize+1)
	raw, err := io.ReadAll(limited)
	if err != nil {
		return &smtp.SMTPError{Code: 451, Message: fmt.Sprintf("reading message: %v", err)}
	}
	if int64(len(raw)) > s.be.Cfg.MaxMessageSize {
		return &smtp.SMTPError{Code: 552, Message: "message exceeds maximum size"}
	}

	jobs := make([]relay.Expression, 0, len(s.rcpt))
	for _, rc := range s.rcpt {
		rewritten, err := rewriteForRecipient(raw, rc, s.be.Universe)
		if err != nil {
			return &smtp.SMTPError{Code: 451, Message: fmt.Sprintf("rewriting message: %v", err)}
		}
		jobs = append(jobs, relay.Expression{
			Recipients: rc.set.Slice(),
			Message:    rewritten,
		})
	}

	if err := s.be.Dispatcher.Dispatch(jobs); err != nil {
		s.be.Log.Error("relay handoff failed", err)
		return &smtp.SMTPError{Code: 451, Message: err.Error()}
	}

	s.be.Log.DebugMsg("message queued", "from", s.from, "recipients", len(s.rcpt))
	return nil
}

func (s *session) Logout() error {
	return nil
}

// rewriteForRecipient parses the message headers, tags the Subject
// with the expression this recipient resolved from, and stamps the
// list-identity headers, leaving the body untouched.
func rewriteForRecipient(raw []byte, rc acceptedRcpt, u *listdb.Universe) ([]byte, error) {
	br := bufio.NewReader(bytes.NewReader(raw))
	hdr, err := textproto.ReadHeader(br)
	if err != nil {
		return nil, err
	}

	symbols := symbolsFor(rc.expr, u)
	tag := tagger.Tag(rc.expr, symbols)
	tagger.RewriteSubject(&hdr, tag[1:len(tag)-1])
	tagger.InjectListHeaders(&hdr, rc.localPart, rc.domain)

	var out bytes.Buffer
	if err := textproto.WriteHeader(&out, &hdr); err != nil {
		return nil, err
	}
	if _, err := io.Copy(&out, br); err != nil {
		return nil, err
	}
	return out.Bytes(), nil
}

// symbolsFor collects the configured symbol for every Ref in the
// expression so Render never has to look the universe up mid-walk.
func symbolsFor(n address.Node, u *listdb.Universe) map[string]string {
	out := make(map[string]string)
	var walk func(address.Node)
	walk = func(n address.Node) {
		switch v := n.(type) {
		case *address.Ref:
			if sym, ok := u.Symbol(strings.ToLower(v.Identifier)); ok {
				out[strings.ToLower(v.Identifier)] = sym
			}
		case *address.Binary:
			walk(v.Left)
			walk(v.Right)
		}
	}
	walk(n)
	return out
}

func splitAddr(addr string) (local, domain string, err error) {
	i := strings.LastIndexByte(addr, '@')
	if i < 0 {
		return "", "", fmt.Errorf("missing @domain in %q", addr)
	}
	return addr[:i], addr[i+1:], nil
}

// domainMatches compares the recipient domain against the configured
// incoming domain in its ASCII (Punycode) form, so a client sending an
// IDN domain in its Unicode form still matches the configured ASCII
// label.
func domainMatches(got, configured string) bool {
	a, err1 := idna.ToASCII(got)
	b, err2 := idna.ToASCII(configured)
	if err1 != nil || err2 != nil {
		return strings.EqualFold(got, configured)
	}
	return strings.EqualFold(a, b)
}
