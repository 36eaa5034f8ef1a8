package smtpd

import (
	"context"
	"net"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/emersion/go-smtp"

	"github.com/dtolnay/mailingset/internal/listdb"
	"github.com/dtolnay/mailingset/internal/logging"
	"github.com/dtolnay/mailingset/internal/relay"
	"github.com/dtolnay/mailingset/internal/resolve"
)

type fakeProvider map[string][]string

func (f fakeProvider) Lists(ctx context.Context) (map[string][]string, error) {
	return f, nil
}

type capturingSender struct {
	mu   sync.Mutex
	sent []relay.Expression
}

func (c *capturingSender) Send(ctx context.Context, server string, port int, from string, recipients []string, message []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.sent = append(c.sent, relay.Expression{Recipients: append([]string(nil), recipients...), Message: message})
	return nil
}

func (c *capturingSender) snapshot() []relay.Expression {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]relay.Expression(nil), c.sent...)
}

func newTestBackend(t *testing.T, sender relay.Sender) (*Backend, *capturingSender) {
	t.Helper()
	p := fakeProvider{
		"sf":  {`"Alice A" <alice@x>`, `"Bob Q Brown" <bob@x>`},
		"dog": {`"Bob Q Brown" <bob@x>`, `carol@x`},
		"cat": {`"Alice A" <alice@x>`, `dave@x`},
	}
	u, err := listdb.Build(context.Background(), p, map[string]string{"sf": "SF", "dog": "Dog", "cat": "Cat"})
	if err != nil {
		t.Fatalf("Build: %v", err)
	}
	r, err := resolve.NewResolver(u)
	if err != nil {
		t.Fatalf("NewResolver: %v", err)
	}

	cs, ok := sender.(*capturingSender)
	if !ok {
		cs = &capturingSender{}
	}
	d := relay.NewDispatcher(relay.Config{
		Server:         "smarthost.example",
		Port:           25,
		EnvelopeSender: "bounces@x",
	}, cs, logging.Logger{}, 2, 8)

	log, err := logging.New()
	if err != nil {
		t.Fatalf("logging.New: %v", err)
	}

	return &Backend{
		Cfg: Config{
			Domain:         "x",
			MaxMessageSize: 1 << 20,
		},
		Universe:   u,
		Resolver:   r,
		Dispatcher: d,
		Log:        *log,
	}, cs
}

func acceptRcpt(t *testing.T, sess smtp.Session, addr string) error {
	t.Helper()
	return sess.Rcpt(addr)
}

func strReader(s string) *strings.Reader {
	return strings.NewReader(s)
}

func TestScenarioIntersectionAccepted(t *testing.T) {
	be, cs := newTestBackend(t, &capturingSender{})
	sess, err := be.AnonymousLogin(&smtp.ConnectionState{RemoteAddr: &net.TCPAddr{}})
	if err != nil {
		t.Fatalf("AnonymousLogin: %v", err)
	}
	if err := sess.Mail("sender@x", smtp.MailOptions{}); err != nil {
		t.Fatalf("Mail: %v", err)
	}
	if err := acceptRcpt(t, sess, "sf_&_dog@x"); err != nil {
		t.Fatalf("Rcpt: %v", err)
	}
	msg := "Subject: weekend plans\r\nFrom: alice@x\r\n\r\nhello\r\n"
	if err := sess.Data(strReader(msg)); err != nil {
		t.Fatalf("Data: %v", err)
	}

	waitForSend(t, cs, 1)
	got := cs.snapshot()[0]
	if len(got.Recipients) != 1 || got.Recipients[0] != "bob@x" {
		t.Errorf("recipients = %v, want [bob@x]", got.Recipients)
	}
	if !containsSubstr(string(got.Message), "[SF&Dog] weekend plans") {
		t.Errorf("message missing tagged subject: %s", got.Message)
	}
	if !containsSubstr(string(got.Message), "List-Id: sf_&_dog.mailingset.x") {
		t.Errorf("message missing List-Id: %s", got.Message)
	}
}

func TestScenarioEmptySetRejected(t *testing.T) {
	be, _ := newTestBackend(t, &capturingSender{})
	sess, _ := be.AnonymousLogin(&smtp.ConnectionState{RemoteAddr: &net.TCPAddr{}})
	_ = sess.Mail("sender@x", smtp.MailOptions{})

	err := acceptRcpt(t, sess, "sf_-_sf@x")
	se, ok := err.(*smtp.SMTPError)
	if !ok || se.Code != 550 {
		t.Fatalf("expected 550 empty-set error, got %v", err)
	}
}

func TestScenarioMismatchedBraceRejected(t *testing.T) {
	be, _ := newTestBackend(t, &capturingSender{})
	sess, _ := be.AnonymousLogin(&smtp.ConnectionState{RemoteAddr: &net.TCPAddr{}})
	_ = sess.Mail("sender@x", smtp.MailOptions{})

	err := acceptRcpt(t, sess, "a_&_b}_-_c@x")
	se, ok := err.(*smtp.SMTPError)
	if !ok || se.Code != 550 {
		t.Fatalf("expected 550 parse error, got %v", err)
	}
}

func TestScenarioMixedOperatorsRejected(t *testing.T) {
	be, _ := newTestBackend(t, &capturingSender{})
	sess, _ := be.AnonymousLogin(&smtp.ConnectionState{RemoteAddr: &net.TCPAddr{}})
	_ = sess.Mail("sender@x", smtp.MailOptions{})

	err := acceptRcpt(t, sess, "sf_&_dog_|_cat@x")
	se, ok := err.(*smtp.SMTPError)
	if !ok || se.Code != 550 {
		t.Fatalf("expected 550 mixed_operators error, got %v", err)
	}
}

func TestScenarioWrongDomainRejected(t *testing.T) {
	be, _ := newTestBackend(t, &capturingSender{})
	sess, _ := be.AnonymousLogin(&smtp.ConnectionState{RemoteAddr: &net.TCPAddr{}})
	_ = sess.Mail("sender@x", smtp.MailOptions{})

	err := acceptRcpt(t, sess, "sf@other")
	se, ok := err.(*smtp.SMTPError)
	if !ok || se.Code != 550 {
		t.Fatalf("expected 550 wrong-domain error, got %v", err)
	}
}

func TestDataWithNoAcceptedRecipientsRejected(t *testing.T) {
	be, _ := newTestBackend(t, &capturingSender{})
	sess, _ := be.AnonymousLogin(&smtp.ConnectionState{RemoteAddr: &net.TCPAddr{}})
	_ = sess.Mail("sender@x", smtp.MailOptions{})

	err := sess.Data(strReader("Subject: hi\r\n\r\nbody\r\n"))
	se, ok := err.(*smtp.SMTPError)
	if !ok || se.Code != 503 {
		t.Fatalf("expected 503, got %v", err)
	}
}

func TestAcceptFromRejectsUnknownPeer(t *testing.T) {
	be, _ := newTestBackend(t, &capturingSender{})
	_, cidr, _ := net.ParseCIDR("10.0.0.0/8")
	be.Cfg.AcceptFrom = []net.IPNet{*cidr}

	_, err := be.AnonymousLogin(&smtp.ConnectionState{RemoteAddr: &net.TCPAddr{IP: net.ParseIP("192.168.1.1")}})
	se, ok := err.(*smtp.SMTPError)
	if !ok || se.Code != 554 {
		t.Fatalf("expected 554, got %v", err)
	}
}

func TestAcceptFromAllowsConfiguredPeer(t *testing.T) {
	be, _ := newTestBackend(t, &capturingSender{})
	_, cidr, _ := net.ParseCIDR("10.0.0.0/8")
	be.Cfg.AcceptFrom = []net.IPNet{*cidr}

	_, err := be.AnonymousLogin(&smtp.ConnectionState{RemoteAddr: &net.TCPAddr{IP: net.ParseIP("10.1.2.3")}})
	if err != nil {
		t.Fatalf("expected accept, got %v", err)
	}
}

func waitForSend(t *testing.T, c *capturingSender, n int) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if len(c.snapshot()) >= n {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %d relay sends, got %d", n, len(c.snapshot()))
}

func containsSubstr(haystack, needle string) bool {
	return len(haystack) >= len(needle) && indexOf(haystack, needle) >= 0
}

func indexOf(haystack, needle string) int {
	for i := 0; i+len(needle) <= len(haystack); i++ {
		if haystack[i:i+len(needle)] == needle {
			return i
		}
	}
	return -1
}
