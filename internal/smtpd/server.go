package smtpd

import (
	"time"

	"github.com/emersion/go-smtp"
)

// NewServer wires a Backend into a go-smtp Server with five-minute
// read and write timeouts and a hard message-size ceiling enforced a
// second time here since go-smtp will otherwise buffer past it before
// Data ever sees the bytes. No overall session timeout is set: a
// client that keeps sending commands within the read timeout keeps
// its session open.
func NewServer(be *Backend, domain string) *smtp.Server {
	s := smtp.NewServer(be)
	s.Domain = domain
	s.ReadTimeout = 5 * time.Minute
	s.WriteTimeout = 5 * time.Minute
	s.MaxMessageBytes = be.Cfg.MaxMessageSize
	s.MaxRecipients = 0 // unlimited; the resolver bounds fan-out, not the envelope
	s.AllowInsecureAuth = false
	return s
}
