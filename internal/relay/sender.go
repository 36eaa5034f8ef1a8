package relay

import (
	"context"
	"fmt"
	"net"
	"time"

	"github.com/emersion/go-smtp"
)

const defaultDialTimeout = 30 * time.Second

// SMTPSender is the default Sender, a thin wrapper around go-smtp's
// client dialing a single configured smarthost. Resolving MX records
// or routing per recipient domain is deliberately out of scope: the
// outbound path is a fixed relay, per outgoing.server/outgoing.port.
type SMTPSender struct{}

func (SMTPSender) Send(ctx context.Context, server string, port int, envelopeSender string, recipients []string, message []byte) error {
	addr := net.JoinHostPort(server, fmt.Sprint(port))

	conn, err := net.DialTimeout("tcp", addr, defaultDialTimeout)
	if err != nil {
		return fmt.Errorf("relay: dialing %s: %w", addr, err)
	}
	c, err := smtp.NewClient(conn, server)
	if err != nil {
		conn.Close()
		return fmt.Errorf("relay: handshake with %s: %w", addr, err)
	}
	defer c.Close()

	if err := c.Mail(envelopeSender, nil); err != nil {
		return fmt.Errorf("relay: MAIL FROM: %w", err)
	}
	for _, rcpt := range recipients {
		if err := c.Rcpt(rcpt, nil); err != nil {
			return fmt.Errorf("relay: RCPT TO %s: %w", rcpt, err)
		}
	}

	w, err := c.Data()
	if err != nil {
		return fmt.Errorf("relay: DATA: %w", err)
	}
	if _, err := w.Write(message); err != nil {
		w.Close()
		return fmt.Errorf("relay: writing message: %w", err)
	}
	if err := w.Close(); err != nil {
		return fmt.Errorf("relay: closing DATA: %w", err)
	}

	return c.Quit()
}
