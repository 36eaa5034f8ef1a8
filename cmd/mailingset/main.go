// Command mailingset runs the set-algebraic mailing list SMTP server.
package main

import (
	"context"
	"fmt"
	"net"
	"os"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/urfave/cli/v2"

	"github.com/dtolnay/mailingset/internal/config"
	"github.com/dtolnay/mailingset/internal/listdb"
	"github.com/dtolnay/mailingset/internal/listfile"
	"github.com/dtolnay/mailingset/internal/logging"
	"github.com/dtolnay/mailingset/internal/metrics"
	"github.com/dtolnay/mailingset/internal/relay"
	"github.com/dtolnay/mailingset/internal/resolve"
	"github.com/dtolnay/mailingset/internal/smtpd"
)

func main() {
	app := &cli.App{
		Name:  "mailingset",
		Usage: "an SMTP server that treats mailing lists as sets",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:     "config",
				Aliases:  []string{"c"},
				Required: true,
				Usage:    "path to the JSON configuration file",
			},
		},
		Commands: []*cli.Command{
			{
				Name:   "run",
				Usage:  "start the server",
				Action: runCmd,
			},
			{
				Name:   "check-config",
				Usage:  "load the configuration and the list universe, then exit",
				Action: checkConfigCmd,
			},
		},
	}

	if err := app.Run(os.Args); err != nil {
		fmt.Fprintln(os.Stderr, "mailingset:", err)
		os.Exit(1)
	}
}

func loadUniverse(ctx context.Context, cfg *config.Config) (*listdb.Universe, error) {
	symbols, err := listfile.LoadSymbols(cfg.Data.SymbolsFile)
	if err != nil {
		return nil, err
	}
	provider := listfile.New(cfg.Data.ListsDir)
	return listdb.Build(ctx, provider, symbols)
}

func checkConfigCmd(c *cli.Context) error {
	cfg, err := config.Load(c.String("config"))
	if err != nil {
		return err
	}
	if _, err := loadUniverse(c.Context, cfg); err != nil {
		return fmt.Errorf("building list universe: %w", err)
	}
	fmt.Println("configuration and list universe are valid")
	return nil
}

func runCmd(c *cli.Context) error {
	cfg, err := config.Load(c.String("config"))
	if err != nil {
		return err
	}

	log, err := logging.New()
	if err != nil {
		return err
	}
	defer log.Sync()

	if err := metrics.Register(prometheus.DefaultRegisterer); err != nil {
		return fmt.Errorf("registering metrics: %w", err)
	}

	u, err := loadUniverse(c.Context, cfg)
	if err != nil {
		return fmt.Errorf("building list universe: %w", err)
	}

	resolver, err := resolve.NewResolver(u)
	if err != nil {
		return fmt.Errorf("building resolver: %w", err)
	}

	acceptFrom, err := parseCIDRs(cfg.Incoming.AcceptFrom)
	if err != nil {
		return fmt.Errorf("parsing accept_from: %w", err)
	}

	dispatcher := relay.NewDispatcher(relay.Config{
		Server:         cfg.Outgoing.Server,
		Port:           cfg.Outgoing.Port,
		EnvelopeSender: cfg.Outgoing.EnvelopeSender,
		ArchiveAddr:    cfg.Outgoing.ArchiveAddr,
	}, relay.SMTPSender{}, log.WithName("relay"), 8, 256)
	defer dispatcher.Close()

	be := &smtpd.Backend{
		Cfg: smtpd.Config{
			Domain:         cfg.Incoming.Domain,
			AcceptFrom:     acceptFrom,
			MaxMessageSize: cfg.Incoming.MaxMsgBytes,
		},
		Universe:   u,
		Resolver:   resolver,
		Dispatcher: dispatcher,
		Log:        log.WithName("smtpd"),
	}

	addr := fmt.Sprintf(":%d", cfg.Incoming.Port)
	server := smtpd.NewServer(be, cfg.Incoming.Domain)
	server.Addr = addr

	log.Msg("listening", "addr", addr, "domain", cfg.Incoming.Domain)
	return server.ListenAndServe()
}

func parseCIDRs(raw []string) ([]net.IPNet, error) {
	out := make([]net.IPNet, 0, len(raw))
	for _, s := range raw {
		_, n, err := net.ParseCIDR(s)
		if err != nil {
			return nil, fmt.Errorf("%q: %w", s, err)
		}
		out = append(out, *n)
	}
	return out, nil
}
