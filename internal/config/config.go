// Package config loads the JSON configuration document the core is
// handed at startup. Parsing the file, choosing its format, and
// watching it for changes are explicitly the operator's concern (the
// core only depends on the resulting struct); JSON via the standard
// library is enough for that one-shot job and pulls in nothing else.
package config

import (
	"encoding/json"
	"fmt"
	"os"
)

// Incoming describes the SMTP receive side.
type Incoming struct {
	Domain      string   `json:"domain"`
	Port        int      `json:"port"`
	AcceptFrom  []string `json:"accept_from,omitempty"`
	MaxMsgBytes int64    `json:"max_message_bytes,omitempty"`
}

// Outgoing describes the outbound relay target.
type Outgoing struct {
	Server         string `json:"server"`
	Port           int    `json:"port"`
	EnvelopeSender string `json:"envelope_sender"`
	ArchiveAddr    string `json:"archive_addr,omitempty"`
}

// Data describes where list definitions and symbols are read from.
type Data struct {
	ListsDir    string `json:"lists_dir"`
	SymbolsFile string `json:"symbols_file"`
}

// Config is the complete document consumed by the core.
type Config struct {
	Incoming Incoming `json:"incoming"`
	Outgoing Outgoing `json:"outgoing"`
	Data     Data     `json:"data"`
}

// Load reads and parses the configuration file at path, applying the
// one default the core relies on (a message size ceiling) when the
// operator leaves it unset.
func Load(path string) (*Config, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: reading %s: %w", path, err)
	}
	var c Config
	if err := json.Unmarshal(b, &c); err != nil {
		return nil, fmt.Errorf("config: parsing %s: %w", path, err)
	}
	if c.Incoming.MaxMsgBytes == 0 {
		c.Incoming.MaxMsgBytes = 32 * 1024 * 1024
	}
	if err := c.validate(); err != nil {
		return nil, fmt.Errorf("config: %s: %w", path, err)
	}
	return &c, nil
}

func (c *Config) validate() error {
	switch {
	case c.Incoming.Domain == "":
		return fmt.Errorf("incoming.domain is required")
	case c.Incoming.Port == 0:
		return fmt.Errorf("incoming.port is required")
	case c.Outgoing.Server == "":
		return fmt.Errorf("outgoing.server is required")
	case c.Outgoing.EnvelopeSender == "":
		return fmt.Errorf("outgoing.envelope_sender is required")
	case c.Data.ListsDir == "":
		return fmt.Errorf("data.lists_dir is required")
	case c.Data.SymbolsFile == "":
		return fmt.Errorf("data.symbols_file is required")
	}
	return nil
}
