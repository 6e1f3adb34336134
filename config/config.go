// Package config holds the parsed configuration file.
//
// The config file is in sconf format, see
// https://pkg.go.dev/github.com/mjl-/sconf. The "describeconf" subcommand
// prints an annotated example file.
package config

import (
	"errors"
	"fmt"
	"time"

	"github.com/mjl-/sconf"
	"github.com/robfig/cron/v3"

	"github.com/mjl-/reportview/mlog"
)

// DefaultMaxMailSize is the maximum size for a single mail. Bodies of bigger
// mails are never fetched or parsed.
const DefaultMaxMailSize = 1024 * 1024

// Static is the parsed form of the reportview.conf configuration file.
type Static struct {
	LogLevel         string            `sconf:"optional" sconf-doc:"Default log level, one of: error, info, debug, trace. Default: info."`
	PackageLogLevels map[string]string `sconf:"optional" sconf-doc:"Overrides of log level per package, e.g. imapfetch, unpack, ingest, enrich, web."`
	IMAP             IMAP              `sconf-doc:"Mailbox that receives the DMARC and TLS reports."`
	Schedule         Schedule          `sconf:"optional" sconf-doc:"When to check the mailbox for new reports. Default: every 30 minutes."`
	HTTP             HTTP              `sconf-doc:"HTTP listener serving the JSON API, web interface and metrics."`
}

// IMAP configures the mailbox connection and fetch behaviour.
type IMAP struct {
	Host          string   `sconf-doc:"Host name of the IMAP server."`
	Port          int      `sconf:"optional" sconf-doc:"Port of the IMAP server. Default: 993 for tls, 143 for starttls and plain."`
	TLS           string   `sconf:"optional" sconf-doc:"Connection security, one of: tls (implicit TLS), starttls (upgrade on the plain port), plain (no encryption, only for servers or proxies on localhost). Default: tls."`
	Username      string   `sconf-doc:"Login name for the mailbox."`
	Password      string   `sconf-doc:"Password for the mailbox."`
	Folders       []Folder `sconf:"optional" sconf-doc:"Folders to fetch reports from, each with an optional report kind restriction. Default: INBOX with both kinds."`
	ChunkSize     int      `sconf:"optional" sconf-doc:"Number of mail bodies fetched in a single IMAP request. Some servers reject large requests, lower this value when batch fetches fail. Default: 1000."`
	MaxMailSize   int64    `sconf:"optional" sconf-doc:"Mails larger than this size in bytes are marked oversized and their body is never fetched. Default: 1MB."`
	Timeout       int      `sconf:"optional" sconf-doc:"Timeout in seconds for IMAP commands against the server. Default: 30."`
	BodyPeek      bool     `sconf:"optional" sconf-doc:"Fetch bodies with BODY.PEEK instead of BODY, leaving the mails unseen flag untouched."`
	TLSCACertFile string   `sconf:"optional" sconf-doc:"Path to a PEM file with additional trusted TLS root certificates."`
}

// Folder names one IMAP folder and which report kind it is expected to hold.
type Folder struct {
	Name string `sconf-doc:"Name of the IMAP folder, e.g. INBOX or Reports/DMARC."`
	Kind string `sconf:"optional" sconf-doc:"Report kind to parse from this folder, one of: dmarc, tlsrpt, both. Default: both."`
}

// Schedule configures when sync cycles run.
type Schedule struct {
	Interval int    `sconf:"optional" sconf-doc:"Interval between mailbox checks, in seconds. Ignored when Cron is set. Default: 1800."`
	Cron     string `sconf:"optional" sconf-doc:"Cron expression, e.g. '0 */2 * * *' evaluated in UTC. Takes precedence over Interval."`
}

// HTTP configures the serving side.
type HTTP struct {
	Address           string `sconf:"optional" sconf-doc:"Address to listen on, e.g. localhost:880. Default: localhost:8880."`
	BasicAuthUsername string `sconf:"optional" sconf-doc:"Username for HTTP basic auth. Leave empty together with the password to disable authentication."`
	BasicAuthPassword string `sconf:"optional" sconf-doc:"Password for HTTP basic auth."`
}

// Load reads and validates the configuration file at path, filling in
// defaults for optional fields.
func Load(path string) (*Static, error) {
	var c Static
	if err := sconf.ParseFile(path, &c); err != nil {
		return nil, fmt.Errorf("parsing config file: %w", err)
	}
	if err := c.check(); err != nil {
		return nil, err
	}
	return &c, nil
}

func (c *Static) check() error {
	if c.LogLevel == "" {
		c.LogLevel = "info"
	}
	if _, ok := mlog.Levels[c.LogLevel]; !ok {
		return fmt.Errorf("unknown log level %q", c.LogLevel)
	}
	for pkg, s := range c.PackageLogLevels {
		if _, ok := mlog.Levels[s]; !ok {
			return fmt.Errorf("unknown log level %q for package %q", s, pkg)
		}
	}

	switch c.IMAP.TLS {
	case "":
		c.IMAP.TLS = "tls"
	case "tls", "starttls", "plain":
	default:
		return fmt.Errorf("unknown imap tls mode %q", c.IMAP.TLS)
	}
	if c.IMAP.Port == 0 {
		if c.IMAP.TLS == "tls" {
			c.IMAP.Port = 993
		} else {
			c.IMAP.Port = 143
		}
	}
	if c.IMAP.Host == "" {
		return errors.New("missing imap host")
	}
	if c.IMAP.Username == "" || c.IMAP.Password == "" {
		return errors.New("missing imap credentials")
	}
	if len(c.IMAP.Folders) == 0 {
		c.IMAP.Folders = []Folder{{Name: "INBOX", Kind: "both"}}
	}
	for i, f := range c.IMAP.Folders {
		if f.Name == "" {
			return fmt.Errorf("folder %d: missing name", i)
		}
		switch f.Kind {
		case "":
			c.IMAP.Folders[i].Kind = "both"
		case "dmarc", "tlsrpt", "both":
		default:
			return fmt.Errorf("folder %q: unknown report kind %q", f.Name, f.Kind)
		}
	}
	if c.IMAP.ChunkSize == 0 {
		c.IMAP.ChunkSize = 1000
	}
	if c.IMAP.ChunkSize < 1 {
		return errors.New("imap chunk size must be at least 1")
	}
	if c.IMAP.MaxMailSize == 0 {
		c.IMAP.MaxMailSize = DefaultMaxMailSize
	}
	if c.IMAP.Timeout == 0 {
		c.IMAP.Timeout = 30
	}

	if c.Schedule.Interval == 0 {
		c.Schedule.Interval = 1800
	}
	if c.Schedule.Interval < 0 {
		return errors.New("schedule interval must be positive")
	}
	if c.Schedule.Cron != "" {
		if _, err := cron.ParseStandard(c.Schedule.Cron); err != nil {
			return fmt.Errorf("invalid cron expression %q: %v", c.Schedule.Cron, err)
		}
	}

	if c.HTTP.Address == "" {
		c.HTTP.Address = "localhost:8880"
	}
	if (c.HTTP.BasicAuthUsername == "") != (c.HTTP.BasicAuthPassword == "") {
		return errors.New("basic auth username and password must be set together")
	}
	return nil
}

// LogLevels returns the mlog configuration derived from LogLevel and
// PackageLogLevels.
func (c *Static) LogLevels() map[string]mlog.Level {
	m := map[string]mlog.Level{"": mlog.Levels[c.LogLevel]}
	for pkg, s := range c.PackageLogLevels {
		m[pkg] = mlog.Levels[s]
	}
	return m
}

// IMAPTimeout returns the configured command timeout as a duration.
func (c *Static) IMAPTimeout() time.Duration {
	return time.Duration(c.IMAP.Timeout) * time.Second
}
