// Package config holds the configuration file format for aox.
//
// The file is in sconf format: indent with tabs, comments on their own line,
// no quoting. See https://pkg.go.dev/github.com/mjl-/sconf.
package config

// Port returns port if non-zero, and fallback otherwise.
func Port(port, fallback int) int {
	if port == 0 {
		return fallback
	}
	return port
}

// Static is the parsed form of the aox configuration file.
type Static struct {
	Hostname         string            `sconf-doc:"Full hostname of the system, e.g. mail.example.org. Used in protocol banners, Message-ID and authentication challenges."`
	LogLevel         string            `sconf-doc:"Default log level, one of: error, warn, info, debug, trace, traceauth, tracedata. Trace logs protocol transcripts, traceauth also lines with credentials, tracedata also bulk message data."`
	PackageLogLevels map[string]string `sconf:"optional" sconf-doc:"Overrides of log level per package, e.g. imapserver, smtpserver, pgwire, sieveserver, pop3server, store."`
	PidDir           string            `sconf:"optional" sconf-doc:"Directory for the pid file. Default: /var/run."`
	Processes        int               `sconf:"optional" sconf-doc:"Number of worker processes to serve connections with. Each worker binds the listening sockets with SO_REUSEPORT. Default: 1."`
	TLS              struct {
		CertFile string
		KeyFile  string
	} `sconf:"optional" sconf-doc:"TLS certificate for STARTTLS and the TLS-wrapped services. When absent, STARTTLS is not offered."`
	MetricsAddress string         `sconf:"optional" sconf-doc:"Address to serve prometheus metrics on, e.g. localhost:8010. No metrics endpoint when empty."`
	DB        DB                  `sconf-doc:"PostgreSQL server to store all mail in."`
	Listeners map[string]Listener `sconf-doc:"Groups of IP addresses with services enabled on them."`
	Smarthost struct {
		Address string `sconf-doc:"host:port of the SMTP server to forward outgoing mail to."`
	} `sconf:"optional" sconf-doc:"Delivery of redirect/bounce mail goes through this SMTP server, with exponential backoff on failure."`
}

// DB configures the connection to PostgreSQL.
type DB struct {
	Address        string `sconf-doc:"Address of the PostgreSQL server. host:port for TCP, or an absolute path for a unix socket directory."`
	Name           string `sconf-doc:"Database name."`
	User           string `sconf-doc:"Database user."`
	Password       string `sconf:"optional" sconf-doc:"Password for cleartext or md5 authentication. Not needed for trust or ident."`
	MaxHandles     int    `sconf:"optional" sconf-doc:"Maximum number of database connections. Default: 4."`
	MinHandles     int    `sconf:"optional" sconf-doc:"Connections kept open when idle. Default: 1."`
	HandleInterval int    `sconf:"optional" sconf-doc:"Seconds a connection may sit idle before being closed, down to the minimum. Default: 60."`
}

// Listener is a group of IP addresses and services enabled on them.
type Listener struct {
	IPs         []string `sconf-doc:"IPs to listen on, e.g. 0.0.0.0 or ::."`
	IMAP        Service  `sconf:"optional" sconf-doc:"IMAP on port 143 with STARTTLS by default."`
	IMAPS       Service  `sconf:"optional" sconf-doc:"IMAP with immediate TLS, port 993 by default."`
	LMTP        Service  `sconf:"optional" sconf-doc:"LMTP for local delivery, port 2026 by default."`
	SMTP        Service  `sconf:"optional" sconf-doc:"SMTP submission feeding sieve filtering, port 25 by default."`
	POP3        Service  `sconf:"optional" sconf-doc:"POP3 on port 110 by default."`
	ManageSieve Service  `sconf:"optional" sconf-doc:"ManageSieve for uploading sieve scripts, port 4190 by default."`
}

// Service is one enabled protocol endpoint within a listener.
type Service struct {
	Enabled           bool
	Port              int  `sconf:"optional" sconf-doc:"Port to listen on, protocol default if zero."`
	NoRequireSTARTTLS bool `sconf:"optional" sconf-doc:"Allow cleartext authentication without STARTTLS. Insecure."`
}
