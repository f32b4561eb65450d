package aox

import (
	"crypto/tls"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/mjl-/sconf"

	"github.com/aox/aox/alog"
	"github.com/aox/aox/config"
)

// Config is the parsed configuration plus derived state.
type Config struct {
	config.Static

	// Parsed from Static.TLS, nil when no certificate is configured.
	TLSConfig *tls.Config
}

// Conf is set by LoadConfig, before the servers start.
var Conf Config

// ConfigFile is the path the configuration was loaded from, set by the
// serve command.
var ConfigFile string

// LoadConfig parses the configuration file and prepares derived state. On
// error the process is not usable and the caller exits non-zero.
func LoadConfig(path string) error {
	var static config.Static
	if err := sconf.ParseFile(path, &static); err != nil {
		return fmt.Errorf("parsing config file %s: %w", path, err)
	}

	levels := map[string]slog.Level{}
	level, ok := alog.Levels[static.LogLevel]
	if !ok {
		return fmt.Errorf("unknown log level %q", static.LogLevel)
	}
	levels[""] = level
	for pkg, s := range static.PackageLogLevels {
		l, ok := alog.Levels[s]
		if !ok {
			return fmt.Errorf("unknown log level %q for package %q", s, pkg)
		}
		levels[pkg] = l
	}
	alog.SetConfig(levels)

	c := Config{Static: static}
	if static.TLS.CertFile != "" {
		cert, err := tls.LoadX509KeyPair(static.TLS.CertFile, static.TLS.KeyFile)
		if err != nil {
			return fmt.Errorf("loading tls certificate: %w", err)
		}
		c.TLSConfig = &tls.Config{Certificates: []tls.Certificate{cert}}
	}
	if c.DB.MaxHandles == 0 {
		c.DB.MaxHandles = 4
	}
	if c.DB.MinHandles == 0 {
		c.DB.MinHandles = 1
	}
	if c.DB.HandleInterval == 0 {
		c.DB.HandleInterval = 60
	}
	if c.Processes == 0 {
		c.Processes = 1
	}
	if c.PidDir == "" {
		c.PidDir = "/var/run"
	}
	Conf = c
	ConfigFile = path
	return nil
}

// PidfilePath returns the path of the pid file for this program.
func PidfilePath() string {
	return filepath.Join(Conf.PidDir, filepath.Base(os.Args[0])+".pid")
}

// WritePidfile writes our process id, for init scripts and the admin.
func WritePidfile() error {
	return os.WriteFile(PidfilePath(), []byte(fmt.Sprintf("%d\n", os.Getpid())), 0660)
}

// RemovePidfile removes the pid file during shutdown.
func RemovePidfile(log alog.Log) {
	err := os.Remove(PidfilePath())
	log.Check(err, "removing pid file")
}
