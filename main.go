// Command aox is a mail store: it accepts messages over SMTP/LMTP, runs
// sieve filters, stores everything in PostgreSQL, and serves the mail back
// over IMAP and POP3. Sieve scripts are managed over ManageSieve.
package main

import (
	"fmt"
	"os"

	"github.com/mjl-/sconf"

	"github.com/aox/aox/config"
)

func usage() {
	fmt.Fprintln(os.Stderr, "usage: aox serve [-c configfile] [-f]")
	fmt.Fprintln(os.Stderr, "       aox config describe")
	fmt.Fprintln(os.Stderr, "       aox version")
	os.Exit(2)
}

var version = "(devel)"

func main() {
	if len(os.Args) < 2 {
		usage()
	}

	switch os.Args[1] {
	case "serve":
		serve(os.Args[2:])

	case "config":
		if len(os.Args) != 3 || os.Args[2] != "describe" {
			usage()
		}
		// An example config with one listener, as a starting point.
		static := config.Static{
			Hostname: "mail.example.org",
			LogLevel: "info",
			DB: config.DB{
				Address: "localhost:5432",
				Name:    "archiveopteryx",
				User:    "aox",
			},
			Listeners: map[string]config.Listener{
				"public": {
					IPs:  []string{"0.0.0.0"},
					IMAP: config.Service{Enabled: true},
					LMTP: config.Service{Enabled: true},
				},
			},
		}
		if err := sconf.Describe(os.Stdout, &static); err != nil {
			fmt.Fprintf(os.Stderr, "describing config: %v\n", err)
			os.Exit(1)
		}

	case "version":
		fmt.Println(version)

	default:
		usage()
	}
}
