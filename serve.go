package main

import (
	"context"
	"flag"
	"log/slog"
	"net/http"
	"os"
	"os/exec"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/aox/aox/alog"
	aox "github.com/aox/aox/aox-"
	"github.com/aox/aox/imapserver"
	"github.com/aox/aox/pgwire"
	"github.com/aox/aox/pop3server"
	"github.com/aox/aox/queue"
	"github.com/aox/aox/sieveserver"
	"github.com/aox/aox/smtpserver"
	"github.com/aox/aox/store"
)

// serve is the main mode: bind the listeners, connect to the database and
// run until a terminating signal.
func serve(args []string) {
	log := alog.New("aox", nil)

	fs := flag.NewFlagSet("serve", flag.ExitOnError)
	configFile := fs.String("c", "/etc/archiveopteryx.conf", "configuration file")
	foreground := fs.Bool("f", false, "fork into the background")
	fs.Parse(args)

	if err := aox.LoadConfig(*configFile); err != nil {
		log.Errorx("loading config", err)
		os.Exit(1)
	}

	// With -f we re-exec ourselves detached and exit; the child gets the
	// same arguments, and AOX_DAEMON in its environment keeps it from
	// forking again.
	if *foreground && os.Getenv("AOX_DAEMON") == "" {
		daemonize(log, args)
		return
	}

	// Worker processes: the parent spawns n-1 children; every process binds
	// the same addresses with SO_REUSEPORT and runs the same serve loop.
	// There is no shared memory: caches cohere through database
	// notifications.
	isWorker := os.Getenv("AOX_WORKER") != ""
	if aox.Conf.Processes > 1 && !isWorker {
		for i := 1; i < aox.Conf.Processes; i++ {
			spawnWorker(log, i)
		}
	}

	aox.Shutdown, aox.ShutdownCancel = context.WithCancel(context.Background())
	aox.Context, aox.ContextCancel = context.WithCancel(context.Background())

	if !isWorker {
		if err := aox.WritePidfile(); err != nil {
			log.Errorx("writing pid file", err)
			os.Exit(1)
		}
	}

	pool := pgwire.NewPool(aox.Conf.DB)
	if err := store.Init(aox.Context, pool); err != nil {
		log.Errorx("initializing store", err)
		os.Exit(1)
	}
	stopSwitchboard := store.Switchboard()
	defer stopSwitchboard()

	queue.Start()
	smtpserver.Listen()
	imapserver.Listen()
	pop3server.Listen()
	sieveserver.Listen()
	smtpserver.Serve()
	imapserver.Serve()
	pop3server.Serve()
	sieveserver.Serve()

	if addr := aox.Conf.MetricsAddress; addr != "" {
		go func() {
			mux := http.NewServeMux()
			mux.Handle("/metrics", promhttp.Handler())
			srv := &http.Server{Addr: addr, Handler: mux}
			log.Print("listening for metrics", slog.String("addr", addr))
			err := srv.ListenAndServe()
			log.Errorx("metrics listener done", err)
		}()
	}

	log.Print("serving", slog.String("version", version), slog.String("config", *configFile))

	// SIGHUP and SIGPIPE are ignored; SIGINT/SIGTERM initiate graceful
	// shutdown.
	signal.Ignore(syscall.SIGHUP, syscall.SIGPIPE)
	sigc := make(chan os.Signal, 1)
	signal.Notify(sigc, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigc
	log.Print("shutting down on signal", slog.String("signal", sig.String()))

	shutdown(log)
	if !isWorker {
		aox.RemovePidfile(log)
	}
	os.Exit(0)
}

// shutdown drains the listeners first (new connections are rejected with a
// shutdown message), gives existing sessions a grace window, then closes
// the remaining sockets.
func shutdown(log alog.Log) {
	aox.ShutdownCancel()

	done := aox.Connections.Done()
	select {
	case <-done:
		log.Print("connections shut down cleanly")
	case <-time.After(3 * time.Second):
		// Cancel pending operations and set immediate socket deadlines;
		// handlers fail and close their connections.
		aox.ContextCancel()
		aox.Connections.Shutdown()
		select {
		case <-done:
			log.Print("connections shut down after cancellation")
		case <-time.After(time.Second):
			log.Print("shutting down with pending connections")
		}
	}
	store.DB.Stop()
}

func daemonize(log alog.Log, args []string) {
	prog, err := os.Executable()
	if err != nil {
		log.Errorx("finding executable", err)
		os.Exit(1)
	}
	cmd := exec.Command(prog, append([]string{"serve"}, args...)...)
	cmd.Env = append(os.Environ(), "AOX_DAEMON=1")
	cmd.Stdout = nil
	cmd.Stderr = nil
	cmd.SysProcAttr = &syscall.SysProcAttr{Setsid: true}
	if err := cmd.Start(); err != nil {
		log.Errorx("forking to background", err)
		os.Exit(1)
	}
	os.Exit(0)
}

func spawnWorker(log alog.Log, n int) {
	prog, err := os.Executable()
	if err != nil {
		log.Errorx("finding executable", err)
		os.Exit(1)
	}
	cmd := exec.Command(prog, os.Args[1:]...)
	cmd.Env = append(os.Environ(), "AOX_WORKER="+strconv.Itoa(n))
	cmd.Stdout = os.Stdout
	cmd.Stderr = os.Stderr
	if err := cmd.Start(); err != nil {
		log.Errorx("starting worker process", err)
		os.Exit(1)
	}
	log.Print("started worker process", slog.String("worker", strconv.Itoa(n)))
}
