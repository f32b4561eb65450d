// Package queue forwards outgoing messages (sieve redirects, vacation
// replies, bounces) to the configured smarthost, retrying with exponential
// backoff.
package queue

import (
	"bufio"
	"fmt"
	"log/slog"
	"net"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/aox/aox/alog"
	aox "github.com/aox/aox/aox-"
	"github.com/aox/aox/sieve"
)

var xlog = alog.New("queue", nil)

var metricQueue = promauto.NewCounterVec(
	prometheus.CounterOpts{
		Name: "aox_queue_delivery_total",
		Help: "Smarthost delivery attempts.",
	},
	[]string{"result"}, // ok, tempfail, permfail, dropped
)

// Doubling intervals between delivery attempts. After the last interval the
// message is dropped with an error log; there is nowhere left to report
// failure to.
var retryIntervals = []time.Duration{
	5 * time.Minute,
	10 * time.Minute,
	20 * time.Minute,
	40 * time.Minute,
	80 * time.Minute,
	160 * time.Minute,
	320 * time.Minute,
}

// Msg is one queued outgoing message.
type Msg struct {
	ID       string // For log correlation.
	From     string
	To       string
	Data     []byte
	Attempts int
	NextTry  time.Time
}

var queue struct {
	sync.Mutex
	msgs    []*Msg
	started bool
}

// Start launches the delivery goroutine. Without a configured smarthost,
// queued messages are dropped with an error log.
func Start() {
	queue.Lock()
	defer queue.Unlock()
	if queue.started {
		return
	}
	queue.started = true
	go deliverer()
}

// Add queues a message for forwarding.
func Add(log alog.Log, from, to string, data []byte) {
	m := &Msg{
		ID:      uuid.NewString(),
		From:    from,
		To:      to,
		Data:    data,
		NextTry: time.Now(),
	}
	queue.Lock()
	queue.msgs = append(queue.msgs, m)
	queue.Unlock()
	log.Info("queued message for smarthost", slog.String("qid", m.ID), slog.String("to", to))
}

// AddVacation composes and queues an automatic reply for a vacation action.
func AddVacation(log alog.Log, from, to string, a sieve.Action) {
	if to == "" || to == "<>" {
		// Never autoreply to the null sender.
		return
	}
	subject := a.Subject
	if subject == "" {
		subject = "Automated reply"
	}
	msgid := fmt.Sprintf("<%s@%s>", uuid.NewString(), aox.Conf.Hostname)
	var b strings.Builder
	fmt.Fprintf(&b, "From: <%s>\r\n", from)
	fmt.Fprintf(&b, "To: <%s>\r\n", to)
	fmt.Fprintf(&b, "Subject: %s\r\n", subject)
	fmt.Fprintf(&b, "Message-Id: %s\r\n", msgid)
	fmt.Fprintf(&b, "Date: %s\r\n", time.Now().UTC().Format(time.RFC1123Z))
	fmt.Fprintf(&b, "Auto-Submitted: auto-replied\r\n")
	fmt.Fprintf(&b, "\r\n%s\r\n", a.Message)
	// The envelope sender is null so autoreplies never loop.
	Add(log, "", to, []byte(b.String()))
}

func deliverer() {
	t := time.NewTicker(30 * time.Second)
	defer t.Stop()
	for {
		select {
		case <-t.C:
		case <-aox.Shutdown.Done():
			return
		}

		now := time.Now()
		queue.Lock()
		var due []*Msg
		for _, m := range queue.msgs {
			if !m.NextTry.After(now) {
				due = append(due, m)
			}
		}
		queue.Unlock()

		for _, m := range due {
			err := deliver(m)
			if err == nil {
				metricQueue.WithLabelValues("ok").Inc()
				remove(m)
				xlog.Info("smarthost delivery done", slog.String("qid", m.ID))
				continue
			}
			m.Attempts++
			if m.Attempts > len(retryIntervals) {
				metricQueue.WithLabelValues("dropped").Inc()
				remove(m)
				xlog.Errorx("dropping message after repeated smarthost failures", err, slog.String("qid", m.ID), slog.String("to", m.To))
				continue
			}
			metricQueue.WithLabelValues("tempfail").Inc()
			m.NextTry = time.Now().Add(retryIntervals[m.Attempts-1])
			xlog.Infox("smarthost delivery failed, will retry", err, slog.String("qid", m.ID), slog.Duration("delay", retryIntervals[m.Attempts-1]))
		}
	}
}

func remove(m *Msg) {
	queue.Lock()
	defer queue.Unlock()
	for i, q := range queue.msgs {
		if q == m {
			queue.msgs = append(queue.msgs[:i], queue.msgs[i+1:]...)
			return
		}
	}
}

// deliver speaks just enough SMTP to hand one message to the smarthost.
func deliver(m *Msg) error {
	addr := aox.Conf.Smarthost.Address
	if addr == "" {
		return fmt.Errorf("no smarthost configured")
	}

	d := net.Dialer{Timeout: 30 * time.Second}
	nc, err := d.DialContext(aox.Context, "tcp", addr)
	if err != nil {
		return fmt.Errorf("dial smarthost: %w", err)
	}
	defer nc.Close()
	if err := nc.SetDeadline(time.Now().Add(5 * time.Minute)); err != nil {
		return err
	}

	br := bufio.NewReader(nc)
	read := func(expect byte) error {
		for {
			line, err := br.ReadString('\n')
			if err != nil {
				return fmt.Errorf("reading smarthost response: %w", err)
			}
			line = strings.TrimRight(line, "\r\n")
			if len(line) < 4 {
				if len(line) >= 3 && line[0] == expect {
					return nil
				}
				return fmt.Errorf("bad smarthost response %q", line)
			}
			if line[3] == '-' {
				continue // Multiline reply.
			}
			if line[0] != expect {
				return fmt.Errorf("smarthost said %q", line)
			}
			return nil
		}
	}
	writef := func(format string, args ...any) error {
		_, err := fmt.Fprintf(nc, format+"\r\n", args...)
		return err
	}

	from := m.From
	if from == "<>" {
		from = ""
	}

	if err := read('2'); err != nil {
		return err
	}
	if err := writef("EHLO %s", aox.Conf.Hostname); err != nil {
		return err
	}
	if err := read('2'); err != nil {
		return err
	}
	if err := writef("MAIL FROM:<%s>", from); err != nil {
		return err
	}
	if err := read('2'); err != nil {
		return err
	}
	if err := writef("RCPT TO:<%s>", m.To); err != nil {
		return err
	}
	if err := read('2'); err != nil {
		return err
	}
	if err := writef("DATA"); err != nil {
		return err
	}
	if err := read('3'); err != nil {
		return err
	}
	// Dot-stuff the payload.
	for _, line := range strings.Split(strings.TrimRight(string(m.Data), "\r\n"), "\n") {
		line = strings.TrimRight(line, "\r")
		if strings.HasPrefix(line, ".") {
			line = "." + line
		}
		if err := writef("%s", line); err != nil {
			return err
		}
	}
	if err := writef("."); err != nil {
		return err
	}
	if err := read('2'); err != nil {
		return err
	}
	writef("QUIT")
	return nil
}
