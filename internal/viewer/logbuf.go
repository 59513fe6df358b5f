package viewer

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/petervdpas/reliefmesh/internal/util"
)

type LogEntry struct {
	TS  time.Time `json:"ts"`
	Msg string    `json:"msg"`
}

// Subsystem returns the upper-case prefix of the entry ("OUTBOX" for
// "OUTBOX: queued #3"), or "" if it has none.
func (e LogEntry) Subsystem() string {
	i := strings.IndexByte(e.Msg, ':')
	if i <= 0 {
		return ""
	}
	p := e.Msg[:i]
	if strings.ToUpper(p) != p || strings.ContainsAny(p, " \t") {
		return ""
	}
	return p
}

// LogBuffer keeps the most recent log lines of the process for /api/logs. It
// is installed as an extra log output next to stderr.
type LogBuffer struct {
	mu      sync.Mutex
	entries *util.RingBuffer[LogEntry]
	subs    map[chan LogEntry]struct{}
	partial bytes.Buffer
}

func NewLogBuffer(max int) *LogBuffer {
	if max <= 0 {
		max = 500
	}
	return &LogBuffer{
		entries: util.NewRingBuffer[LogEntry](max),
		subs:    make(map[chan LogEntry]struct{}),
	}
}

// Write implements io.Writer. Partial lines are held until their newline
// arrives.
func (b *LogBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.partial.Write(p)
	for {
		line, err := b.partial.ReadString('\n')
		if err != nil {
			// no newline yet; put the fragment back
			b.partial.WriteString(line)
			break
		}
		line = strings.TrimRight(line, "\r\n")
		if strings.TrimSpace(line) == "" {
			continue
		}
		e := LogEntry{TS: time.Now(), Msg: line}
		b.entries.Push(e)
		for ch := range b.subs {
			select {
			case ch <- e:
			default:
			}
		}
	}
	return len(p), nil
}

func (b *LogBuffer) Snapshot() []LogEntry {
	return b.entries.Snapshot()
}

// Filtered returns up to n of the latest entries whose subsystem is in
// subsystems (all entries when subsystems is empty). n <= 0 means no limit.
func (b *LogBuffer) Filtered(n int, subsystems ...string) []LogEntry {
	all := b.entries.Snapshot()
	if len(subsystems) > 0 {
		keep := all[:0]
		for _, e := range all {
			if matchSubsystem(e, subsystems) {
				keep = append(keep, e)
			}
		}
		all = keep
	}
	if n > 0 && len(all) > n {
		all = all[len(all)-n:]
	}
	return all
}

func matchSubsystem(e LogEntry, subsystems []string) bool {
	s := e.Subsystem()
	for _, want := range subsystems {
		if strings.EqualFold(s, want) {
			return true
		}
	}
	return false
}

func (b *LogBuffer) Subscribe() (ch chan LogEntry, cancel func()) {
	ch = make(chan LogEntry, 64)

	b.mu.Lock()
	b.subs[ch] = struct{}{}
	b.mu.Unlock()

	cancel = func() {
		b.mu.Lock()
		if _, ok := b.subs[ch]; ok {
			delete(b.subs, ch)
			close(ch)
		}
		b.mu.Unlock()
	}
	return ch, cancel
}

func querySubsystems(r *http.Request) []string {
	var out []string
	for _, v := range r.URL.Query()["sub"] {
		for _, s := range strings.Split(v, ",") {
			if s = strings.TrimSpace(s); s != "" {
				out = append(out, s)
			}
		}
	}
	return out
}

// GET /api/logs?n=100&sub=OUTBOX,NET
func (b *LogBuffer) ServeLogsJSON(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	n, _ := strconv.Atoi(r.URL.Query().Get("n"))
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	_ = json.NewEncoder(w).Encode(b.Filtered(n, querySubsystems(r)...))
}

// GET /api/logs/stream?sub=CHAT (Server-Sent Events), tail only
func (b *LogBuffer) ServeLogsSSE(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming unsupported", http.StatusInternalServerError)
		return
	}
	subsystems := querySubsystems(r)

	w.Header().Set("Content-Type", "text/event-stream; charset=utf-8")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")

	ch, cancel := b.Subscribe()
	defer cancel()

	for {
		select {
		case <-r.Context().Done():
			return
		case e, ok := <-ch:
			if !ok {
				return
			}
			if len(subsystems) > 0 && !matchSubsystem(e, subsystems) {
				continue
			}
			data, _ := json.Marshal(e)
			fmt.Fprintf(w, "event: message\ndata: %s\n\n", data)
			flusher.Flush()
		}
	}
}
