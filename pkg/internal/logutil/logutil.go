package logutil

import (
	"encoding/json"
	"fmt"
	"log"
	"os"
	"strings"
	"sync/atomic"
	"time"
)

var (
	jsonMode  atomic.Bool
	debugMode atomic.Bool
)

func init() {
	if os.Getenv("PAXOS_LOG_JSON") == "1" || os.Getenv("PAXOS_LOG_FORMAT") == "json" {
		jsonMode.Store(true)
	}
	if strings.EqualFold(os.Getenv("PAXOS_LOG_LEVEL"), "debug") {
		debugMode.Store(true)
	}
}

func SetJSON(enabled bool)  { jsonMode.Store(enabled) }
func SetDebug(enabled bool) { debugMode.Store(enabled) }

// Debugf is dropped unless debug logging is enabled. Actors use it for
// per-message tracing.
func Debugf(l *log.Logger, f string, args ...any) {
	if !debugMode.Load() {
		return
	}
	logf(l, "debug", f, args...)
}

func Infof(l *log.Logger, f string, args ...any)  { logf(l, "info", f, args...) }
func Warnf(l *log.Logger, f string, args ...any)  { logf(l, "warn", f, args...) }
func Errorf(l *log.Logger, f string, args ...any) { logf(l, "error", f, args...) }

func logf(l *log.Logger, level, f string, args ...any) {
	if l == nil {
		l = log.Default()
	}
	msg := fmt.Sprintf(f, args...)
	if jsonMode.Load() {
		b, _ := json.Marshal(map[string]any{
			"ts":    time.Now().UTC().Format(time.RFC3339Nano),
			"level": level,
			"msg":   msg,
		})
		l.Println(string(b))
		return
	}
	l.Print(strings.ToUpper(level) + " " + msg)
}
