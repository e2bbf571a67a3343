package utils

import (
	"bytes"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"sync"
	"sync/atomic"
	"time"
)

type LogLevel int

// LogFile adds the caller file and line to every line.
var LogFile bool

const (
	LogLevelError = LogLevel(1 << iota)
	LogLevelInfo
	LogLevelNotice
	LogLevelDebug
)

var GlobalLogLevel = LogLevelError | LogLevelInfo | LogLevelNotice

// ParseLogLevel turns an operator supplied level name into the bitmask used by GlobalLogLevel.
// Each level includes all levels above it.
func ParseLogLevel(s string) (LogLevel, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "error":
		return LogLevelError, nil
	case "info", "":
		return LogLevelError | LogLevelInfo, nil
	case "notice", "warn", "warning":
		return LogLevelError | LogLevelInfo | LogLevelNotice, nil
	case "debug":
		return LogLevelError | LogLevelInfo | LogLevelNotice | LogLevelDebug, nil
	}
	return 0, fmt.Errorf("unknown log level %q", s)
}

type logWriter struct {
	w io.Writer
}

var logOutput atomic.Pointer[logWriter]

var logWriteLock sync.Mutex

// SetLogOutput redirects all log lines. A nil writer restores stdout.
func SetLogOutput(w io.Writer) {
	if w == nil {
		w = os.Stdout
	}
	logOutput.Store(&logWriter{w: w})
}

var logBufPool sync.Pool

func init() {
	logBufPool.New = func() any {
		return make([]byte, 0, 512)
	}
	SetLogOutput(os.Stdout)
}

func getLogBuf() []byte {
	return logBufPool.Get().([]byte)[:0]
}

func returnLogBuf(buf []byte) {
	logBufPool.Put(buf)
}

func Fatalf(prefix, format string, v ...any) {
	buf := getLogBuf()
	defer returnLogBuf(buf)
	_println(fmt.Appendf(innerPrint(buf, prefix, "FATAL"), format, v...))
	os.Exit(1)
}

func Errorf(prefix, format string, v ...any) {
	if GlobalLogLevel&LogLevelError == 0 {
		return
	}
	buf := getLogBuf()
	defer returnLogBuf(buf)
	_println(fmt.Appendf(innerPrint(buf, prefix, "ERROR"), format, v...))
}

func Logf(prefix, format string, v ...any) {
	if GlobalLogLevel&LogLevelInfo == 0 {
		return
	}
	buf := getLogBuf()
	defer returnLogBuf(buf)
	_println(fmt.Appendf(innerPrint(buf, prefix, "INFO"), format, v...))
}

func Noticef(prefix, format string, v ...any) {
	if GlobalLogLevel&LogLevelNotice == 0 {
		return
	}
	buf := getLogBuf()
	defer returnLogBuf(buf)
	_println(fmt.Appendf(innerPrint(buf, prefix, "NOTICE"), format, v...))
}

func IsLogLevelDebug() bool {
	return GlobalLogLevel&LogLevelDebug > 0
}

func Debugf(prefix, format string, v ...any) {
	if GlobalLogLevel&LogLevelDebug == 0 {
		return
	}
	buf := getLogBuf()
	defer returnLogBuf(buf)
	_println(fmt.Appendf(innerPrint(buf, prefix, "DEBUG"), format, v...))
}

func _println(buf []byte) {
	buf = bytes.TrimSpace(buf)
	buf = append(buf, '\n')

	// device goroutines log concurrently, keep lines whole
	logWriteLock.Lock()
	defer logWriteLock.Unlock()
	_, _ = logOutput.Load().w.Write(buf)
}

func innerPrint(buf []byte, prefix, class string) []byte {
	buf = time.Now().UTC().AppendFormat(buf, "2006-01-02 15:04:05.000")
	if LogFile {
		_, file, line, ok := runtime.Caller(2)
		if !ok {
			file = "???"
		}
		buf = fmt.Appendf(buf, " %s:%d [%s] %s ", filepath.Base(file), line, prefix, class)
	} else {
		buf = fmt.Appendf(buf, " [%s] %s ", prefix, class)
	}
	return buf
}
