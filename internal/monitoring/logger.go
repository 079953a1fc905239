package monitoring

import (
	"io"
	"log"
	"os"

	"gopkg.in/natefinch/lumberjack.v2"
)

// Logf is the package-level diagnostic logger. It defaults to log.Printf but may
// be replaced by SetLogger. Tests or production code can redirect or mute it.
var Logf func(format string, v ...interface{}) = log.Printf

// SetLogger replaces the package logger. Passing nil will set a no-op logger.
func SetLogger(f func(format string, v ...interface{})) {
	if f == nil {
		Logf = func(string, ...interface{}) {}
		return
	}
	Logf = f
}

// ConfigureOutput tees the standard logger to a size-rotated file alongside
// stderr. Captures run unattended for days, so the file is capped at maxMB
// and three old copies are kept. An empty path leaves output unchanged.
func ConfigureOutput(path string, maxMB int) io.Closer {
	if path == "" {
		return nopCloser{}
	}
	if maxMB <= 0 {
		maxMB = 50
	}
	lj := &lumberjack.Logger{
		Filename:   path,
		MaxSize:    maxMB,
		MaxBackups: 3,
		Compress:   true,
	}
	log.SetOutput(io.MultiWriter(os.Stderr, lj))
	return lj
}

type nopCloser struct{}

func (nopCloser) Close() error { return nil }
