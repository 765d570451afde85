package telemetry

import "log"

// Log event mask bits. A node's configured mask selects which events
// reach the log sink.
const (
	LogError uint32 = 1 << iota
	LogInfo
	LogNotice
	LogTrans
)

// LogAll enables every event class.
const LogAll = ^uint32(0)

// Logger is the sink interface; *log.Logger satisfies it.
type Logger interface {
	Printf(format string, args ...any)
}

// Log is a mask-gated logger shared by node components.
type Log struct {
	mask uint32
	out  Logger
}

func NewLog(out Logger, mask uint32) *Log {
	if out == nil {
		out = log.Default()
	}
	return &Log{mask: mask, out: out}
}

// Printf writes the message if any bit of mask is enabled.
func (l *Log) Printf(mask uint32, format string, args ...any) {
	if l == nil || l.mask&mask == 0 {
		return
	}
	l.out.Printf(format, args...)
}

func (l *Log) Errorf(format string, args ...any) {
	l.Printf(LogError, "error: "+format, args...)
}

func (l *Log) Infof(format string, args ...any) {
	l.Printf(LogInfo, format, args...)
}

func (l *Log) Noticef(format string, args ...any) {
	l.Printf(LogNotice, format, args...)
}

// Transf logs transaction-level events, the noisiest class.
func (l *Log) Transf(format string, args ...any) {
	l.Printf(LogTrans, format, args...)
}
