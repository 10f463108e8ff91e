// Package logger provides the colored, leveled console logger used across
// the transport. It keeps the call surface the rest of the codebase expects
// (Debug/Info/Warn/Error/Success/Fatal, Banner/Section) but is backed by
// logrus so that fields attached with WithField/WithError survive into any
// downstream formatter (JSON, syslog, ...) an operator swaps in later.
package logger

import (
	"fmt"
	"os"

	"github.com/sirupsen/logrus"
)

// Log levels, kept numerically compatible with the original console logger
// so SetLevel(LevelDebug) etc. still reads naturally at call sites.
const (
	LevelDebug = iota
	LevelInfo
	LevelWarn
	LevelError
	LevelSuccess
)

const (
	ColorReset  = "\033[0m"
	ColorRed    = "\033[31m"
	ColorGreen  = "\033[32m"
	ColorYellow = "\033[33m"
	ColorWhite  = "\033[37m"
	ColorCyan   = "\033[36m"
	ColorGray   = "\033[90m"
)

var base = logrus.New()

func init() {
	base.SetOutput(os.Stdout)
	base.SetLevel(logrus.InfoLevel)
	base.SetFormatter(&logrus.TextFormatter{
		FullTimestamp:   true,
		TimestampFormat: "15:04:05",
	})
}

// SetLevel sets the minimum log level using the package's own scale.
func SetLevel(level int) {
	switch level {
	case LevelDebug:
		base.SetLevel(logrus.DebugLevel)
	case LevelInfo, LevelSuccess:
		base.SetLevel(logrus.InfoLevel)
	case LevelWarn:
		base.SetLevel(logrus.WarnLevel)
	case LevelError:
		base.SetLevel(logrus.ErrorLevel)
	}
}

// SetTimeFormat sets the timestamp layout used by log lines.
func SetTimeFormat(format string) {
	base.SetFormatter(&logrus.TextFormatter{
		FullTimestamp:   true,
		TimestampFormat: format,
	})
}

// ShowTime enables or disables the timestamp prefix.
func ShowTime(show bool) {
	base.SetFormatter(&logrus.TextFormatter{
		DisableTimestamp: !show,
		FullTimestamp:    show,
	})
}

// Fields is a typed alias so callers don't need to import logrus directly.
type Fields = logrus.Fields

// WithFields returns an entry carrying structured fields (connection
// address, seq-num, subtype...) that the caller logs through.
func WithFields(f Fields) *logrus.Entry {
	return base.WithFields(f)
}

func Debug(format string, args ...interface{}) {
	base.Debugf(format, args...)
}

func Info(format string, args ...interface{}) {
	base.Infof(format, args...)
}

// InfoCyan is kept for call sites that want a highlighted info line; logrus
// has no per-call color override so this just logs at Info.
func InfoCyan(format string, args ...interface{}) {
	base.Infof(format, args...)
}

func Warn(format string, args ...interface{}) {
	base.Warnf(format, args...)
}

func Error(format string, args ...interface{}) {
	base.Errorf(format, args...)
}

// Success logs at Info level with a result=success field; logrus has no
// dedicated success level.
func Success(format string, args ...interface{}) {
	base.WithField("result", "success").Infof(format, args...)
}

func Fatal(format string, args ...interface{}) {
	base.Fatalf(format, args...)
}

// Section prints a boxed section header directly to stdout, bypassing the
// logrus formatter — used for human-facing startup banners, not log lines.
func Section(title string) {
	border := "═══════════════════════════════════════════════════════════"
	fmt.Printf("\n%s╔%s╗%s\n", ColorCyan, border, ColorReset)
	fmt.Printf("%s║%s %-57s %s║%s\n", ColorCyan, ColorReset, title, ColorCyan, ColorReset)
	fmt.Printf("%s╚%s╝%s\n\n", ColorCyan, border, ColorReset)
}

// Banner prints the application banner.
func Banner(title, version string) {
	banner := `
╔═══════════════════════════════════════════════════════════╗
║                                                           ║
║   ███████╗██╗   ██╗██████╗ ███████╗██████╗  █████╗  ██████╗███████╗
║   ██╔════╝██║   ██║██╔══██╗██╔════╝██╔══██╗██╔══██╗██╔════╝██╔════╝
║   ███████╗██║   ██║██████╔╝███████╗██████╔╝███████║██║     █████╗
║   ╚════██║██║   ██║██╔══██╗╚════██║██╔═══╝ ██╔══██║██║     ██╔══╝
║   ███████║╚██████╔╝██████╔╝███████║██║     ██║  ██║╚██████╗███████╗
║   ╚══════╝ ╚═════╝ ╚═════╝ ╚══════╝╚═╝     ╚═╝  ╚═╝ ╚═════╝╚══════╝
║                                                           ║
║              %s%-37s%s║
║                    %sVersion %-7s%s                      ║
║                                                           ║
╚═══════════════════════════════════════════════════════════╝
`
	fmt.Printf(banner, ColorCyan, title, ColorReset, ColorGreen, version, ColorReset)
}
