// Package output provides formatted console output for job runs.
package output

import (
	"fmt"
	"io"
	"strings"
	"sync"
	"time"
)

// Colors for terminal output.
const (
	colorReset  = "\033[0m"
	colorRed    = "\033[31m"
	colorGreen  = "\033[32m"
	colorYellow = "\033[33m"
	colorBlue   = "\033[34m"
	colorCyan   = "\033[36m"
	colorGray   = "\033[90m"
	colorBold   = "\033[1m"

	clearLine = "\r\033[K"
)

// Stats holds run statistics for the recap line.
type Stats interface {
	GetOK() int
	GetChanged() int
	GetFailed() int
	GetSkipped() int
	GetDuration() time.Duration
}

// Output handles formatted output.
type Output struct {
	w        io.Writer
	useColor bool
	debug    bool

	mu           sync.Mutex
	progressLine bool
}

// New creates a new output handler.
func New(w io.Writer) *Output {
	return &Output{
		w:        w,
		useColor: true,
	}
}

// SetColor enables or disables color output. Progress lines are only drawn
// with color enabled, since they rely on terminal escapes.
func (o *Output) SetColor(enabled bool) {
	o.useColor = enabled
}

// SetDebug enables or disables debug output.
func (o *Output) SetDebug(enabled bool) {
	o.debug = enabled
}

// IsDebug reports whether debug output is enabled.
func (o *Output) IsDebug() bool {
	return o.debug
}

// color returns the string wrapped in color codes if enabled.
func (o *Output) color(c, s string) string {
	if !o.useColor {
		return s
	}
	return c + s + colorReset
}

// JobStart prints the job banner.
func (o *Output) JobStart(name, target, path string) {
	o.printf("\n%s %s %s\n", o.color(colorBold, "JOB"), name, o.color(colorGray, "("+target+")"))
	if o.debug && path != "" {
		o.printf("%s %s\n", o.color(colorGray, "file:"), path)
	}
}

// Stage prints a stage header.
func (o *Output) Stage(name string) {
	o.printf("\n%s\n", o.color(colorBold, strings.ToUpper(name)))
}

// TaskResult prints one result line.
// Format: [indicator] name
func (o *Output) TaskResult(name, status string, message string) {
	var indicator, statusColor string

	switch {
	case strings.HasPrefix(status, "ok"):
		indicator = "✓"
		statusColor = colorGreen
	case strings.HasPrefix(status, "changed"):
		indicator = "✓"
		statusColor = colorYellow
	case strings.HasPrefix(status, "skipped"):
		indicator = "○"
		statusColor = colorCyan
	case strings.HasPrefix(status, "failed"):
		indicator = "✗"
		statusColor = colorRed
	default:
		indicator = "?"
		statusColor = colorGray
	}

	o.printf("  %s %s\n", o.color(statusColor, indicator), name)
	if message != "" {
		o.printf("    %s %s\n", o.color(colorGray, "→"), message)
	}
}

// CommandOutput prints captured stdout, and stderr in debug mode or when
// the command failed, indented under the preceding result line.
func (o *Output) CommandOutput(stdout, stderr string, failed bool) {
	o.block("stdout", stdout)
	if o.debug || failed {
		o.block("stderr", stderr)
	}
}

func (o *Output) block(label, s string) {
	s = strings.TrimRight(s, "\n")
	if strings.TrimSpace(s) == "" {
		return
	}
	o.printf("      %s\n", o.color(colorGray, label+":"))
	for _, line := range strings.Split(s, "\n") {
		o.printf("        %s\n", line)
	}
}

// Entry prints one planned entry.
func (o *Output) Entry(kind, path string) {
	o.printf("  %s %s\n", o.color(colorGray, fmt.Sprintf("%-4s", kind)), path)
}

// Progress redraws the transfer progress line in place.
func (o *Output) Progress(done, total int, path string) {
	if !o.useColor {
		return
	}
	o.mu.Lock()
	defer o.mu.Unlock()
	o.progressLine = true
	fmt.Fprintf(o.w, "%s  %s %s", clearLine, o.color(colorCyan, fmt.Sprintf("[%d/%d]", done, total)), path)
}

// EndProgress clears the progress line, if one was drawn.
func (o *Output) EndProgress() {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.progressLine {
		fmt.Fprint(o.w, clearLine)
		o.progressLine = false
	}
}

// Recap prints the run summary.
func (o *Output) Recap(stats Stats) {
	o.printf("\n%s ", o.color(colorBold, "RECAP"))

	ok := o.color(colorGreen, fmt.Sprintf("ok=%d", stats.GetOK()))
	changed := o.color(colorYellow, fmt.Sprintf("changed=%d", stats.GetChanged()))
	failed := o.color(colorRed, fmt.Sprintf("failed=%d", stats.GetFailed()))
	skipped := o.color(colorCyan, fmt.Sprintf("skipped=%d", stats.GetSkipped()))

	o.printf("%s %s %s %s", ok, changed, failed, skipped)
	o.printf(" %s\n", o.color(colorGray, fmt.Sprintf("(%.2fs)", stats.GetDuration().Seconds())))
}

// Info prints an informational message.
func (o *Output) Info(format string, args ...any) {
	o.printf("%s %s\n", o.color(colorBlue, "INFO"), fmt.Sprintf(format, args...))
}

// Warn prints a warning message.
func (o *Output) Warn(format string, args ...any) {
	o.printf("%s %s\n", o.color(colorYellow, "WARN"), fmt.Sprintf(format, args...))
}

// Error prints an error message.
func (o *Output) Error(format string, args ...any) {
	o.printf("%s %s\n", o.color(colorRed, "ERROR"), fmt.Sprintf(format, args...))
}

// Debug prints a debug message (only in debug mode).
func (o *Output) Debug(format string, args ...any) {
	if o.debug {
		o.printf("%s %s\n", o.color(colorGray, "DEBUG"), fmt.Sprintf(format, args...))
	}
}

func (o *Output) printf(format string, args ...any) {
	o.mu.Lock()
	defer o.mu.Unlock()
	fmt.Fprintf(o.w, format, args...)
}
