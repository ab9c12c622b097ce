package observability

import (
	"fmt"
	"io"
	"os"
	"strings"
	"sync"

	"golang.org/x/term"
)

const (
	colorReset    = "\033[0m"
	colorBold     = "\033[1m"
	colorRed      = "\033[91m"
	colorYellow   = "\033[93m"
	colorNeonCyan = "\033[96m"
	colorNeonMag  = "\033[95m"
)

// termMu serialises all terminal output so log lines and summaries never interleave.
var termMu sync.Mutex

// ------------------------------------------------------------
// Utility
// ------------------------------------------------------------

func termWidth() int {
	w, _, err := term.GetSize(int(os.Stdout.Fd()))
	if err != nil {
		return 80
	}
	return w
}

// IsTerminal reports whether stdout is attached to a terminal.
func IsTerminal() bool {
	return term.IsTerminal(int(os.Stdout.Fd()))
}

func clamp(v, min, max int) int {
	if v < min {
		return min
	}
	if v > max {
		return max
	}
	return v
}

// ------------------------------------------------------------
// TermWriter: a mutex-guarded io.Writer for log output.
// ------------------------------------------------------------

type termWriter struct {
	w io.Writer
}

func (tw termWriter) Write(p []byte) (n int, err error) {
	termMu.Lock()
	defer termMu.Unlock()
	return tw.w.Write(p)
}

// NewTermWriter returns an io.Writer suitable for log.SetOutput().
func NewTermWriter() io.Writer {
	return termWriter{w: os.Stderr}
}

// ------------------------------------------------------------
// Banner
// ------------------------------------------------------------

func PrintBanner(w io.Writer) {
	banner := `
   _____ __            ____
  / ___// /____  ____ / __/___  _________ ____
  \__ \/ __/ _ \/ __ \/ /_/ __ \/ ___/ __ ` + "`" + `/ _ \
 ___/ / /_/  __/ /_/ / __/ /_/ / /  / /_/ /  __/
/____/\__/\___/ .___/_/  \____/_/   \__, /\___/
             /_/                   /____/

          >> PLAN . EXECUTE . EVALUATE <<
`
	color, reset := "", ""
	width := 80
	if IsTerminal() {
		color, reset = colorNeonCyan, colorReset
		width = termWidth()
	}

	termMu.Lock()
	defer termMu.Unlock()
	for _, l := range strings.Split(banner, "\n") {
		padding := (width - len(l)) / 2
		if padding < 0 {
			padding = 0
		}
		fmt.Fprintf(w, "%s%s%s%s\n", strings.Repeat(" ", padding), color, l, reset)
	}
}

// ------------------------------------------------------------
// Run summary
// ------------------------------------------------------------

// ProgressBar renders done/total as a fixed-width bar.
func ProgressBar(done, total, width int) string {
	if width <= 0 {
		width = 20
	}
	filled := 0
	if total > 0 {
		filled = clamp(done*width/total, 0, width)
	}
	return strings.Repeat("█", filled) + strings.Repeat("▒", width-filled)
}

// StatusColor wraps a plan or step status in a terminal color when stdout is a TTY.
func StatusColor(status string) string {
	if !IsTerminal() {
		return status
	}
	color := colorReset
	switch strings.ToLower(status) {
	case "completed", "success":
		color = colorNeonCyan
	case "failed":
		color = colorRed
	case "impossible":
		color = colorNeonMag
	case "pending", "skipped":
		color = colorYellow
	}
	return colorBold + color + status + colorReset
}

// PrintLine writes one line under the terminal lock.
func PrintLine(w io.Writer, format string, args ...any) {
	termMu.Lock()
	defer termMu.Unlock()
	fmt.Fprintf(w, format+"\n", args...)
}
