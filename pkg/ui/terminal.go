// Package ui prints human-facing CLI output: coloured status lines, the
// live crawl progress line and desktop notifications.
package ui

import (
	"fmt"
	"io"
	"os"
	"sync"
)

// Banner is printed at the top of interactive commands
const Banner = `
  ┌─────────────────────────────────────────────┐
  │  igcrawler · multi-account follower crawler │
  └─────────────────────────────────────────────┘
`

// Color functions for terminal output
var (
	Cyan    = colorize("\033[36m%s\033[0m")
	Yellow  = colorize("\033[33m%s\033[0m")
	Red     = colorize("\033[31m%s\033[0m")
	Green   = colorize("\033[32m%s\033[0m")
	Magenta = colorize("\033[35m%s\033[0m")
	Dim     = colorize("\033[2m%s\033[0m")
)

var (
	mu      sync.Mutex
	out     io.Writer = os.Stdout
	quiet   bool
	noColor bool
)

// SetOutput redirects all printing to w
func SetOutput(w io.Writer) {
	mu.Lock()
	out = w
	mu.Unlock()
}

// SetQuietMode suppresses everything except errors
func SetQuietMode(q bool) {
	mu.Lock()
	quiet = q
	mu.Unlock()
}

// SetNoColor disables ANSI colours
func SetNoColor(n bool) {
	mu.Lock()
	noColor = n
	mu.Unlock()
}

func colorize(colorString string) func(string) string {
	return func(text string) string {
		mu.Lock()
		plain := noColor
		mu.Unlock()
		if plain {
			return text
		}
		return fmt.Sprintf(colorString, text)
	}
}

func printf(force bool, format string, args ...interface{}) {
	mu.Lock()
	w, q := out, quiet
	mu.Unlock()
	if q && !force {
		return
	}
	fmt.Fprintf(w, format, args...)
}

// PrintBanner prints the banner
func PrintBanner() {
	printf(false, "%s", Cyan(Banner))
}

// PrintError prints an error message in red. It is shown in quiet mode too.
func PrintError(msg string, args ...interface{}) {
	if len(args) > 0 {
		msg = msg + ": " + fmt.Sprintf("%v", args[0])
	}
	printf(true, "%s\n", Red(msg))
}

// PrintSuccess prints a success message in green
func PrintSuccess(msg string) {
	printf(false, "%s\n", Green(msg))
}

// PrintInfo prints a label and value
func PrintInfo(label string, value string) {
	printf(false, "%s: %s\n", Cyan(label), Yellow(value))
}

// PrintWarning prints a warning message in yellow
func PrintWarning(msg string, args ...interface{}) {
	if len(args) > 0 {
		msg = msg + ": " + fmt.Sprintf("%v", args[0])
	}
	printf(false, "%s\n", Yellow(msg))
}

// PrintHighlight prints a highlighted message in magenta
func PrintHighlight(msg string) {
	printf(false, "%s\n", Magenta(msg))
}
