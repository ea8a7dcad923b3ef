package commands

import (
	"fmt"
	"io"

	"github.com/fatih/color"
)

var (
	green  = color.New(color.FgGreen)
	yellow = color.New(color.FgYellow)
	red    = color.New(color.FgRed, color.Bold)
	cyan   = color.New(color.FgCyan, color.Bold)
	faint  = color.New(color.Faint)
)

func printSuccess(w io.Writer, format string, a ...any) {
	green.Fprintf(w, "✓ %s\n", fmt.Sprintf(format, a...))
}

func printWarning(w io.Writer, format string, a ...any) {
	yellow.Fprintf(w, "! %s\n", fmt.Sprintf(format, a...))
}

// printError writes a titled error with an explanation and returns a plain
// error for cobra, which is configured not to print it.
func printError(w io.Writer, title, explanation string) error {
	red.Fprintf(w, "%s\n", title)
	if explanation != "" {
		fmt.Fprintf(w, "%s\n", explanation)
	}
	return fmt.Errorf("%s", title)
}

func printAgent(w io.Writer, name, text string) {
	cyan.Fprintf(w, "%s: ", name)
	fmt.Fprintln(w, text)
}

func printChunk(w io.Writer, index, total int, text string) {
	faint.Fprintf(w, "[%d/%d] ", index, total)
	fmt.Fprintln(w, text)
}
