package output

import (
	"encoding/json"
	"fmt"
	"io"
	"math"
	"os"
	"strings"

	"github.com/fatih/color"
	"github.com/olekukonko/tablewriter"
	"github.com/olekukonko/tablewriter/tw"
)

// UI writes prefixed, colored messages for the CLI. Verbose enables
// VerboseLog and DryRun enables DryRunMsg.
type UI struct {
	Verbose bool
	DryRun  bool
	Out     io.Writer
	ErrOut  io.Writer
}

func New() *UI { return &UI{Out: os.Stdout, ErrOut: os.Stderr} }

var (
	infoPrefix    = color.New(color.FgHiBlue).Sprint("i")
	successPrefix = color.New(color.FgHiGreen).Sprint("\u2713")
	warningPrefix = color.New(color.FgHiYellow).Sprint("\u26a0")
	errorPrefix   = color.New(color.FgHiRed).Sprint("\u2717")
	verbosePrefix = color.New(color.FgHiBlue).Sprint("  \u2192")
	dryRunPrefix  = color.New(color.FgHiYellow).Sprint("\u26a0 [DRY-RUN]")
	cyan          = color.New(color.FgHiCyan).SprintFunc()
	green         = color.New(color.FgHiGreen).SprintFunc()
	yellow        = color.New(color.FgHiYellow).SprintFunc()
	red           = color.New(color.FgHiRed).SprintFunc()
	magenta       = color.New(color.FgHiMagenta).SprintFunc()
)

func Cyan(s string) string   { return cyan(s) }
func Green(s string) string  { return green(s) }
func Yellow(s string) string { return yellow(s) }
func Red(s string) string    { return red(s) }

// StatusColor colors a work item, run or merge status.
func StatusColor(status string) string {
	switch strings.ToLower(status) {
	case "ready", "pending":
		return green(status)
	case "in_progress", "running", "merging", "initializing":
		return yellow(status)
	case "closed", "completed":
		return cyan(status)
	case "failed":
		return red(status)
	case "paused":
		return magenta(status)
	default:
		return status
	}
}

// ConfidenceColor formats a confidence score as a colored percentage.
// Scores below threshold are red.
func ConfidenceColor(confidence, threshold float64) string {
	s := fmt.Sprintf("%d%%", int(math.Round(confidence*100)))
	switch {
	case confidence < threshold:
		return red(s)
	case confidence < threshold+(1-threshold)/2:
		return yellow(s)
	default:
		return green(s)
	}
}

// HealthColor colors a health verdict.
func HealthColor(health string) string {
	switch health {
	case "healthy":
		return green(health)
	case "degraded":
		return yellow(health)
	case "unhealthy":
		return red(health)
	default:
		return health
	}
}

// JSON writes v as indented JSON.
func (u *UI) JSON(v any) error {
	enc := json.NewEncoder(u.Out)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func line(w io.Writer, prefix, format string, a []any) {
	fmt.Fprintf(w, "%s %s\n", prefix, fmt.Sprintf(format, a...))
}

// Info, Success and VerboseLog write to Out; the rest go to ErrOut so
// piped JSON stays clean.
func (u *UI) Info(format string, a ...any)    { line(u.Out, infoPrefix, format, a) }
func (u *UI) Success(format string, a ...any) { line(u.Out, successPrefix, format, a) }
func (u *UI) Warning(format string, a ...any) { line(u.ErrOut, warningPrefix, format, a) }
func (u *UI) Error(format string, a ...any)   { line(u.ErrOut, errorPrefix, format, a) }

func (u *UI) VerboseLog(format string, a ...any) {
	if u.Verbose {
		line(u.Out, verbosePrefix, format, a)
	}
}

// DryRunMsg reports what a command would have done.
func (u *UI) DryRunMsg(format string, a ...any) {
	if u.DryRun {
		line(u.ErrOut, dryRunPrefix, format, a)
	}
}

// Table returns a borderless, left-aligned table writing to Out.
func (u *UI) Table(headers []string) *tablewriter.Table {
	table := tablewriter.NewTable(u.Out,
		tablewriter.WithHeaderAlignment(tw.AlignLeft),
		tablewriter.WithRowAlignment(tw.AlignLeft),
		tablewriter.WithRendition(tw.Rendition{
			Borders:  tw.BorderNone,
			Settings: tw.Settings{Lines: tw.LinesNone, Separators: tw.SeparatorsNone},
		}),
		tablewriter.WithPadding(tw.Padding{Right: "  "}),
	)
	table.Header(headers)
	return table
}
