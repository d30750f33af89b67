package main

import (
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/mattn/go-isatty"

	"offload/internal/events"
)

type statusKind int

const (
	statusInfo statusKind = iota
	statusOK
	statusWarn
	statusError
)

const (
	ansiReset  = "\x1b[0m"
	ansiRed    = "\x1b[31m"
	ansiGreen  = "\x1b[32m"
	ansiYellow = "\x1b[33m"
	ansiBlue   = "\x1b[34m"
)

const (
	statusLabelWidth = 16
	statusIndent     = "  "
)

func renderStatusLine(label string, kind statusKind, message string, colorize bool) string {
	statusText := statusKindLabel(kind)
	if message != "" {
		statusText = fmt.Sprintf("[%s] %s", statusText, message)
	} else {
		statusText = fmt.Sprintf("[%s]", statusText)
	}
	base := fmt.Sprintf("%s%-*s %s", statusIndent, statusLabelWidth, label+":", statusText)
	if colorize {
		if color := statusKindColor(kind); color != "" {
			return color + base + ansiReset
		}
	}
	return base
}

func statusKindLabel(kind statusKind) string {
	switch kind {
	case statusOK:
		return "OK"
	case statusWarn:
		return "WARN"
	case statusError:
		return "ERROR"
	default:
		return "INFO"
	}
}

func statusKindColor(kind statusKind) string {
	switch kind {
	case statusOK:
		return ansiGreen
	case statusWarn:
		return ansiYellow
	case statusError:
		return ansiRed
	case statusInfo:
		return ansiBlue
	default:
		return ""
	}
}

func renderSectionHeader(title string, colorize bool) []string {
	line := fmt.Sprintf("== %s ==", strings.TrimSpace(title))
	rule := strings.Repeat("-", len(line))
	if colorize {
		line = ansiBlue + line + ansiReset
		rule = ansiBlue + rule + ansiReset
	}
	return []string{line, rule}
}

func isTerminal(writer io.Writer) bool {
	file, ok := writer.(*os.File)
	if !ok {
		return false
	}
	fd := file.Fd()
	return isatty.IsTerminal(fd) || isatty.IsCygwinTerminal(fd)
}

func shouldColorize(writer io.Writer) bool {
	return isTerminal(writer) && os.Getenv("NO_COLOR") == ""
}

// outcomeKind maps a finished-session status to a display kind.
func outcomeKind(status string) statusKind {
	switch {
	case strings.HasPrefix(status, "Completed"):
		return statusOK
	case status == "Canceled":
		return statusWarn
	case status == "":
		return statusInfo
	default:
		return statusError
	}
}

// formatEvent renders one event as a single activity line.
func formatEvent(evt events.Event) string {
	ts := evt.Timestamp.Local().Format(time.TimeOnly)
	switch evt.Type {
	case events.TypeLog:
		return fmt.Sprintf("%s %-5s %s", ts, strings.ToUpper(evt.Level), evt.Message)
	case events.TypeProgress:
		return fmt.Sprintf("%s PROG  %5.1f%% %s", ts, evt.Percent, evt.Message)
	case events.TypeSpeed:
		if evt.Speed == "" {
			return ""
		}
		return fmt.Sprintf("%s SPEED %s", ts, evt.Speed)
	case events.TypeVerification:
		return fmt.Sprintf("%s VERIF %s", ts, evt.Message)
	case events.TypeCardDetected:
		return fmt.Sprintf("%s CARD  detected %s at %s", ts, evt.Name, evt.Path)
	case events.TypeCardRemoved:
		return fmt.Sprintf("%s CARD  removed %s", ts, evt.Name)
	case events.TypePauseState:
		state := "resumed"
		if evt.Paused {
			state = "paused"
		}
		return fmt.Sprintf("%s PAUSE %s", ts, state)
	case events.TypeSessionStarted:
		return fmt.Sprintf("%s START %s -> %s", ts, evt.SessionID, evt.Destination)
	case events.TypeFinished:
		return fmt.Sprintf("%s DONE  %s (%d copied, %d failed)", ts, evt.Status, evt.Copied, evt.Failed)
	default:
		return fmt.Sprintf("%s %s", ts, evt.Type)
	}
}
