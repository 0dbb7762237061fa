// Package tmuxattach implements the attach adapter for tmux panes. It
// joins a pane through tmux control mode (tmux -C), translating the
// control-mode notification stream into relay events and relay intents
// into tmux commands. One adapter instance manages one pane.
package tmuxattach

import (
	"fmt"
	"os/exec"
	"strconv"
	"strings"
)

// relayOriginOption is the pane option used as the nested-share marker.
// Set while a pane is relay-managed; binding a pane that already carries
// it fails unless nesting is explicitly allowed.
const relayOriginOption = "@term_relay_origin"

// runner executes one-shot tmux commands. Tests substitute a fake; the
// control-mode subprocess is separate and not routed through this.
type runner interface {
	Output(args ...string) ([]byte, error)
}

type execRunner struct{}

func (execRunner) Output(args ...string) ([]byte, error) {
	path, err := exec.LookPath("tmux")
	if err != nil {
		return nil, fmt.Errorf("tmux not found: %w", err)
	}
	out, err := exec.Command(path, args...).Output()
	if err != nil {
		if ee, ok := err.(*exec.ExitError); ok && len(ee.Stderr) > 0 {
			return nil, fmt.Errorf("tmux %s: %s", args[0], strings.TrimSpace(string(ee.Stderr)))
		}
		return nil, fmt.Errorf("tmux %s: %w", args[0], err)
	}
	return out, nil
}

// displayMessage expands a single tmux format string for target.
func displayMessage(r runner, target, format string) (string, error) {
	out, err := r.Output("display-message", "-t", target, "-p", format)
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(string(out)), nil
}

// paneOption reads a pane-scoped user option. tmux echoes the bare
// format string back when the option is unset.
func paneOption(r runner, target, option string) (string, error) {
	value, err := displayMessage(r, target, fmt.Sprintf("#{%s}", option))
	if err != nil {
		return "", err
	}
	if value == option {
		return "", nil
	}
	return value, nil
}

// paneInfo is one row of list-panes output.
type paneInfo struct {
	PaneID  string
	Rows    int
	Cols    int
	Title   string
	Command string
}

const listPanesFormat = "#{pane_id}\t#{pane_height}\t#{pane_width}\t#{pane_title}\t#{pane_current_command}"

func listPanes(r runner) ([]paneInfo, error) {
	out, err := r.Output("list-panes", "-a", "-F", listPanesFormat)
	if err != nil {
		return nil, err
	}
	return parsePanes(string(out)), nil
}

// parsePanes parses the tab-separated list-panes output. Rows that do
// not match the expected shape are skipped.
func parsePanes(output string) []paneInfo {
	var panes []paneInfo
	for _, line := range strings.Split(output, "\n") {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		fields := strings.Split(line, "\t")
		if len(fields) != 5 {
			continue
		}
		rows, err := strconv.Atoi(fields[1])
		if err != nil {
			continue
		}
		cols, err := strconv.Atoi(fields[2])
		if err != nil {
			continue
		}
		panes = append(panes, paneInfo{
			PaneID:  fields[0],
			Rows:    rows,
			Cols:    cols,
			Title:   fields[3],
			Command: fields[4],
		})
	}
	return panes
}

// decodeOctal expands \ooo escapes in control-mode %output payloads.
// tmux escapes non-printable bytes as three-digit octal sequences.
func decodeOctal(data []byte) []byte {
	out := make([]byte, 0, len(data))
	for i := 0; i < len(data); {
		if data[i] == '\\' && i+3 < len(data) &&
			isOctal(data[i+1]) && isOctal(data[i+2]) && isOctal(data[i+3]) {
			v := (data[i+1]-'0')<<6 | (data[i+2]-'0')<<3 | (data[i+3] - '0')
			out = append(out, v)
			i += 4
			continue
		}
		out = append(out, data[i])
		i++
	}
	return out
}

func isOctal(b byte) bool { return b >= '0' && b <= '7' }
