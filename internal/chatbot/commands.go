package chatbot

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strconv"
	"strings"

	"InsightChat/internal/session"
	"InsightChat/internal/validate"
)

const helpText = `Commands:
  /new               start a new session
  /sessions          refresh and list sessions
  /switch <id|#n>    open a session by id or list number
  /reload            reload the current session from the backend
  /attach <path>     attach an image or CSV file to the next message
  /csv <url>         attach a remote CSV file to the next message
  /detach            clear attachments
  /tools             show the latest tool output
  /links             show attachment links of the last exchange
  /dismiss           clear notifications
  /status            show session and composer state
  /help              show this help
  /quit              exit
`

// handleCommand runs one slash command. It reports true when the REPL
// should exit.
func (cb *ChatBot) handleCommand(ctx context.Context, cmd string) (bool, error) {
	parts := strings.Fields(cmd)
	if len(parts) == 0 {
		return false, nil
	}
	arg := strings.TrimSpace(strings.TrimPrefix(cmd, parts[0]))

	switch parts[0] {
	case "/quit", "/exit":
		return true, nil

	case "/help":
		cb.printf("%s", helpText)

	case "/new":
		id := cb.ctrl.CreateNewSession()
		cb.printf("Started new session: %s\n", id)

	case "/sessions":
		if err := cb.ctrl.RefreshSessions(ctx); err != nil {
			cb.printf("Could not refresh sessions; showing saved list.\n")
		}
		cb.printSessions()

	case "/switch":
		if arg == "" {
			return false, fmt.Errorf("usage: /switch <id|#n>")
		}
		id, err := cb.resolveSession(arg)
		if err != nil {
			return false, err
		}
		cb.printf("Switched to session %s\n", id)
		if err := cb.ctrl.SelectSession(ctx, id); err != nil {
			return false, fmt.Errorf("failed to load session: %w", err)
		}

	case "/reload":
		if err := cb.ctrl.LoadHistory(ctx, cb.ctrl.ActiveSession()); err != nil {
			return false, fmt.Errorf("failed to reload session: %w", err)
		}

	case "/attach":
		if arg == "" {
			return false, fmt.Errorf("usage: /attach <path>")
		}
		if err := cb.ctrl.Attach(ctx, arg); err != nil {
			return false, nil // shown as a notice
		}
		sel := cb.ctrl.Selection()
		cb.printf("Attached %s (%s)\n", sel.File, validate.FormatSize(sel.Size))
		if sel.PreviewPath != "" {
			cb.printf("Preview: %s\n", sel.PreviewPath)
		}

	case "/csv":
		if arg == "" {
			return false, fmt.Errorf("usage: /csv <url>")
		}
		if err := cb.ctrl.SetCSVURL(ctx, arg); err != nil {
			return false, nil
		}
		cb.printf("CSV URL set: %s\n", arg)

	case "/detach":
		cb.ctrl.Detach()
		cb.printf("Attachments cleared\n")

	case "/tools":
		cb.printToolOutput()

	case "/links":
		cb.printLinks()

	case "/dismiss":
		for _, n := range cb.ctrl.Notices() {
			cb.ctrl.DismissNotice(n.ID)
		}

	case "/status":
		cb.printStatus()

	default:
		return false, fmt.Errorf("unknown command: %s (try /help)", parts[0])
	}
	return false, nil
}

// resolveSession accepts a session id or a 1-based "#n" index into the list.
func (cb *ChatBot) resolveSession(arg string) (string, error) {
	sessions := cb.ctrl.Sessions()
	if strings.HasPrefix(arg, "#") {
		n, err := strconv.Atoi(arg[1:])
		if err != nil || n < 1 || n > len(sessions) {
			return "", fmt.Errorf("no session %s (have %d)", arg, len(sessions))
		}
		return sessions[n-1].ID, nil
	}
	return arg, nil
}

func (cb *ChatBot) printSessions() {
	sessions := cb.ctrl.Sessions()
	active := cb.ctrl.ActiveSession()
	if len(sessions) == 0 {
		cb.printf("No sessions\n")
		return
	}

	var b strings.Builder
	b.WriteString("\nSessions:\n")
	for i, s := range sessions {
		marker := " "
		if s.ID == active {
			marker = "*"
		}
		updated := "unsaved"
		if !s.Local && !s.UpdatedAt.IsZero() {
			updated = s.UpdatedAt.Local().Format("2006-01-02 15:04")
		}
		fmt.Fprintf(&b, "%s%d. %s  (%d messages, %s)  %s\n", marker, i+1, s.Title, s.MessageCount, updated, s.ID)
	}
	b.WriteString("\n")
	cb.printf("%s", b.String())
}

func (cb *ChatBot) printToolOutput() {
	tool, idx := cb.ctrl.ToolOutput()
	if tool == nil {
		cb.printf("No tool output for the latest reply\n")
		return
	}

	var b strings.Builder
	fmt.Fprintf(&b, "Tool output (message %d):\n", idx+1)
	if tool.ImagePath != "" {
		fmt.Fprintf(&b, "  image: %s\n", tool.ImagePath)
	}
	if tool.CSVRows != nil && tool.CSVColumns != nil {
		fmt.Fprintf(&b, "  csv: %d rows x %d columns\n", *tool.CSVRows, *tool.CSVColumns)
	}
	if len(tool.MissingValues) > 0 {
		cols := make([]string, 0, len(tool.MissingValues))
		for col := range tool.MissingValues {
			cols = append(cols, col)
		}
		sort.Strings(cols)
		b.WriteString("  missing values:\n")
		for _, col := range cols {
			fmt.Fprintf(&b, "    %s: %d\n", col, tool.MissingValues[col])
		}
	}
	if tool.HistogramImage != "" {
		fmt.Fprintf(&b, "  histogram of %s: %s\n", tool.HistogramColumn, tool.HistogramImage)
	}
	if len(tool.Stats) > 0 {
		var pretty bytes.Buffer
		if err := json.Indent(&pretty, tool.Stats, "    ", "  "); err == nil {
			fmt.Fprintf(&b, "  stats:\n    %s\n", pretty.String())
		}
	}
	cb.printf("%s", b.String())
}

func (cb *ChatBot) printLinks() {
	msgs := cb.ctrl.Messages()
	start := len(msgs) - 2
	if start < 0 {
		start = 0
	}

	var b strings.Builder
	for _, m := range msgs[start:] {
		for _, a := range m.Attachments {
			if a.PublicURL == "" {
				continue
			}
			kind := string(a.Kind)
			if a.IsImage() {
				kind += ", image"
			}
			fmt.Fprintf(&b, "  %s (%s): %s\n", roleName(m.Role), kind, a.PublicURL)
		}
	}
	if b.Len() == 0 {
		cb.printf("No attachments in the last exchange\n")
		return
	}
	cb.printf("%s", b.String())
}

func (cb *ChatBot) printStatus() {
	sel := cb.ctrl.Selection()
	var b strings.Builder
	fmt.Fprintf(&b, "Session: %s\n", cb.ctrl.ActiveSession())
	fmt.Fprintf(&b, "Messages: %d\n", len(cb.ctrl.Messages()))
	fmt.Fprintf(&b, "Pending: %t\n", cb.ctrl.Pending())
	if sel.File != "" {
		fmt.Fprintf(&b, "File: %s (%s)\n", sel.File, validate.FormatSize(sel.Size))
	}
	if sel.CSVURL != "" {
		fmt.Fprintf(&b, "CSV URL: %s\n", sel.CSVURL)
	}
	cb.printf("%s", b.String())
}

func roleName(r session.Role) string {
	if r == session.RoleAssistant {
		return "Bot"
	}
	return "You"
}
