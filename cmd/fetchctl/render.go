package main

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"fetchd/internal/fetch"
	"fetchd/internal/storage"
	"fetchd/internal/ytdlp"

	"github.com/dustin/go-humanize"
	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/jedib0t/go-pretty/v6/text"
	"github.com/mattn/go-isatty"
)

type columnAlignment int

const (
	alignLeft columnAlignment = iota
	alignRight
)

func renderTable(headers []string, rows [][]string, aligns []columnAlignment) string {
	columns := len(headers)
	if columns == 0 {
		return ""
	}

	tw := table.NewWriter()
	tw.SetStyle(table.StyleRounded)

	header := make(table.Row, columns)
	for i := range headers {
		header[i] = headers[i]
	}
	tw.AppendHeader(header)

	for _, row := range rows {
		r := make(table.Row, columns)
		for i := 0; i < columns; i++ {
			if i < len(row) {
				r[i] = row[i]
			} else {
				r[i] = ""
			}
		}
		tw.AppendRow(r)
	}

	configs := make([]table.ColumnConfig, 0, columns)
	for i := 0; i < columns; i++ {
		align := text.AlignLeft
		if i < len(aligns) && aligns[i] == alignRight {
			align = text.AlignRight
		}
		configs = append(configs, table.ColumnConfig{Number: i + 1, Align: align, AlignHeader: text.AlignLeft})
	}
	tw.SetColumnConfigs(configs)
	return tw.Render() + "\n"
}

func shouldColorize(w io.Writer) bool {
	f, ok := w.(*os.File)
	if !ok {
		return false
	}
	fd := f.Fd()
	return isatty.IsTerminal(fd) || isatty.IsCygwinTerminal(fd)
}

func stateColor(s fetch.State) text.Colors {
	switch s {
	case fetch.StateDownloading:
		return text.Colors{text.FgBlue}
	case fetch.StateCompleted:
		return text.Colors{text.FgGreen}
	case fetch.StatePaused:
		return text.Colors{text.FgYellow}
	case fetch.StateError:
		return text.Colors{text.FgRed}
	}
	return nil
}

func stateLabel(s fetch.State, colorize bool) string {
	if !colorize {
		return string(s)
	}
	if c := stateColor(s); c != nil {
		return c.Sprint(string(s))
	}
	return string(s)
}

func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}

func truncate(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n-1]) + "…"
}

func renderTasks(tasks []fetch.TaskInfo, colorize bool, now time.Time) string {
	if len(tasks) == 0 {
		return "No tasks\n"
	}
	rows := make([][]string, 0, len(tasks))
	for _, t := range tasks {
		detail := t.Status
		if t.State == fetch.StateError {
			detail = t.Error
		}
		rows = append(rows, []string{
			shortID(t.ID),
			stateLabel(t.State, colorize),
			strconv.Itoa(t.Percent) + "%",
			defaultString(t.Quality, "best"),
			truncate(t.URL, 48),
			truncate(detail, 40),
			humanize.RelTime(t.UpdatedAt, now, "ago", "from now"),
		})
	}
	return renderTable(
		[]string{"ID", "State", "Progress", "Quality", "URL", "Detail", "Updated"},
		rows,
		[]columnAlignment{alignLeft, alignLeft, alignRight},
	)
}

func renderTask(t fetch.TaskInfo, colorize bool) string {
	rows := [][]string{
		{"ID", t.ID},
		{"URL", t.URL},
		{"Quality", defaultString(t.Quality, "best")},
		{"State", stateLabel(t.State, colorize)},
		{"Generation", strconv.FormatUint(t.Generation, 10)},
		{"Progress", fmt.Sprintf("%d%%", t.Percent)},
		{"Status", t.Status},
		{"Path", t.Path},
		{"Error", t.Error},
		{"Thumbnail", strconv.FormatBool(t.Thumbnail)},
		{"Fragments", strconv.Itoa(t.FragmentThreads)},
		{"Created", t.CreatedAt.Local().Format(time.DateTime)},
		{"Updated", t.UpdatedAt.Local().Format(time.DateTime)},
	}
	return renderTable([]string{"Field", "Value"}, rows, nil)
}

func renderGate(s fetch.GateSnapshot) string {
	rows := [][]string{
		{"Limit", strconv.Itoa(s.Limit)},
		{"Active", strconv.Itoa(s.Active)},
		{"Queued", strconv.Itoa(s.QueueLen)},
	}
	if s.OverLimit > 0 {
		rows = append(rows, []string{"Over limit", strconv.Itoa(s.OverLimit)})
	}
	if len(s.ActiveIDs) > 0 {
		ids := make([]string, len(s.ActiveIDs))
		for i, id := range s.ActiveIDs {
			ids[i] = shortID(id)
		}
		rows = append(rows, []string{"Running", strings.Join(ids, ", ")})
	}
	return renderTable([]string{"Gate", "Value"}, rows, []columnAlignment{alignLeft, alignRight})
}

func renderAnalysis(a ytdlp.Analysis) string {
	var b strings.Builder
	b.WriteString(a.Title + "\n")
	var meta []string
	for _, v := range []string{a.Uploader, a.Site} {
		if v != "" {
			meta = append(meta, v)
		}
	}
	if a.Duration > 0 {
		meta = append(meta, (time.Duration(a.Duration) * time.Second).String())
	}
	if a.Views > 0 {
		meta = append(meta, humanize.Comma(a.Views)+" views")
	}
	if len(meta) > 0 {
		b.WriteString(strings.Join(meta, " · ") + "\n")
	}
	rows := make([][]string, len(a.Formats))
	for i, f := range a.Formats {
		size := "?"
		if f.Size > 0 {
			size = humanize.Bytes(uint64(f.Size))
		}
		rows[i] = []string{f.Quality, f.Ext, size}
	}
	b.WriteString(renderTable([]string{"Quality", "Ext", "Size"}, rows, []columnAlignment{alignLeft, alignLeft, alignRight}))
	return b.String()
}

func renderHistory(recs []storage.Record, colorize bool, now time.Time) string {
	if len(recs) == 0 {
		return "History is empty\n"
	}
	rows := make([][]string, 0, len(recs))
	for _, r := range recs {
		state := fetch.StateCompleted
		if r.Status == storage.StatusFailed {
			state = fetch.StateError
		}
		file := filepath.Base(r.Path)
		if r.Path == "" {
			file = truncate(r.Error, 40)
		}
		rows = append(rows, []string{
			shortID(r.ID),
			stateLabel(state, colorize),
			truncate(r.Title, 40),
			defaultString(r.Quality, "best"),
			file,
			humanize.RelTime(r.FinishedAt, now, "ago", "from now"),
		})
	}
	return renderTable([]string{"ID", "Status", "Title", "Quality", "File", "Finished"}, rows, nil)
}

func renderEvent(ev streamEvent) string {
	n := ev.Notice
	line := fmt.Sprintf("%s %-15s %s", n.Time.Local().Format(time.TimeOnly), ev.Type, shortID(n.TaskID))
	switch ev.Type {
	case fetch.EventProgress:
		line += fmt.Sprintf(" %3d%% %s", n.Percent, n.Status)
	case fetch.EventCompleted:
		line += " " + n.Path
	case fetch.EventFailed:
		line += " " + n.Error
	default:
		line += " " + n.URL
	}
	return line
}

func defaultString(v, def string) string {
	if strings.TrimSpace(v) == "" {
		return def
	}
	return v
}
