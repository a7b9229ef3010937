package main

import (
	"fmt"
	"io"

	"github.com/olekukonko/tablewriter"
	"github.com/olekukonko/tablewriter/tw"

	"github.com/fineftp/ftp"
)

// renderEntries prints a LIST result as a table, directories first.
func renderEntries(w io.Writer, entries []*ftp.Entry) error {
	if len(entries) == 0 {
		fmt.Fprintln(w, "Directory is empty")
		return nil
	}

	table := tablewriter.NewWriter(w)
	table.Options(
		tablewriter.WithRendition(tw.Rendition{Borders: tw.Border{Left: tw.Off, Right: tw.Off, Top: tw.Off, Bottom: tw.Off}}),
	)
	table.Configure(func(cfg *tablewriter.Config) {
		cfg.Header.Alignment.Global = tw.AlignLeft
		cfg.Row.Alignment.Global = tw.AlignLeft
	})
	table.Header("Name", "Type", "Size", "Modified", "Mode")

	for _, pass := range []bool{true, false} {
		for _, e := range entries {
			if e.IsDir() != pass {
				continue
			}
			if err := table.Append(entryRow(e)); err != nil {
				return err
			}
		}
	}
	return table.Render()
}

func entryRow(e *ftp.Entry) []string {
	name, size := e.Name, formatSize(e.Size)
	switch e.Type {
	case "dir":
		name += "/"
		size = "-"
	case "link":
		name += " -> " + e.Target
	}
	modified := "-"
	if !e.ModTime.IsZero() {
		modified = e.ModTime.Format("Jan 02 15:04")
	}
	return []string{name, e.Type, size, modified, e.Mode}
}

func formatSize(size int64) string {
	const unit = 1024
	if size < unit {
		return fmt.Sprintf("%d B", size)
	}
	div, exp := int64(unit), 0
	for n := size / unit; n >= unit; n /= unit {
		div *= unit
		exp++
	}
	return fmt.Sprintf("%.1f %cB", float64(size)/float64(div), "KMGTPE"[exp])
}
