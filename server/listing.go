package server

import (
	"bytes"
	"fmt"
	"io/fs"
	"os"
	"sort"
	"time"
)

// listingOwner is the owner and group shown in LIST output.
type listingOwner struct {
	owner, group string
}

// readDirInfo returns the entries of dir sorted by name.
// Entries that vanish while being read are skipped.
func readDirInfo(dir string) ([]fs.FileInfo, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, err
	}
	infos := make([]fs.FileInfo, 0, len(entries))
	for _, e := range entries {
		info, err := e.Info()
		if err != nil {
			continue
		}
		infos = append(infos, info)
	}
	sort.Slice(infos, func(i, j int) bool { return infos[i].Name() < infos[j].Name() })
	return infos, nil
}

// formatList renders entries in the "ls -l" layout:
//
//	drwxr-xr-x    1 ftp        ftp              4096 Oct 16 19:49 docs
func formatList(infos []fs.FileInfo, who listingOwner, now time.Time) []byte {
	var b bytes.Buffer
	for _, info := range infos {
		fmt.Fprintf(&b, "%s %4d %-10s %-10s %12d %s %s\r\n",
			permString(info.Mode()),
			1,
			who.owner,
			who.group,
			info.Size(),
			listTime(info.ModTime(), now),
			info.Name(),
		)
	}
	return b.Bytes()
}

// formatNameList renders one name per line.
func formatNameList(infos []fs.FileInfo) []byte {
	var b bytes.Buffer
	for _, info := range infos {
		b.WriteString(info.Name())
		b.WriteString("\r\n")
	}
	return b.Bytes()
}

// permString returns the 10-character type and permission field.
func permString(mode fs.FileMode) string {
	const rwx = "rwxrwxrwx"
	buf := []byte("----------")
	switch {
	case mode.IsDir():
		buf[0] = 'd'
	case mode&fs.ModeSymlink != 0:
		buf[0] = 'l'
	}
	perm := mode.Perm()
	for i := 0; i < 9; i++ {
		if perm&(1<<uint(8-i)) != 0 {
			buf[i+1] = rwx[i]
		}
	}
	return string(buf)
}

// listTime shows the time of day for recent entries and the year otherwise.
func listTime(t, now time.Time) string {
	if t.After(now.AddDate(0, -6, 0)) && !t.After(now.Add(time.Hour)) {
		return t.Format("Jan _2 15:04")
	}
	return t.Format("Jan _2  2006")
}
