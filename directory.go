package ftp

import (
	"bufio"
	"fmt"
	"io"
	"strconv"
	"strings"
	"time"
)

// Entry represents a file or directory entry from a LIST command.
type Entry struct {
	Name    string
	Type    string // "file", "dir", or "link"
	Size    int64
	Mode    string    // permission column, e.g. "-rw-r--r--"
	ModTime time.Time // minute precision; zero if the column did not parse
	Target  string    // For symlinks, the target path (empty for files/dirs)
	Raw     string    // The raw line from the LIST command
}

// IsDir reports whether the entry is a directory.
func (e *Entry) IsDir() bool { return e.Type == "dir" }

// List returns the entries of the directory at path, or of the current
// directory when path is empty. Lines in a format other than "ls -l" are
// skipped.
func (c *Client) List(path string) ([]*Entry, error) {
	var entries []*Entry
	now := time.Now()
	err := c.readListing("LIST", path, func(line string) {
		if entry, ok := parseListLine(line, now); ok {
			entries = append(entries, entry)
		}
	})
	return entries, err
}

// NameList returns the names in the directory at path (NLST).
func (c *Client) NameList(path string) ([]string, error) {
	var names []string
	err := c.readListing("NLST", path, func(line string) {
		names = append(names, line)
	})
	return names, err
}

// readListing runs a listing command and feeds each non-empty line to fn.
func (c *Client) readListing(verb, path string, fn func(string)) error {
	var args []string
	if path != "" {
		args = append(args, path)
	}
	dataConn, err := c.cmdDataConn(verb, args...)
	if err != nil {
		return err
	}

	r, _ := c.throttle(dataConn)
	scanErr := scanLines(r, fn)
	finishErr := c.finishDataConn(verb, dataConn)
	if scanErr != nil {
		return fmt.Errorf("failed to read listing: %w", scanErr)
	}
	return finishErr
}

func scanLines(r io.Reader, fn func(string)) error {
	scanner := bufio.NewScanner(r)
	for scanner.Scan() {
		line := strings.TrimRight(scanner.Text(), "\r")
		if line != "" {
			fn(line)
		}
	}
	return scanner.Err()
}

// parseListLine parses one "ls -l" line:
//
//	drwxr-xr-x    1 ftp        ftp              4096 Oct 16 19:49 docs
//
// Both the 9-column form and the 8-column form without a group are
// accepted. The name is taken verbatim, so it may contain spaces.
func parseListLine(line string, now time.Time) (*Entry, bool) {
	// With a group column the size is the fifth field.
	fields, rest := splitFields(line, 8)
	sizeIdx := 4
	if len(fields) < 8 || !isSize(fields[sizeIdx]) {
		fields, rest = splitFields(line, 7)
		sizeIdx = 3
		if len(fields) < 7 || !isSize(fields[sizeIdx]) {
			return nil, false
		}
	}
	if rest == "" {
		return nil, false
	}

	perms := fields[0]
	if len(perms) != 10 || !strings.ContainsRune("-dlbcps", rune(perms[0])) {
		return nil, false
	}
	size, _ := strconv.ParseInt(fields[sizeIdx], 10, 64)

	entry := &Entry{
		Name:    rest,
		Size:    size,
		Mode:    perms,
		ModTime: parseListTime(fields[sizeIdx+1], fields[sizeIdx+2], fields[sizeIdx+3], now),
		Raw:     line,
	}
	switch perms[0] {
	case 'd':
		entry.Type = "dir"
	case 'l':
		entry.Type = "link"
		if name, target, ok := strings.Cut(rest, " -> "); ok && name != "" {
			entry.Name, entry.Target = name, target
		}
	default:
		entry.Type = "file"
	}
	return entry, true
}

func isSize(s string) bool {
	n, err := strconv.ParseInt(s, 10, 64)
	return err == nil && n >= 0
}

// splitFields returns the first n space-separated fields of line and the
// remainder after the separator that follows them.
func splitFields(line string, n int) ([]string, string) {
	fields := make([]string, 0, n)
	s := line
	for len(fields) < n {
		s = strings.TrimLeft(s, " ")
		if s == "" {
			return fields, ""
		}
		end := strings.IndexByte(s, ' ')
		if end < 0 {
			fields = append(fields, s)
			return fields, ""
		}
		fields = append(fields, s[:end])
		s = s[end:]
	}
	return fields, strings.TrimPrefix(s, " ")
}

// parseListTime parses the month, day and "hh:mm"/"yyyy" columns. Entries
// showing a time of day are assumed to be from the last twelve months.
func parseListTime(month, day, clock string, now time.Time) time.Time {
	if strings.Contains(clock, ":") {
		t, err := time.Parse("Jan 2 15:04 2006", fmt.Sprintf("%s %s %s %d", month, day, clock, now.Year()))
		if err != nil {
			return time.Time{}
		}
		if t.After(now.AddDate(0, 0, 1)) {
			t = t.AddDate(-1, 0, 0)
		}
		return t
	}
	t, err := time.Parse("Jan 2 2006", fmt.Sprintf("%s %s %s", month, day, clock))
	if err != nil {
		return time.Time{}
	}
	return t
}

// ChangeDir changes the current working directory.
func (c *Client) ChangeDir(path string) error {
	_, err := c.expect2xx("CWD", path)
	return err
}

// ChangeDirToParent moves to the parent of the current directory. It
// fails at the root.
func (c *Client) ChangeDirToParent() error {
	_, err := c.expect2xx("CDUP")
	return err
}

// CurrentDir returns the current working directory.
func (c *Client) CurrentDir() (string, error) {
	resp, err := c.expectCode(257, "PWD")
	if err != nil {
		return "", err
	}
	return parseQuotedPath(resp.Message)
}

// parseQuotedPath extracts the path from a 257 reply such as
// `"/a ""b""" is the current directory.`, undoubling embedded quotes.
func parseQuotedPath(msg string) (string, error) {
	if !strings.HasPrefix(msg, `"`) {
		return "", fmt.Errorf("invalid 257 response: %q", msg)
	}
	var b strings.Builder
	for i := 1; i < len(msg); i++ {
		if msg[i] != '"' {
			b.WriteByte(msg[i])
			continue
		}
		if i+1 < len(msg) && msg[i+1] == '"' {
			b.WriteByte('"')
			i++
			continue
		}
		return b.String(), nil
	}
	return "", fmt.Errorf("unterminated path in 257 response: %q", msg)
}

// MakeDir creates a new directory and returns its absolute path as
// reported by the server.
func (c *Client) MakeDir(path string) (string, error) {
	resp, err := c.expectCode(257, "MKD", path)
	if err != nil {
		return "", err
	}
	return parseQuotedPath(resp.Message)
}

// RemoveDir removes an empty directory.
func (c *Client) RemoveDir(path string) error {
	_, err := c.expect2xx("RMD", path)
	return err
}

// Delete deletes a file.
func (c *Client) Delete(path string) error {
	_, err := c.expect2xx("DELE", path)
	return err
}

// Rename renames a file or directory.
func (c *Client) Rename(from, to string) error {
	if _, err := c.expectCode(350, "RNFR", from); err != nil {
		return err
	}
	_, err := c.expect2xx("RNTO", to)
	return err
}

// Size returns the size of a file in bytes.
func (c *Client) Size(path string) (int64, error) {
	resp, err := c.expect2xx("SIZE", path)
	if err != nil {
		return 0, err
	}
	size, err := strconv.ParseInt(strings.TrimSpace(resp.Message), 10, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid SIZE response: %s", resp.Message)
	}
	return size, nil
}

// ModTime returns the modification time of a file, in UTC.
func (c *Client) ModTime(path string) (time.Time, error) {
	resp, err := c.expect2xx("MDTM", path)
	if err != nil {
		return time.Time{}, err
	}
	t, err := time.Parse("20060102150405", strings.TrimSpace(resp.Message))
	if err != nil {
		return time.Time{}, fmt.Errorf("invalid MDTM response: %s", resp.Message)
	}
	return t.UTC(), nil
}
