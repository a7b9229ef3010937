package server

import (
	"bytes"
	"io"
	"strings"
	"testing"
	"time"

	jftp "github.com/jlaffaye/ftp"
)

// TestInteropJlaffaye drives the server with a widely used third-party
// client library.
func TestInteropJlaffaye(t *testing.T) {
	t.Parallel()
	store, _ := newTestStore(t)
	_, addr := startServer(t, store)

	c, err := jftp.Dial(addr,
		jftp.DialWithTimeout(5*time.Second),
		jftp.DialWithDisabledEPSV(true),
	)
	fatalIfErr(t, err, "Dial")
	defer func() { _ = c.Quit() }()

	fatalIfErr(t, c.Login("alice", "secret"), "Login")

	fatalIfErr(t, c.MakeDir("inbox"), "MakeDir")
	fatalIfErr(t, c.ChangeDir("inbox"), "ChangeDir")
	cwd, err := c.CurrentDir()
	fatalIfErr(t, err, "CurrentDir")
	if cwd != "/inbox" {
		t.Errorf("Expected /inbox, got %s", cwd)
	}

	content := bytes.Repeat([]byte("interop"), 200*1024)
	fatalIfErr(t, c.Stor("blob.bin", bytes.NewReader(content)), "Stor")
	fatalIfErr(t, c.Append("blob.bin", strings.NewReader("!")), "Append")

	resp, err := c.Retr("blob.bin")
	fatalIfErr(t, err, "Retr")
	got, err := io.ReadAll(resp)
	fatalIfErr(t, err, "read data")
	fatalIfErr(t, resp.Close(), "close data")
	if !bytes.Equal(got, append(content, '!')) {
		t.Errorf("Retrieved %d bytes, want %d", len(got), len(content)+1)
	}

	entries, err := c.List("")
	fatalIfErr(t, err, "List")
	if len(entries) != 1 || entries[0].Name != "blob.bin" || entries[0].Type != jftp.EntryTypeFile ||
		entries[0].Size != uint64(len(content)+1) {
		t.Fatalf("Unexpected listing %+v", entries)
	}

	fatalIfErr(t, c.Rename("blob.bin", "renamed.bin"), "Rename")
	names, err := c.NameList("")
	fatalIfErr(t, err, "NameList")
	if len(names) != 1 || names[0] != "renamed.bin" {
		t.Errorf("Unexpected names %q", names)
	}

	fatalIfErr(t, c.Delete("renamed.bin"), "Delete")
	fatalIfErr(t, c.ChangeDir("/"), "ChangeDir /")
	fatalIfErr(t, c.RemoveDir("inbox"), "RemoveDir")
	fatalIfErr(t, c.NoOp(), "NoOp")
}
