package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/c-bata/go-prompt"
	"github.com/fatih/color"

	"github.com/fineftp/ftp"
)

// shell runs the interactive commands against one connection.
type shell struct {
	client *ftp.Client
	out    io.Writer

	// readPassword prompts for a password without echo.
	readPassword func(prompt string) (string, error)

	user string
	cwd  string

	stopNotify context.CancelFunc

	// remote names for completion, refreshed at most every completionTTL
	names     []string
	namesDir  string
	namesTime time.Time

	ok    *color.Color
	fail  *color.Color
	info  *color.Color
	event *color.Color
}

type command struct {
	usage string
	help  string
	args  int // minimum number of arguments
	run   func(sh *shell, args []string) error
}

var errExit = errors.New("exit")

var commands map[string]command

func init() {
	commands = map[string]command{
		"ls":     {"ls [path]", "list a remote directory", 0, (*shell).ls},
		"cd":     {"cd <dir>", "change the remote directory", 1, (*shell).cd},
		"pwd":    {"pwd", "print the remote directory", 0, (*shell).pwd},
		"mkdir":  {"mkdir <dir>", "create a remote directory", 1, (*shell).mkdir},
		"rm":     {"rm <file>", "delete a remote file", 1, (*shell).rm},
		"rmdir":  {"rmdir <dir>", "remove an empty remote directory", 1, (*shell).rmdir},
		"mv":     {"mv <from> <to>", "rename a remote file or directory", 2, (*shell).mv},
		"up":     {"up <local> [remote]", "upload a file", 1, (*shell).up},
		"down":   {"down <remote> [local]", "download a file", 1, (*shell).down},
		"append": {"append <local> <remote>", "append a local file to a remote one", 2, (*shell).appendFile},
		"login":  {"login <user>", "log in", 1, (*shell).login},
		"signup": {"signup <user>", "create an account and log in", 1, (*shell).signup},
		"notify": {"notify [off]", "show other users logging in and out", 0, (*shell).notify},
		"help":   {"help", "show this list", 0, (*shell).help},
		"exit":   {"exit", "log out and quit", 0, func(*shell, []string) error { return errExit }},
	}
}

func newShell(client *ftp.Client, out io.Writer) *shell {
	return &shell{
		client: client,
		out:    out,
		cwd:    "/",
		ok:     color.New(color.FgGreen),
		fail:   color.New(color.FgRed),
		info:   color.New(color.FgCyan),
		event:  color.New(color.FgYellow),
	}
}

// execute runs one input line. It reports false once the user asked to
// leave.
func (sh *shell) execute(line string) bool {
	args := strings.Fields(line)
	if len(args) == 0 {
		return true
	}
	name := strings.ToLower(args[0])
	if name == "quit" || name == "bye" {
		name = "exit"
	}
	cmd, ok := commands[name]
	if !ok {
		sh.fail.Fprintf(sh.out, "unknown command %q, try help\n", args[0])
		return true
	}
	if len(args)-1 < cmd.args {
		sh.fail.Fprintf(sh.out, "usage: %s\n", cmd.usage)
		return true
	}

	err := cmd.run(sh, args[1:])
	switch {
	case errors.Is(err, errExit):
		sh.close()
		return false
	case err != nil:
		sh.report(err)
	}
	return true
}

func (sh *shell) report(err error) {
	var pe *ftp.ProtocolError
	if errors.As(err, &pe) {
		sh.fail.Fprintf(sh.out, "%d %s\n", pe.Code, pe.Response)
		return
	}
	sh.fail.Fprintf(sh.out, "error: %v\n", err)
}

func (sh *shell) close() {
	if sh.stopNotify != nil {
		sh.stopNotify()
		sh.stopNotify = nil
	}
	if err := sh.client.Quit(); err != nil {
		sh.fail.Fprintf(sh.out, "quit: %v\n", err)
	}
}

func (sh *shell) prefix() (string, bool) {
	if sh.user == "" {
		return "ftp> ", true
	}
	return fmt.Sprintf("%s@ftp:%s> ", sh.user, sh.cwd), true
}

func (sh *shell) refreshCwd() {
	if dir, err := sh.client.CurrentDir(); err == nil {
		sh.cwd = dir
	}
}

func (sh *shell) ls(args []string) error {
	p := ""
	if len(args) > 0 {
		p = args[0]
	}
	entries, err := sh.client.List(p)
	if err != nil {
		return err
	}
	return renderEntries(sh.out, entries)
}

func (sh *shell) cd(args []string) error {
	var err error
	if args[0] == ".." {
		err = sh.client.ChangeDirToParent()
	} else {
		err = sh.client.ChangeDir(args[0])
	}
	if err != nil {
		return err
	}
	sh.refreshCwd()
	return nil
}

func (sh *shell) pwd([]string) error {
	dir, err := sh.client.CurrentDir()
	if err != nil {
		return err
	}
	sh.cwd = dir
	fmt.Fprintln(sh.out, dir)
	return nil
}

func (sh *shell) mkdir(args []string) error {
	created, err := sh.client.MakeDir(args[0])
	if err != nil {
		return err
	}
	sh.ok.Fprintf(sh.out, "created %s\n", created)
	return nil
}

func (sh *shell) rm(args []string) error {
	if err := sh.client.Delete(args[0]); err != nil {
		return err
	}
	sh.ok.Fprintf(sh.out, "deleted %s\n", args[0])
	return nil
}

func (sh *shell) rmdir(args []string) error {
	if err := sh.client.RemoveDir(args[0]); err != nil {
		return err
	}
	sh.ok.Fprintf(sh.out, "removed %s\n", args[0])
	return nil
}

func (sh *shell) mv(args []string) error {
	if err := sh.client.Rename(args[0], args[1]); err != nil {
		return err
	}
	sh.ok.Fprintf(sh.out, "renamed %s to %s\n", args[0], args[1])
	return nil
}

func (sh *shell) up(args []string) error {
	local := args[0]
	remote := filepath.Base(local)
	if len(args) > 1 {
		remote = args[1]
	}
	start := time.Now()
	var total int64
	if err := sh.client.UploadFile(local, remote, func(n int64) { total = n }); err != nil {
		return err
	}
	sh.ok.Fprintf(sh.out, "uploaded %s (%s in %s)\n", remote, formatSize(total), roundDuration(time.Since(start)))
	return nil
}

func (sh *shell) down(args []string) error {
	remote := args[0]
	local := path.Base(remote)
	if len(args) > 1 {
		local = args[1]
	}
	start := time.Now()
	var total int64
	if err := sh.client.DownloadFile(remote, local, func(n int64) { total = n }); err != nil {
		return err
	}
	sh.ok.Fprintf(sh.out, "downloaded %s (%s in %s)\n", local, formatSize(total), roundDuration(time.Since(start)))
	return nil
}

func (sh *shell) appendFile(args []string) error {
	f, err := os.Open(args[0])
	if err != nil {
		return err
	}
	defer f.Close()
	pr := &ftp.ProgressReader{Reader: f}
	if err := sh.client.Append(args[1], pr); err != nil {
		return err
	}
	sh.ok.Fprintf(sh.out, "appended %s to %s\n", formatSize(pr.Total()), args[1])
	return nil
}

func (sh *shell) login(args []string) error {
	return sh.authenticate(args[0], sh.client.Login)
}

func (sh *shell) signup(args []string) error {
	return sh.authenticate(args[0], sh.client.SignUp)
}

func (sh *shell) authenticate(user string, fn func(user, pass string) error) error {
	pass, err := sh.readPassword("Password: ")
	if err != nil {
		return err
	}
	if err := fn(user, pass); err != nil {
		return err
	}
	sh.user = user
	sh.refreshCwd()
	sh.ok.Fprintf(sh.out, "logged in as %s\n", user)
	return nil
}

func (sh *shell) notify(args []string) error {
	if len(args) > 0 && args[0] == "off" {
		if sh.stopNotify != nil {
			sh.stopNotify()
			sh.stopNotify = nil
		}
		return nil
	}
	if sh.stopNotify != nil {
		sh.info.Fprintln(sh.out, "notifications already on")
		return nil
	}
	ctx, cancel := context.WithCancel(context.Background())
	events, err := sh.client.Notifications(ctx, 0)
	if err != nil {
		cancel()
		return err
	}
	sh.stopNotify = cancel
	go func() {
		for msg := range events {
			sh.event.Fprintf(sh.out, "\n* %s\n", msg)
		}
	}()
	sh.info.Fprintln(sh.out, "notifications on")
	return nil
}

func (sh *shell) help([]string) error {
	names := make([]string, 0, len(commands))
	for name := range commands {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		c := commands[name]
		fmt.Fprintf(sh.out, "  %-26s %s\n", c.usage, c.help)
	}
	return nil
}

// complete suggests command names for the first word and remote names
// for the arguments of commands that take a remote path.
func (sh *shell) complete(d prompt.Document) []prompt.Suggest {
	text := d.TextBeforeCursor()
	words := strings.Fields(text)
	if len(words) == 0 || (len(words) == 1 && !strings.HasSuffix(text, " ")) {
		var s []prompt.Suggest
		for name, c := range commands {
			s = append(s, prompt.Suggest{Text: name, Description: c.help})
		}
		sort.Slice(s, func(i, j int) bool { return s[i].Text < s[j].Text })
		return prompt.FilterHasPrefix(s, d.GetWordBeforeCursor(), true)
	}

	switch strings.ToLower(words[0]) {
	case "cd", "rm", "rmdir", "mv", "down", "ls":
	default:
		return nil
	}
	if sh.user == "" {
		return nil
	}
	s := make([]prompt.Suggest, 0, len(sh.names))
	for _, n := range sh.remoteNames() {
		s = append(s, prompt.Suggest{Text: n})
	}
	return prompt.FilterHasPrefix(s, d.GetWordBeforeCursor(), false)
}

const completionTTL = 15 * time.Second

func (sh *shell) remoteNames() []string {
	if sh.namesDir == sh.cwd && time.Since(sh.namesTime) < completionTTL {
		return sh.names
	}
	names, err := sh.client.NameList("")
	if err != nil {
		return nil
	}
	sh.names, sh.namesDir, sh.namesTime = names, sh.cwd, time.Now()
	return names
}

func roundDuration(d time.Duration) time.Duration {
	return d.Round(time.Millisecond)
}
