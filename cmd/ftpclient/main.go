// Command ftpclient is an interactive client for fineFTP servers.
//
//	ftpclient -addr localhost:2121 -user alice
package main

import (
	"flag"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/c-bata/go-prompt"
	"github.com/fatih/color"
	"golang.org/x/term"

	"github.com/fineftp/ftp"
)

func main() {
	var (
		addr    = flag.String("addr", "localhost:2121", "server address")
		user    = flag.String("user", "", "log in as this user on connect")
		timeout = flag.Duration("timeout", 30*time.Second, "network timeout")
		limit   = flag.Int64("limit", 0, "bandwidth limit in bytes per second (0 = unlimited)")
		debug   = flag.Bool("debug", false, "log protocol traffic to stderr")
	)
	flag.Parse()

	opts := []ftp.Option{ftp.WithTimeout(*timeout)}
	if *limit > 0 {
		opts = append(opts, ftp.WithBandwidthLimit(*limit))
	}
	if *debug {
		opts = append(opts, ftp.WithLogger(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelDebug}))))
	}

	client, err := ftp.Dial(*addr, opts...)
	if err != nil {
		color.Red("connect %s: %v", *addr, err)
		os.Exit(1)
	}

	sh := newShell(client, color.Output)
	sh.readPassword = readPassword
	color.Green("Connected to %s", *addr)

	if *user != "" {
		if err := sh.login([]string{*user}); err != nil {
			sh.report(err)
		}
	} else {
		color.Cyan("Type 'login <user>' or 'signup <user>', 'help' for commands")
	}

	done, closed := false, false
	p := prompt.New(
		func(line string) {
			if !sh.execute(line) {
				done, closed = true, true
			}
		},
		sh.complete,
		prompt.OptionTitle("fineFTP client"),
		prompt.OptionLivePrefix(sh.prefix),
		prompt.OptionPrefixTextColor(prompt.Green),
		prompt.OptionPreviewSuggestionTextColor(prompt.Blue),
		prompt.OptionSelectedSuggestionBGColor(prompt.LightGray),
		prompt.OptionSuggestionBGColor(prompt.DarkGray),
		prompt.OptionCompletionWordSeparator(" "),
		prompt.OptionSetExitCheckerOnInput(func(string, bool) bool { return done }),
		prompt.OptionAddKeyBind(prompt.KeyBind{
			Key: prompt.ControlC,
			Fn:  func(*prompt.Buffer) { done = true },
		}),
	)
	p.Run()
	if !closed {
		sh.close()
	}
	fmt.Println("Bye.")
}

// readPassword reads a password from the terminal without echo, falling
// back to a plain line read when stdin is not a terminal.
func readPassword(label string) (string, error) {
	fmt.Fprint(os.Stderr, label)
	fd := int(os.Stdin.Fd())
	if term.IsTerminal(fd) {
		b, err := term.ReadPassword(fd)
		fmt.Fprintln(os.Stderr)
		return string(b), err
	}
	var line string
	_, err := fmt.Fscanln(os.Stdin, &line)
	return strings.TrimSpace(line), err
}
