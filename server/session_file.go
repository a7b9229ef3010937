package server

import (
	"errors"
	"io"
	"os"
	"path"
	"strings"
)

// quotePath formats a path for 257 replies, doubling embedded quotes.
func quotePath(p string) string {
	return `"` + strings.ReplaceAll(p, `"`, `""`) + `"`
}

func (s *session) handleCWD(arg string) {
	if !s.requireLogin() {
		return
	}
	code, msg := s.changeDir(arg)
	s.reply(code, msg)
}

// handleCDUP moves to the parent directory and answers 200 on success.
func (s *session) handleCDUP(_ string) {
	if !s.requireLogin() {
		return
	}
	if s.cwd == "/" {
		s.reply(550, "Already at root directory.")
		return
	}
	code, msg := s.changeDir("..")
	if code == 250 {
		code = 200
	}
	s.reply(code, msg)
}

func (s *session) changeDir(p string) (int, string) {
	if strings.TrimSpace(p) == "" {
		return 501, "Please provide a directory."
	}
	local, virtual := s.resolve(p)
	info, err := os.Stat(local)
	if err != nil {
		return 550, "Directory not found."
	}
	if !info.IsDir() {
		return 550, "Not a directory."
	}
	if !listable(local) {
		return 550, "Permission denied."
	}
	s.cwd = virtual
	return 250, "Directory successfully changed."
}

// listable reports whether the directory can be opened and read.
func listable(dir string) bool {
	f, err := os.Open(dir)
	if err != nil {
		return false
	}
	defer f.Close()
	_, err = f.Readdirnames(1)
	return err == nil || errors.Is(err, io.EOF)
}

func (s *session) handlePWD(_ string) {
	if !s.requireLogin() {
		return
	}
	s.reply(257, quotePath(s.cwd)+" is the current directory.")
}

func (s *session) handleMKD(arg string) {
	if !s.requireLogin() || !s.requireWritable() || !s.requireArg(arg, "Please provide a directory name.") {
		return
	}
	local, virtual := s.resolve(arg)
	if err := os.Mkdir(local, 0o755); err != nil {
		if errors.Is(err, os.ErrExist) {
			s.reply(550, "Directory already exists.")
			return
		}
		s.reply(550, "Unable to create directory.")
		return
	}

	s.server.logger.Info("directory_created",
		"session_id", s.sessionID,
		"user", s.username(),
		"path", s.redactPath(virtual),
	)
	s.reply(257, quotePath(virtual)+" created.")
}

// handleRMD removes a directory and everything below it.
func (s *session) handleRMD(arg string) {
	if !s.requireLogin() || !s.requireWritable() || !s.requireArg(arg, "Please provide a directory name.") {
		return
	}
	local, virtual := s.resolve(arg)
	if s.resolver.IsRoot(local) {
		s.reply(550, "Cannot remove the root directory.")
		return
	}
	info, err := os.Lstat(local)
	if err != nil {
		s.reply(550, "Directory not found.")
		return
	}
	if !info.IsDir() {
		s.reply(550, "Not a directory.")
		return
	}
	if err := os.RemoveAll(local); err != nil {
		s.reply(550, "Unable to remove directory.")
		return
	}
	if s.cwd == virtual || strings.HasPrefix(s.cwd, virtual+"/") {
		s.cwd = path.Dir(virtual)
	}

	s.server.logger.Info("directory_removed",
		"session_id", s.sessionID,
		"user", s.username(),
		"path", s.redactPath(virtual),
	)
	s.reply(250, "Directory removed.")
}

func (s *session) handleDELE(arg string) {
	if !s.requireLogin() || !s.requireWritable() || !s.requireArg(arg, "Please provide a file name.") {
		return
	}
	local, virtual := s.resolve(arg)
	info, err := os.Lstat(local)
	if err != nil {
		s.reply(550, "Resource does not exist.")
		return
	}
	if info.IsDir() {
		s.reply(550, "Resource is not a file.")
		return
	}
	if err := os.Remove(local); err != nil {
		s.reply(450, "Unable to delete file.")
		return
	}

	s.server.logger.Info("file_deleted",
		"session_id", s.sessionID,
		"user", s.username(),
		"path", s.redactPath(virtual),
	)
	s.reply(250, "File deleted.")
}

// handleRNFR records the rename source after checking it can be read.
func (s *session) handleRNFR(arg string) {
	s.renameFrom = ""
	if !s.requireLogin() || !s.requireWritable() || !s.requireArg(arg, "Please provide a file name.") {
		return
	}
	local, _ := s.resolve(arg)
	if s.resolver.IsRoot(local) {
		s.reply(550, "Permission denied.")
		return
	}
	info, err := os.Lstat(local)
	if err != nil {
		s.reply(550, "File does not exist.")
		return
	}
	if info.IsDir() {
		if !listable(local) {
			s.reply(550, "Permission denied.")
			return
		}
	} else if info.Mode().IsRegular() {
		f, err := os.Open(local)
		if err != nil {
			s.reply(550, "Permission denied.")
			return
		}
		f.Close()
	}
	s.renameFrom = local
	s.reply(350, "Enter target name.")
}

// handleRNTO completes a rename started by the immediately preceding RNFR.
func (s *session) handleRNTO(arg string) {
	from := s.renameFrom
	s.renameFrom = ""
	if s.lastCmd != "RNFR" || from == "" {
		s.reply(503, "Please specify target file first.")
		return
	}
	if !s.requireLogin() || !s.requireWritable() || !s.requireArg(arg, "Please provide a target name.") {
		return
	}
	local, virtual := s.resolve(arg)
	if _, err := os.Lstat(local); err == nil {
		s.reply(550, "Target path exists already.")
		return
	}
	if err := os.Rename(from, local); err != nil {
		s.reply(550, "Unable to rename.")
		return
	}

	s.server.logger.Info("file_renamed",
		"session_id", s.sessionID,
		"user", s.username(),
		"to", s.redactPath(virtual),
	)
	s.reply(250, "Rename successful.")
}
