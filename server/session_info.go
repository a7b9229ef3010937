package server

import (
	"os"
	"strconv"
)

// handleSIZE answers 213 with the size of a regular file in bytes.
func (s *session) handleSIZE(arg string) {
	if !s.requireLogin() || !s.requireArg(arg, "Please provide a file name.") {
		return
	}
	info, ok := s.statFile(arg)
	if !ok {
		return
	}
	s.reply(213, strconv.FormatInt(info.Size(), 10))
}

// handleMDTM answers 213 with the modification time of a regular file,
// in UTC as YYYYMMDDHHMMSS.
func (s *session) handleMDTM(arg string) {
	if !s.requireLogin() || !s.requireArg(arg, "Please provide a file name.") {
		return
	}
	info, ok := s.statFile(arg)
	if !ok {
		return
	}
	s.reply(213, info.ModTime().UTC().Format("20060102150405"))
}

func (s *session) statFile(arg string) (os.FileInfo, bool) {
	local, _ := s.resolve(arg)
	info, err := os.Stat(local)
	if err != nil {
		s.replyError(err)
		return nil, false
	}
	if !info.Mode().IsRegular() {
		s.reply(550, "Not a regular file.")
		return nil, false
	}
	return info, true
}
