package server

import "runtime"

// handleSYST reports the system type, detected from runtime.GOOS.
func (s *session) handleSYST(_ string) {
	if !s.requireLogin() {
		return
	}
	var systType string
	switch runtime.GOOS {
	case "linux", "darwin", "freebsd", "openbsd", "netbsd", "dragonfly", "solaris", "illumos", "aix":
		systType = "UNIX Type: L8"
	case "windows":
		systType = "Windows_NT"
	case "plan9":
		systType = "Plan9"
	default:
		systType = "UNKNOWN Type: L8"
	}
	s.reply(215, systType)
}

func (s *session) handleNOOP(_ string) {
	s.reply(200, "OK.")
}

func (s *session) handleUnsupported(_ string) {
	s.reply(500, "Command not supported.")
}

func (s *session) handleNotImplemented(_ string) {
	s.reply(502, "Command not implemented.")
}
