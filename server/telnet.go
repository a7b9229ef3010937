package server

const (
	// telnetIAC is Interpret As Command
	telnetIAC = 0xFF
	// telnetWILL negotiation command
	telnetWILL = 0xFB
	// telnetWONT negotiation command
	telnetWONT = 0xFC
	// telnetDO negotiation command
	telnetDO = 0xFD
	// telnetDONT negotiation command
	telnetDONT = 0xFE
)

// telnetFilter drops Telnet command sequences from the control stream one
// byte at a time. Some clients send IAC sequences (for example IAC IP
// before ABOR) that must not end up in a command line.
type telnetFilter struct {
	afterIAC   bool
	skipOption bool
}

// feed consumes b and reports whether it is a data byte.
func (f *telnetFilter) feed(b byte) (byte, bool) {
	switch {
	case f.skipOption:
		f.skipOption = false
		return 0, false
	case f.afterIAC:
		f.afterIAC = false
		switch b {
		case telnetIAC:
			return telnetIAC, true
		case telnetWILL, telnetWONT, telnetDO, telnetDONT:
			f.skipOption = true
		}
		return 0, false
	case b == telnetIAC:
		f.afterIAC = true
		return 0, false
	}
	return b, true
}
