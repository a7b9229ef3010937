package server

// Predefined command groups for use with WithDisableCommands.
//
// Example, a read-only server without self-service accounts:
//
//	srv, _ := server.NewServer(":21",
//	    server.WithCredentialStore(store),
//	    server.WithDisableCommands(server.WriteCommands...),
//	    server.WithDisableCommands(server.SignupCommands...),
//	)
var (
	// LegacyCommands contains the RFC 775 X* aliases.
	LegacyCommands = []string{"XCWD", "XCUP", "XPWD", "XMKD", "XRMD"}

	// WriteCommands contains every command that modifies the filesystem.
	// Read-only accounts are refused these regardless of configuration.
	WriteCommands = []string{
		"STOR",
		"APPE",
		"DELE",
		"RMD",
		"XRMD",
		"MKD",
		"XMKD",
		"RNFR",
		"RNTO",
	}

	// SignupCommands contains the self-service account creation command.
	SignupCommands = []string{"UADD"}

	// NotifyCommands contains the roster notification command.
	NotifyCommands = []string{"NOTI"}
)

// unsupportedCommands are recognised verbs this server refuses with 500.
var unsupportedCommands = []string{"ACCT", "STOU", "ALLO", "SITE", "PORT", "EPRT", "EPSV", "AUTH", "FEAT", "OPTS", "MLSD", "MLST"}

// notImplementedCommands are recognised verbs answered with 502.
var notImplementedCommands = []string{"REST", "ABOR", "STAT", "HELP", "MODE", "STRU", "SMNT", "REIN"}
