// Package ftp implements a client for fineFTP servers and other FTP
// servers that speak passive mode.
//
// # Overview
//
// The client covers the command set served by the server package:
//   - Login with USER/PASS, and account sign-up with UADD/PASS
//   - Navigation: CWD, CDUP, PWD
//   - Directory management: MKD, RMD, DELE, RNFR/RNTO
//   - Listings: LIST (parsed "ls -l" lines) and NLST
//   - Transfers: RETR, STOR, APPE over passive (PASV) data connections
//   - The NOTI roster feed
//
// # Basic Usage
//
//	client, err := ftp.Dial("localhost:2121", ftp.WithTimeout(10*time.Second))
//	if err != nil {
//	    log.Fatal(err)
//	}
//	defer client.Quit()
//
//	if err := client.Login("alice", "secret"); err != nil {
//	    log.Fatal(err)
//	}
//
//	if err := client.StoreFrom("report.pdf", "/tmp/report.pdf"); err != nil {
//	    log.Fatal(err)
//	}
//
// # Errors
//
// Unexpected replies are returned as *ProtocolError, which keeps the
// command and the reply code:
//
//	err := client.Store("big.iso", f)
//	var pe *ftp.ProtocolError
//	if errors.As(err, &pe) && pe.IsTemporary() {
//	    // 450: another client is uploading, try again later
//	}
//
// # Bandwidth and Progress
//
// WithBandwidthLimit caps every data transfer. ProgressReader and
// ProgressWriter wrap the source or destination of a transfer to report
// bytes moved:
//
//	pr := &ftp.ProgressReader{Reader: f, Callback: func(n int64) {
//	    fmt.Printf("\r%d bytes", n)
//	}}
//	err := client.Store("remote.bin", pr)
//
// # Notifications
//
// Notifications opens a listener, sends NOTI, and streams the roster lines
// the server pushes ("bob logged in", "bob logged out"):
//
//	feed, err := client.Notifications(ctx, 0)
//	for line := range feed {
//	    fmt.Println(line)
//	}
//
// # Concurrency
//
// A Client serialises commands, but a transfer holds the data connection
// until its final reply is read, so use one Client per concurrent transfer.
package ftp
