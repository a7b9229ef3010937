package server

import (
	"strings"
	"time"
)

// PathRedactor rewrites a path before it is written to the logs.
//
// Example, hiding everything below the first directory:
//
//	func(p string) string {
//	    parts := strings.SplitN(strings.TrimPrefix(p, "/"), "/", 2)
//	    if len(parts) == 2 {
//	        return "/" + parts[0] + "/*"
//	    }
//	    return p
//	}
type PathRedactor func(path string) string

// MetricsCollector receives server events for monitoring.
//
// Methods are called synchronously from session goroutines and must not
// block. The server checks for a nil collector before every call.
// See the prommetrics package for a Prometheus implementation.
type MetricsCollector interface {
	// RecordCommand records one dispatched command. success is true when
	// the immediate reply was not negative (code < 400).
	RecordCommand(cmd string, success bool, duration time.Duration)

	// RecordTransfer records a completed transfer. operation is RETR, STOR,
	// APPE, LIST or NLST.
	RecordTransfer(operation string, bytes int64, duration time.Duration)

	// RecordConnection records an accepted or rejected control connection.
	// reason is "accepted", "global_limit_reached" or "per_ip_limit_reached".
	RecordConnection(accepted bool, reason string)

	// RecordAuthentication records a login attempt.
	RecordAuthentication(success bool, user string)

	// RecordUploadRejected records an upload refused because the upload
	// gate was full.
	RecordUploadRejected(operation string)
}

func (s *Server) redactPath(p string) string {
	if s.pathRedactor != nil {
		return s.pathRedactor(p)
	}
	return p
}

// redactIP masks the last IPv4 octet or IPv6 group when IP redaction is
// enabled.
func (s *Server) redactIP(ip string) string {
	if !s.redactIPs || ip == "" {
		return ip
	}
	sep := "."
	if strings.Contains(ip, ":") {
		sep = ":"
	}
	i := strings.LastIndex(ip, sep)
	if i < 0 {
		return ip
	}
	return ip[:i+1] + "xxx"
}
