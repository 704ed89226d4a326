package jpegserver

import (
	"bufio"
	"fmt"
	"net"
	"strings"
)

// readRequestLine reads a single HTTP request line ("METHOD path
// HTTP/1.1") off conn, ignoring any headers that follow — this server
// only ever routes on method and path, matching its single-shot
// homepage/snapshot/stream handlers. The caller is expected to have set a
// read deadline beforehand so a client that sends nothing is evicted by
// spec.md §4.4's 10s idle timeout.
func readRequestLine(conn net.Conn) (method, path string, err error) {
	r := bufio.NewReaderSize(conn, 2048)
	line, err := r.ReadString('\n')
	if err != nil {
		return "", "", err
	}
	fields := strings.Fields(line)
	if len(fields) < 2 {
		return "", "", fmt.Errorf("jpegserver: malformed request line %q", line)
	}
	return fields[0], fields[1], nil
}

// writeSimple writes a minimal, non-chunked HTTP response with a fixed
// Content-Length and then leaves the connection for the caller to close.
func writeSimple(conn net.Conn, status int, contentType string, body []byte) {
	statusText := "OK"
	switch status {
	case 400:
		statusText = "Bad Request"
	case 404:
		statusText = "Not Found"
	case 503:
		statusText = "Service Unavailable"
	}
	header := fmt.Sprintf("HTTP/1.1 %d %s\r\nContent-Type: %s\r\nContent-Length: %d\r\nConnection: close\r\n\r\n",
		status, statusText, contentType, len(body))
	conn.Write([]byte(header))
	conn.Write(body)
}
