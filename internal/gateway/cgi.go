package gateway

import (
	"bufio"
	"errors"
	"fmt"
	"net/http"
	"net/textproto"
	"strconv"
	"strings"
)

// maxHeaderBytes bounds the CGI header block read from the subprocess.
const maxHeaderBytes = 64 << 10

var errMalformedHeader = errors.New("malformed CGI response header")

// readCGIHeader consumes the CGI header block from r, up to and including the
// first blank line. A "Status: NNN" line sets the status code, which is 200
// otherwise. Lines may end in LF or CRLF.
func readCGIHeader(r *bufio.Reader) (int, http.Header, error) {
	status := http.StatusOK
	header := make(http.Header)
	read := 0

	for {
		line, err := r.ReadString('\n')
		read += len(line)
		if read > maxHeaderBytes {
			return 0, nil, fmt.Errorf("%w: header block exceeds %d bytes", errMalformedHeader, maxHeaderBytes)
		}
		if err != nil {
			if line == "" && read == 0 {
				return 0, nil, fmt.Errorf("%w: no output", errMalformedHeader)
			}
			return 0, nil, fmt.Errorf("%w: unterminated header block", errMalformedHeader)
		}

		line = strings.TrimRight(line, "\r\n")
		if line == "" {
			return status, header, nil
		}

		key, value, ok := strings.Cut(line, ":")
		if !ok || key == "" || strings.ContainsAny(key, " \t") {
			return 0, nil, fmt.Errorf("%w: %q", errMalformedHeader, line)
		}
		key = textproto.CanonicalMIMEHeaderKey(key)
		value = strings.TrimSpace(value)

		if key == "Status" {
			code, err := parseStatus(value)
			if err != nil {
				return 0, nil, err
			}
			status = code
			continue
		}
		header.Add(key, value)
	}
}

// parseStatus reads the code from a value such as "404 Not Found".
func parseStatus(value string) (int, error) {
	codeStr, _, _ := strings.Cut(value, " ")
	code, err := strconv.Atoi(codeStr)
	if err != nil || code < 100 || code > 999 {
		return 0, fmt.Errorf("%w: bad status %q", errMalformedHeader, value)
	}
	return code, nil
}
