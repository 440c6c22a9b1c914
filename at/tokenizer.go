package at

import (
	"bufio"
	"bytes"
	"strings"
)

// Splitter is used for tokenizing AT command module responses. It uses
// the signature of bufio.SplitFunc so it can be directly used with
// bufio.Scanner.
//
// It splits the input by CRLF line endings.
//
// Important: This splitter assumes "No Echo" mode (ATE0). If echo is enabled,
// it would need modification to handle command echoes that precede the actual
// response.
//
// The atEOF parameter indicates whether any more data will be available.
// When true, any remaining data is returned as the final token.
func Splitter(data []byte, atEOF bool) (advance int, token []byte, err error) {
	if atEOF && len(data) == 0 {
		return 0, nil, nil
	}

	if i := bytes.Index(data, []byte(CRLF)); i >= 0 {
		return i + len(CRLF), data[0:i], nil
	}

	if atEOF {
		return len(data), data, nil
	}
	return 0, nil, nil
}

var _ bufio.SplitFunc = Splitter

// Classify identifies the nature of the module output
func Classify(line string) ResponseType {
	// Direct matches for final results
	switch line {
	case OK, ERROR:
		return TypeFinal
	}

	if line == UrcStartup || strings.HasPrefix(line, UrcStartup+":") {
		return TypeStartup
	}

	switch {
	case strings.HasPrefix(line, UrcNetworkUp),
		strings.HasPrefix(line, UrcNetworkDown),
		strings.HasPrefix(line, UrcLinkConnected),
		strings.HasPrefix(line, UrcLinkDisconnected),
		strings.HasPrefix(line, UrcAPUp),
		strings.HasPrefix(line, UrcAPDown),
		strings.HasPrefix(line, UrcPeerConnected),
		strings.HasPrefix(line, UrcPeerDisconnected):
		return TypeURC
	default:
		return TypeData
	}
}
