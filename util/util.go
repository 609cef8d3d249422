// Package util holds small helpers shared by the wsbridge commands and
// tests.
package util

import (
	"regexp"
	"strings"
)

var replaceHTTPSRe = regexp.MustCompile("^(http)(s?)")

// MakeWsURL converts http:// to ws:// and https:// to wss://. Other URLs are
// returned unchanged.
func MakeWsURL(url string) string {
	return replaceHTTPSRe.ReplaceAllString(url, "ws$2")
}

// JoinURL appends path to base with exactly one slash between them.
func JoinURL(base, path string) string {
	return strings.TrimSuffix(base, "/") + "/" + strings.TrimPrefix(path, "/")
}
