// Package shellsafe validates SSH target identifiers and command-mode
// tokens before they are interpolated into result keys, log fields, or
// local file paths. It does not escape the remote command payload itself:
// that is always passed to the SSH session as a single opaque string and
// the remote shell is responsible for its own parsing.
package shellsafe

import (
	"errors"
	"regexp"
	"strings"
)

var (
	shellMetachars = regexp.MustCompile(`[;&|` + "`" + `$<>]`)
	controlChars   = regexp.MustCompile(`[\r\n]`)
	quoteChars     = regexp.MustCompile(`["']`)
	barePattern    = regexp.MustCompile(`^[A-Za-z0-9._+-]+$`)
)

var (
	ErrEmpty           = errors.New("value is empty")
	ErrNullByte        = errors.New("value contains a null byte")
	ErrControlChar     = errors.New("value contains a control character")
	ErrShellMetachar   = errors.New("value contains a shell metacharacter")
	ErrQuoteChar       = errors.New("value contains a quote character")
	ErrOptionLookAlike = errors.New("value starts with a dash")
	ErrInvalidChars    = errors.New("value contains characters outside the safe set")
)

// IsSafeToken reports whether value is safe to use as a node identifier,
// node type, or command-mode string: no shell metacharacters, no quotes, no
// control characters, no leading dash, and restricted to
// [A-Za-z0-9._+-]+.
func IsSafeToken(value string) bool {
	_, err := Validate(value)
	return err == nil
}

// Validate returns the trimmed token if it is safe, or an error identifying
// which rule rejected it.
func Validate(value string) (string, error) {
	trimmed := strings.TrimSpace(value)
	if trimmed == "" {
		return "", ErrEmpty
	}
	if strings.Contains(value, "\x00") {
		return "", ErrNullByte
	}
	if controlChars.MatchString(value) {
		return "", ErrControlChar
	}
	if shellMetachars.MatchString(trimmed) {
		return "", ErrShellMetachar
	}
	if quoteChars.MatchString(trimmed) {
		return "", ErrQuoteChar
	}
	if strings.HasPrefix(trimmed, "-") {
		return "", ErrOptionLookAlike
	}
	if !barePattern.MatchString(trimmed) {
		return "", ErrInvalidChars
	}
	return trimmed, nil
}
