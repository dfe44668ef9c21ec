package cli

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"golang.org/x/term"
)

// readPassword reads without echo; tests replace it.
var readPassword = term.ReadPassword

// GetSimpleText writes prompt and a "> " marker to w, then returns the next
// line from reader without surrounding whitespace. A final line without a
// newline is still returned.
func GetSimpleText(reader *bufio.Reader, prompt string, w io.Writer) (string, error) {
	if _, err := fmt.Fprint(w, prompt+"\n> "); err != nil {
		return "", err
	}
	line, err := reader.ReadString('\n')
	if err != nil && (!errors.Is(err, io.EOF) || line == "") {
		return "", err
	}
	return strings.TrimSpace(line), nil
}

// GetPassword prompts on w and reads a password from stdin with echo off.
// Callers wipe the result with common.WipeByteArray.
func GetPassword(w io.Writer) ([]byte, error) {
	return GetPasswordPrompt(w, "Enter password")
}

// GetPasswordPrompt is GetPassword with a custom prompt.
func GetPasswordPrompt(w io.Writer, prompt string) ([]byte, error) {
	if _, err := fmt.Fprint(w, prompt+": "); err != nil {
		return nil, err
	}
	pw, err := readPassword(int(os.Stdin.Fd()))
	fmt.Fprintln(w)
	if err != nil {
		return nil, err
	}
	return pw, nil
}
