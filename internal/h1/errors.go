package h1

import (
	"errors"
	"fmt"
)

// Code classifies a ParseError.
type Code uint8

const (
	CodeInvalidMethod Code = iota + 1
	CodeInvalidURL
	CodeInvalidVersion
	CodeInvalidStatus
	CodeInvalidHeader
	CodeHeaderOverflow
	CodeInvalidContentLength
	CodeInvalidTransferEncoding
	CodeInvalidChunk
	CodeIncomplete
)

var codeNames = map[Code]string{
	CodeInvalidMethod:           "invalid method",
	CodeInvalidURL:              "invalid url",
	CodeInvalidVersion:          "invalid version",
	CodeInvalidStatus:           "invalid status",
	CodeInvalidHeader:           "invalid header",
	CodeHeaderOverflow:          "header overflow",
	CodeInvalidContentLength:    "invalid content-length",
	CodeInvalidTransferEncoding: "invalid transfer-encoding",
	CodeInvalidChunk:            "invalid chunk",
	CodeIncomplete:              "incomplete message",
}

func (c Code) String() string {
	if name, ok := codeNames[c]; ok {
		return name
	}

	return fmt.Sprintf("code(%d)", uint8(c))
}

// ParseError is returned by Parser.Execute and Parser.Finish. BytesParsed is
// the offset into the executed buffer at which parsing stopped.
type ParseError struct {
	Code        Code
	Reason      string
	BytesParsed int
}

func (e *ParseError) Error() string {
	if e.Reason == "" {
		return "h1: " + e.Code.String()
	}

	return fmt.Sprintf("h1: %s: %s", e.Code, e.Reason)
}

// Is matches any ParseError carrying the same code, so the sentinels below
// work with errors.Is.
func (e *ParseError) Is(target error) bool {
	var t *ParseError
	if !errors.As(target, &t) {
		return false
	}

	return t.Code == e.Code
}

var (
	ErrInvalidMethod           = &ParseError{Code: CodeInvalidMethod}
	ErrInvalidURL              = &ParseError{Code: CodeInvalidURL}
	ErrInvalidVersion          = &ParseError{Code: CodeInvalidVersion}
	ErrInvalidStatus           = &ParseError{Code: CodeInvalidStatus}
	ErrInvalidHeader           = &ParseError{Code: CodeInvalidHeader}
	ErrHeaderOverflow          = &ParseError{Code: CodeHeaderOverflow}
	ErrInvalidContentLength    = &ParseError{Code: CodeInvalidContentLength}
	ErrInvalidTransferEncoding = &ParseError{Code: CodeInvalidTransferEncoding}
	ErrInvalidChunk            = &ParseError{Code: CodeInvalidChunk}
	ErrIncomplete              = &ParseError{Code: CodeIncomplete}

	// ErrParserClosed is returned when executing a parser after Close.
	ErrParserClosed = errors.New("h1: parser closed")
)
