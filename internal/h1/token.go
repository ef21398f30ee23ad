package h1

import (
	"golang.org/x/net/http/httpguts"
)

// Methods lists the request methods the engine recognises by name. Any
// other valid token is still accepted as an extension method.
var Methods = []string{
	"ACL", "BIND", "CHECKOUT", "CONNECT", "COPY", "DELETE", "GET", "HEAD",
	"LINK", "LOCK", "M-SEARCH", "MERGE", "MKACTIVITY", "MKCALENDAR", "MKCOL",
	"MOVE", "NOTIFY", "OPTIONS", "PATCH", "POST", "PROPFIND", "PROPPATCH",
	"PURGE", "PUT", "QUERY", "REBIND", "REPORT", "SEARCH", "SOURCE",
	"SUBSCRIBE", "TRACE", "UNBIND", "UNLINK", "UNLOCK", "UNSUBSCRIBE",
}

var knownMethods = func() map[string]struct{} {
	m := make(map[string]struct{}, len(Methods))
	for _, name := range Methods {
		m[name] = struct{}{}
	}

	return m
}()

// KnownMethod reports whether name is one of Methods.
func KnownMethod(name string) bool {
	_, ok := knownMethods[name]
	return ok
}

// IsHTTPToken reports whether v is a string holding a non-empty RFC 7230
// token. Any other type yields false.
func IsHTTPToken(v any) bool {
	s, ok := v.(string)
	if !ok {
		return false
	}

	return ValidToken(s)
}

// ValidToken reports whether s is a non-empty RFC 7230 token.
func ValidToken(s string) bool {
	return httpguts.ValidHeaderFieldName(s)
}

func validTokenBytes(b []byte) bool {
	if len(b) == 0 {
		return false
	}

	for _, c := range b {
		if !httpguts.IsTokenRune(rune(c)) {
			return false
		}
	}

	return true
}
