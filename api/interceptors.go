package api

import (
	"net/http"
	"strconv"
)

// ClientVersion is sent as X-Client-Version.
const ClientVersion = "1.0.0"

// Request is one attempt as seen by request interceptors, which may mutate it.
type Request struct {
	Method    string
	URL       string
	Header    http.Header
	Body      []byte
	Attempt   int // 1-based
	RequestID string
}

type RequestInterceptor func(*Request) error

type ResponseInterceptor func(*Response) error

// CredentialProvider supplies the bearer token. ok is false when no token is
// available, in which case no Authorization header is sent.
type CredentialProvider interface {
	Token() (token string, ok bool)
}

// CredentialFunc adapts a function to CredentialProvider.
type CredentialFunc func() (string, bool)

func (f CredentialFunc) Token() (string, bool) { return f() }

// StaticToken always returns the same token.
type StaticToken string

func (s StaticToken) Token() (string, bool) { return string(s), s != "" }

// defaultHeaders is always the first request interceptor.
func defaultHeaders(creds CredentialProvider, version string) RequestInterceptor {
	return func(req *Request) error {
		if req.Header.Get("X-Request-ID") == "" {
			req.Header.Set("X-Request-ID", req.RequestID)
		}
		req.Header.Set("X-Attempt", strconv.Itoa(req.Attempt))
		if req.Header.Get("Content-Type") == "" {
			req.Header.Set("Content-Type", "application/json")
		}
		req.Header.Set("X-Client-Version", version)
		if creds != nil {
			if token, ok := creds.Token(); ok {
				req.Header.Set("Authorization", "Bearer "+token)
			}
		}
		return nil
	}
}
