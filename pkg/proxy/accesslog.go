package proxy

import (
	"io"
	"log"
	"net/http"

	"github.com/go-chi/chi/v5/middleware"
)

const accessCodeQueryParam = "access_code"

// accessLogFormatter is chi's request log line with the access code query
// parameter masked.
type accessLogFormatter struct {
	middleware.DefaultLogFormatter
}

func newAccessLogger(out io.Writer) func(http.Handler) http.Handler {
	return middleware.RequestLogger(&accessLogFormatter{
		DefaultLogFormatter: middleware.DefaultLogFormatter{Logger: log.New(out, "", log.LstdFlags)},
	})
}

func (f *accessLogFormatter) NewLogEntry(r *http.Request) middleware.LogEntry {
	return f.DefaultLogFormatter.NewLogEntry(redactAccessCode(r))
}

// redactAccessCode returns a shallow copy of r for logging. r itself is left
// alone so the gate can still read the code.
func redactAccessCode(r *http.Request) *http.Request {
	q := r.URL.Query()
	if !q.Has(accessCodeQueryParam) {
		return r
	}
	q.Set(accessCodeQueryParam, "redacted")
	u := *r.URL
	u.RawQuery = q.Encode()
	out := *r
	out.URL = &u
	out.RequestURI = u.RequestURI()
	return &out
}
