package sonicserver

import (
	"bytes"
	"net/http"
)

// recorder is an http.ResponseWriter that keeps the response in memory so
// the middleware can rewrite it before anything reaches the client.
type recorder struct {
	header       http.Header
	body         bytes.Buffer
	status       int
	wroteHeaders bool
}

func newRecorder() *recorder {
	return &recorder{header: http.Header{}}
}

// Implementation of http.ResponseWriter
func (r *recorder) Header() http.Header {
	return r.header
}

// Implementation of http.ResponseWriter
func (r *recorder) WriteHeader(statusCode int) {
	if r.wroteHeaders {
		return
	}
	r.wroteHeaders = true
	r.status = statusCode
}

// Implementation of http.ResponseWriter
func (r *recorder) Write(b []byte) (int, error) {
	if !r.wroteHeaders {
		r.WriteHeader(http.StatusOK)
	}
	return r.body.Write(b)
}

// StatusCode returns the status code of the response.
func (r *recorder) StatusCode() int {
	if !r.wroteHeaders {
		return http.StatusOK
	}
	return r.status
}

// flush writes the recorded response unchanged to w.
func (r *recorder) flush(w http.ResponseWriter) {
	copyHeader(w.Header(), r.header)
	w.WriteHeader(r.StatusCode())
	w.Write(r.body.Bytes())
}

func copyHeader(dst, src http.Header) {
	for k, vv := range src {
		for _, v := range vv {
			dst.Add(k, v)
		}
	}
}
