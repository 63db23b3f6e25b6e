package serializer

import (
	"bufio"
	"bytes"
	"io"
	"net/http"
	"strconv"
	"time"
)

const (
	fetchedAtHeaderName    = "Offline-Fetched-At"
	declaredTypeHeaderName = "Offline-Declared-Type"
	sourceURLHeaderName    = "Offline-Source-Url"
)

// StoredResponse is a response together with the provenance recorded when it was fetched.
type StoredResponse struct {
	Response *http.Response
	// The value of the clock when the response was received.
	FetchedAt time.Time
	// Content type declared by the origin. Only recorded for documents.
	DeclaredType string
	// URL the response was fetched from. Only recorded for documents.
	SourceURL string
}

// StoredResponseToBytes serializes the response and its provenance.
// The response body is consumed and replaced with an equivalent reader,
// so the response can still be sent after serialization.
func StoredResponseToBytes(sRes StoredResponse) ([]byte, error) {
	res := sRes.Response
	res.Header.Set(fetchedAtHeaderName, strconv.FormatInt(sRes.FetchedAt.UnixNano(), 10))
	if sRes.DeclaredType != "" {
		res.Header.Set(declaredTypeHeaderName, sRes.DeclaredType)
	}
	if sRes.SourceURL != "" {
		res.Header.Set(sourceURLHeaderName, sRes.SourceURL)
	}
	bts, err := responseToBytes(res)
	// remove the extra headers just in case
	stripProvenance(res.Header)
	return bts, err
}

// BytesToStoredResponse reconstructs a response stored with StoredResponseToBytes.
// The request, if not nil, is attached to the returned response.
func BytesToStoredResponse(b []byte, req *http.Request) (StoredResponse, error) {
	sRes := StoredResponse{}
	res, err := http.ReadResponse(bufio.NewReader(bytes.NewReader(b)), req)
	if err != nil {
		return sRes, err
	}
	sRes.Response = res
	if fetchedAt, err := strconv.ParseInt(res.Header.Get(fetchedAtHeaderName), 10, 64); err == nil {
		sRes.FetchedAt = time.Unix(0, fetchedAt)
	}
	sRes.DeclaredType = res.Header.Get(declaredTypeHeaderName)
	sRes.SourceURL = res.Header.Get(sourceURLHeaderName)
	stripProvenance(res.Header)
	return sRes, nil
}

// BodySize returns the length of the body in a serialized response.
func BodySize(b []byte) int {
	if i := bytes.Index(b, []byte("\r\n\r\n")); i >= 0 {
		return len(b) - i - 4
	}
	return 0
}

func stripProvenance(h http.Header) {
	h.Del(fetchedAtHeaderName)
	h.Del(declaredTypeHeaderName)
	h.Del(sourceURLHeaderName)
}

// responseToBytes converts a response to a byte slice.
// It returns the HTTP/1.1 representation of the response with the body fully read,
// so that the stored form carries a Content-Length instead of chunked encoding.
func responseToBytes(res *http.Response) ([]byte, error) {
	var body []byte
	if res.Body != nil {
		var err error
		body, err = io.ReadAll(res.Body)
		res.Body.Close()
		if err != nil {
			return nil, err
		}
	}
	// set response body back
	res.Body = io.NopCloser(bytes.NewReader(body))

	stored := *res
	stored.Body = io.NopCloser(bytes.NewReader(body))
	stored.ContentLength = int64(len(body))
	stored.TransferEncoding = nil
	stored.Uncompressed = false
	stored.Trailer = nil
	stored.ProtoMajor, stored.ProtoMinor = 1, 1
	stored.Header = res.Header.Clone()
	stored.Header.Del("Transfer-Encoding")
	stored.Header.Set("Content-Length", strconv.Itoa(len(body)))

	buf := &bytes.Buffer{}
	if err := stored.Write(buf); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}
