package serializer

import (
	"bufio"
	"bytes"
	"io"
	"net/http"
	"strconv"
	"time"
)

const storedAtHeaderName = "Swcache-Stored-At"

type StoredResponse struct {
	Response *http.Response
	// The value of the clock at the time the response was written to the store.
	StoredAt time.Time
}

// StoredResponseToBytes serializes the status line, headers and body of the response
// in HTTP/1.1 wire format. The body of the response is consumed and replaced,
// so the response can still be sent to the client afterwards.
func StoredResponseToBytes(sRes StoredResponse) ([]byte, error) {
	body, err := Snapshot(sRes.Response)
	if err != nil {
		return nil, err
	}
	res := sRes.Response
	header := res.Header.Clone()
	if header == nil {
		header = http.Header{}
	}
	header.Set(storedAtHeaderName, strconv.FormatInt(sRes.StoredAt.Unix(), 10))
	clone := &http.Response{
		StatusCode:    res.StatusCode,
		ProtoMajor:    1,
		ProtoMinor:    1,
		Header:        header,
		ContentLength: int64(len(body)),
		Body:          io.NopCloser(bytes.NewReader(body)),
	}
	buf := &bytes.Buffer{}
	if err := clone.Write(buf); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// BytesToStoredResponse converts bytes created by StoredResponseToBytes back to a response.
// The request, if given, is set as the request of the response.
func BytesToStoredResponse(b []byte, req *http.Request) (StoredResponse, error) {
	sRes := StoredResponse{}
	res, err := http.ReadResponse(bufio.NewReader(bytes.NewReader(b)), req)
	if err != nil {
		return sRes, err
	}
	sRes.Response = res
	if storedAt, err := strconv.ParseInt(res.Header.Get(storedAtHeaderName), 10, 64); err == nil {
		sRes.StoredAt = time.Unix(storedAt, 0)
	}
	res.Header.Del(storedAtHeaderName)
	return sRes, nil
}

// Snapshot reads the whole body of the response and puts an in-memory copy back,
// so that the body can be read again. It returns the body bytes.
func Snapshot(res *http.Response) ([]byte, error) {
	if res.Body == nil || res.Body == http.NoBody {
		res.Body = http.NoBody
		return []byte{}, nil
	}
	body, err := io.ReadAll(res.Body)
	res.Body.Close()
	if err != nil {
		return nil, err
	}
	res.Body = io.NopCloser(bytes.NewReader(body))
	res.ContentLength = int64(len(body))
	return body, nil
}
