package api

import (
	"bytes"
	"compress/gzip"
	"io"
	"net/http"
	"strconv"
	"strings"

	"github.com/labstack/echo/v4"
)

var (
	errInvalidGzip = echo.NewHTTPError(http.StatusBadRequest, "invalid gzip body")
	errBodyTooBig  = echo.NewHTTPError(http.StatusRequestEntityTooLarge, "body too large")
)

// GzipRequestMiddleware inflates gzip request bodies before routing. The
// inflated body is bounded by maxBodySize, and a corrupt stream is rejected
// even when its header parses.
func GzipRequestMiddleware() echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			req := c.Request()
			if !gzipEncoded(req.Header.Values(echo.HeaderContentEncoding)) {
				return next(c)
			}
			data, err := inflate(req.Body)
			_ = req.Body.Close()
			if err != nil {
				status, msg := statusFor(err)
				return c.JSON(status, errorResponse{Error: true, Message: msg})
			}
			req.Body = io.NopCloser(bytes.NewReader(data))
			req.ContentLength = int64(len(data))
			req.Header.Del(echo.HeaderContentEncoding)
			req.Header.Set(echo.HeaderContentLength, strconv.Itoa(len(data)))
			return next(c)
		}
	}
}

func inflate(body io.Reader) ([]byte, error) {
	zr, err := gzip.NewReader(body)
	if err != nil {
		return nil, errInvalidGzip
	}
	defer zr.Close()
	data, err := io.ReadAll(io.LimitReader(zr, maxBodySize+1))
	if err != nil {
		return nil, errInvalidGzip
	}
	if len(data) > maxBodySize {
		return nil, errBodyTooBig
	}
	return data, nil
}

// gzipEncoded accepts gzip and its x-gzip alias anywhere in the coding list.
func gzipEncoded(values []string) bool {
	for _, v := range values {
		for _, enc := range strings.Split(v, ",") {
			switch strings.ToLower(strings.TrimSpace(enc)) {
			case "gzip", "x-gzip":
				return true
			}
		}
	}
	return false
}
