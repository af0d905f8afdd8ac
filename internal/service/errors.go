package service

import (
	"errors"
	"net/http"
	"strings"

	"geocache/internal/imaging"
	"geocache/internal/model"
)

// ErrorHeader carries the error message when it is reported as an image.
const ErrorHeader = "X-Geocache-Error"

const unspecifiedError = "an unspecified error has occurred"

// RespondToError converts a pipeline error into the response the client
// sees, following the configured reporting mode.
func (c *Core) RespondToError(err error) *model.Response {
	code := http.StatusInternalServerError
	msg := unspecifiedError
	var e *model.Error
	if errors.As(err, &e) {
		if e.Code != 0 {
			code = e.Code
		}
		if e.Message != "" {
			msg = e.Message
		}
	} else if err != nil {
		msg = err.Error()
	}

	c.logger.Info("request failed", "code", code, "error", msg)

	resp := NewResponse()
	resp.Code = code
	if c.settings == nil {
		return resp
	}

	switch c.settings.Reporting {
	case ReportEmptyImage:
		resp.Body = c.settings.EmptyImage
		setContentType(resp, c.defaultFormat())
		resp.Header.Set(ErrorHeader, headerSafe(msg))
		return resp
	case ReportErrorImage:
		size := c.settings.ErrorImageSize
		format := c.defaultFormat()
		body, encErr := format.Encode(imaging.ErrorImage(size, size, msg))
		if encErr == nil {
			resp.Body = body
			setContentType(resp, format)
			resp.Header.Set(ErrorHeader, headerSafe(msg))
			return resp
		}
		c.logger.Warn("failed to encode error image", "error", encErr)
	}

	resp.Body = []byte(msg)
	resp.Header.Set("Content-Type", "text/plain")
	return resp
}

// headerSafe folds line breaks so msg fits in a single header value.
func headerSafe(msg string) string {
	return strings.NewReplacer("\r\n", " ", "\n", " ", "\r", " ").Replace(msg)
}
