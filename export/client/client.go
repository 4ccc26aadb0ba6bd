package client

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"io/ioutil"
	"net/http"
	"time"

	"github.com/dimchansky/utfbom"
	"github.com/hashicorp/go-retryablehttp"
	"github.com/pborman/uuid"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
)

const (
	requestIDHeader     = "X-Request-ID"
	authorizationHeader = "Authorization"
)

// Client issues a single HTTP request and surfaces the status code, headers
// and body. It never retries.
type Client interface {
	Do(ctx context.Context, req *Request) (*Response, error)
}

type Request struct {
	Method string
	URL    string
	Header http.Header
}

type Response struct {
	StatusCode int
	Header     http.Header
	Body       []byte
}

// IsSuccess reports a 2xx status code.
func (r *Response) IsSuccess() bool {
	return r.StatusCode >= http.StatusOK && r.StatusCode < http.StatusMultipleChoices
}

type Config struct {
	Timeout time.Duration
}

// HTTPClient implements Client on top of a retryablehttp.Client whose retry
// budget is zero, keeping its pooled transport and hooks.
type HTTPClient struct {
	rc     *retryablehttp.Client
	logger logrus.FieldLogger
}

// Ensure HTTPClient satisfies the interface
var _ Client = &HTTPClient{}

func NewHTTPClient(cfg Config, logger logrus.FieldLogger) *HTTPClient {
	rc := retryablehttp.NewClient()
	rc.RetryMax = 0
	rc.HTTPClient.Timeout = cfg.Timeout
	rc.Logger = leveledLogger{logger}
	rc.CheckRetry = noRetry
	rc.RequestLogHook = func(_ retryablehttp.Logger, req *http.Request, _ int) {
		logRequest(logger, req)
	}
	rc.ResponseLogHook = func(_ retryablehttp.Logger, resp *http.Response) {
		logResponse(logger, resp)
	}

	return &HTTPClient{rc: rc, logger: logger}
}

// noRetry hands every response (and transport error) straight back to the
// caller.
func noRetry(ctx context.Context, resp *http.Response, err error) (bool, error) {
	if ctxErr := ctx.Err(); ctxErr != nil {
		return false, ctxErr
	}
	return false, err
}

func (c *HTTPClient) Do(ctx context.Context, r *Request) (*Response, error) {
	req, err := retryablehttp.NewRequest(r.Method, r.URL, nil)
	if err != nil {
		return nil, errors.Wrapf(err, "could not create %s request for %s", r.Method, r.URL)
	}
	req = req.WithContext(ctx)

	for k, vals := range r.Header {
		for _, v := range vals {
			req.Header.Add(k, v)
		}
	}
	if req.Header.Get(requestIDHeader) == "" {
		req.Header.Set(requestIDHeader, uuid.NewRandom().String())
	}

	resp, err := c.rc.Do(req)
	if resp != nil {
		/* #nosec -- it's OK for us to ignore errors when attempt to cleanup response body */
		defer func() {
			_, _ = io.Copy(ioutil.Discard, resp.Body)
			resp.Body.Close()
		}()
	}
	if err != nil {
		return nil, errors.Wrapf(err, "%s %s failed", r.Method, r.URL)
	}

	body, err := ioutil.ReadAll(resp.Body)
	if err != nil {
		return nil, errors.Wrapf(err, "could not read response body from %s", r.URL)
	}

	return &Response{StatusCode: resp.StatusCode, Header: resp.Header, Body: body}, nil
}

// DecodeJSON unmarshals body into v, skipping a leading UTF-8 byte order mark.
func DecodeJSON(body []byte, v interface{}) error {
	return json.NewDecoder(utfbom.SkipOnly(bytes.NewReader(body))).Decode(v)
}

func logRequest(logger logrus.FieldLogger, req *http.Request) {
	logger.WithFields(logrus.Fields{
		"request_id":    req.Header.Get(requestIDHeader),
		"method":        req.Method,
		"uri":           req.URL.String(),
		"authorization": redact(req.Header.Get(authorizationHeader)),
	}).Infoln("Bulk data request")
}

func logResponse(logger logrus.FieldLogger, resp *http.Response) {
	fields := logrus.Fields{
		"resp_code":      resp.StatusCode,
		"content_length": resp.ContentLength,
	}
	if resp.Request != nil {
		fields["request_id"] = resp.Request.Header.Get(requestIDHeader)
		fields["uri"] = resp.Request.URL.String()
	}
	logger.WithFields(fields).Infoln("Bulk data response")
}

// redact keeps the scheme of an Authorization header and drops the secret.
func redact(auth string) string {
	if auth == "" {
		return ""
	}
	for i := 0; i < len(auth); i++ {
		if auth[i] == ' ' {
			return auth[:i] + " <redacted>"
		}
	}
	return "<redacted>"
}

// leveledLogger adapts a logrus.FieldLogger to retryablehttp.LeveledLogger.
type leveledLogger struct {
	logger logrus.FieldLogger
}

func (l leveledLogger) fields(keysAndValues []interface{}) logrus.FieldLogger {
	fields := logrus.Fields{}
	for i := 0; i+1 < len(keysAndValues); i += 2 {
		if k, ok := keysAndValues[i].(string); ok {
			fields[k] = keysAndValues[i+1]
		}
	}
	return l.logger.WithFields(fields)
}

func (l leveledLogger) Error(msg string, keysAndValues ...interface{}) {
	l.fields(keysAndValues).Error(msg)
}

func (l leveledLogger) Info(msg string, keysAndValues ...interface{}) {
	l.fields(keysAndValues).Info(msg)
}

func (l leveledLogger) Debug(msg string, keysAndValues ...interface{}) {
	l.fields(keysAndValues).Debug(msg)
}

func (l leveledLogger) Warn(msg string, keysAndValues ...interface{}) {
	l.fields(keysAndValues).Warn(msg)
}
