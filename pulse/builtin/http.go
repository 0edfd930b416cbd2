package builtin

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/teranos/tempo/errors"
	"github.com/teranos/tempo/internal/httpclient"
	"github.com/teranos/tempo/pulse/job"
	"github.com/teranos/tempo/pulse/scheduler"
)

const HTTPHandler = "http"

// maxResponseBody bounds how much of a response is kept in the job data
const maxResponseBody = 4 << 10

// HTTP calls a URL when fired.
//
//	url      required
//	method   default GET, or POST when body is set
//	body     request body
//	headers  map of header name to value
//	timeout  Go duration, bounded by the client timeout
//
// 2xx succeeds. 408, 429 and 5xx responses and transport errors are
// recoverable; other statuses and invalid data fail the execution fatally.
// The last status code and a prefix of the body are written to
// "last_status" and "last_response" in the job's data map.
type HTTP struct {
	Client *httpclient.SaferClient
}

// NewHTTP returns the http job using client
func NewHTTP(client *httpclient.SaferClient) *HTTP {
	return &HTTP{Client: client}
}

// Execute implements scheduler.Job
func (h *HTTP) Execute(ctx context.Context, ec *scheduler.ExecutionContext) error {
	data := ec.MergedData
	rawURL, _ := data.GetString("url")
	if rawURL == "" {
		return scheduler.Fatal(errors.NewConfigurationError("http job: url is required"))
	}
	if _, err := h.Client.ValidateURL(rawURL); err != nil {
		return scheduler.Fatal(errors.Wrap(err, "http job"))
	}

	body, _ := data.GetString("body")
	method, _ := data.GetString("method")
	if method == "" {
		method = http.MethodGet
		if body != "" {
			method = http.MethodPost
		}
	}
	method = strings.ToUpper(method)

	if s, ok := data.GetString("timeout"); ok && s != "" {
		d, err := time.ParseDuration(s)
		if err != nil || d <= 0 {
			return scheduler.Fatal(errors.NewConfigurationError("http job: invalid timeout %q", s))
		}
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, d)
		defer cancel()
	}

	var reader io.Reader
	if body != "" {
		reader = strings.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, rawURL, reader)
	if err != nil {
		return scheduler.Fatal(errors.Wrap(err, "http job: invalid request"))
	}
	if err := setHeaders(req, data["headers"]); err != nil {
		return scheduler.Fatal(err)
	}
	req.Header.Set("X-Tempo-Fire-Instance", ec.FireInstanceID)
	if req.Header.Get("User-Agent") == "" {
		req.Header.Set("User-Agent", "tempo-scheduler")
	}

	start := time.Now()
	resp, err := h.Client.Do(req)
	if err != nil {
		return scheduler.Recoverable(errors.Wrapf(err, "http job: %s %s", method, rawURL))
	}
	defer resp.Body.Close()

	prefix, _ := io.ReadAll(io.LimitReader(resp.Body, maxResponseBody))
	// drain so the connection can be reused
	io.Copy(io.Discard, resp.Body)

	ec.JobData["last_status"] = int64(resp.StatusCode)
	ec.JobData["last_response"] = string(prefix)
	ec.Logger.Debugw("HTTP job request finished",
		"method", method,
		"url", rawURL,
		"status", resp.StatusCode,
		"took", time.Since(start))

	switch code := resp.StatusCode; {
	case code >= 200 && code < 300:
		countRun(ec)
		return nil
	case code == http.StatusRequestTimeout || code == http.StatusTooManyRequests || code >= 500:
		return scheduler.Recoverable(errors.Newf("http job: %s %s returned %s", method, rawURL, resp.Status))
	default:
		return scheduler.Fatal(errors.Newf("http job: %s %s returned %s", method, rawURL, resp.Status))
	}
}

func setHeaders(req *http.Request, raw interface{}) error {
	switch h := raw.(type) {
	case nil:
		return nil
	case map[string]interface{}:
		for k, v := range h {
			req.Header.Set(k, fmt.Sprint(v))
		}
		return nil
	case job.DataMap:
		for k, v := range h {
			req.Header.Set(k, fmt.Sprint(v))
		}
		return nil
	case map[string]string:
		for k, v := range h {
			req.Header.Set(k, v)
		}
		return nil
	default:
		return errors.NewConfigurationError("http job: headers must be a map, got %T", raw)
	}
}
