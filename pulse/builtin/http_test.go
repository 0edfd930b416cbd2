package builtin

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/teranos/tempo/internal/httpclient"
	"github.com/teranos/tempo/pulse/job"
	"github.com/teranos/tempo/pulse/scheduler"
)

// localHTTP allows loopback so httptest servers are reachable
func localHTTP() *HTTP {
	return NewHTTP(httpclient.New(httpclient.Options{Timeout: 5 * time.Second, AllowPrivate: true}))
}

func TestHTTP_Post(t *testing.T) {
	var got struct {
		method, body, token, fire string
	}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		b, _ := io.ReadAll(r.Body)
		got.method, got.body = r.Method, string(b)
		got.token = r.Header.Get("Authorization")
		got.fire = r.Header.Get("X-Tempo-Fire-Instance")
		w.Write([]byte("accepted"))
	}))
	defer srv.Close()

	ec, _ := execContext(job.DataMap{
		"url":     srv.URL + "/hooks/nightly",
		"body":    `{"report":"nightly"}`,
		"headers": map[string]any{"Authorization": "Bearer abc"},
	})
	require.NoError(t, localHTTP().Execute(context.Background(), ec))

	assert.Equal(t, http.MethodPost, got.method)
	assert.Equal(t, `{"report":"nightly"}`, got.body)
	assert.Equal(t, "Bearer abc", got.token)
	assert.Equal(t, "fire-1", got.fire)
	assert.EqualValues(t, 200, ec.JobData["last_status"])
	assert.Equal(t, "accepted", ec.JobData["last_response"])
	assert.EqualValues(t, 1, ec.JobData["runs"])
}

func TestHTTP_StatusOutcomes(t *testing.T) {
	tests := []struct {
		status int
		want   job.Outcome
	}{
		{http.StatusNoContent, job.OutcomeSucceeded},
		{http.StatusTooManyRequests, job.OutcomeFailedRecoverable},
		{http.StatusBadGateway, job.OutcomeFailedRecoverable},
		{http.StatusNotFound, job.OutcomeFailedFatal},
		{http.StatusUnauthorized, job.OutcomeFailedFatal},
	}
	for _, tt := range tests {
		t.Run(http.StatusText(tt.status), func(t *testing.T) {
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tt.status)
			}))
			defer srv.Close()

			ec, _ := execContext(job.DataMap{"url": srv.URL})
			err := localHTTP().Execute(context.Background(), ec)
			assert.Equal(t, tt.want, scheduler.OutcomeOf(err))
			assert.EqualValues(t, tt.status, ec.JobData["last_status"])
		})
	}
}

func TestHTTP_TimeoutIsRecoverable(t *testing.T) {
	release := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-release:
		case <-r.Context().Done():
		}
	}))
	defer srv.Close()
	defer close(release)

	ec, _ := execContext(job.DataMap{"url": srv.URL, "timeout": "50ms"})
	err := localHTTP().Execute(context.Background(), ec)
	require.Error(t, err)
	assert.Equal(t, job.OutcomeFailedRecoverable, scheduler.OutcomeOf(err))
	assert.Nil(t, ec.JobData["runs"])
}

func TestHTTP_InvalidDataIsFatal(t *testing.T) {
	h := localHTTP()
	for name, data := range map[string]job.DataMap{
		"missing url":     {},
		"bad scheme":      {"url": "file:///etc/passwd"},
		"bad timeout":     {"url": "http://example.com", "timeout": "soon"},
		"headers not map": {"url": "http://example.com", "headers": "Authorization: x"},
	} {
		ec, _ := execContext(data)
		assert.Equal(t, job.OutcomeFailedFatal, scheduler.OutcomeOf(h.Execute(context.Background(), ec)), name)
	}
}

func TestHTTP_DefaultClientRefusesLoopback(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	defer srv.Close()

	r := scheduler.NewRegistry()
	Register(r)
	ec, _ := execContext(job.DataMap{"url": srv.URL})
	err := r.Get(HTTPHandler).Execute(context.Background(), ec)
	assert.Equal(t, job.OutcomeFailedFatal, scheduler.OutcomeOf(err))
}
