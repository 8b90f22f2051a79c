package dispatch

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rendis/orchestra/internal/steps"
	"github.com/rendis/orchestra/pkg/schema"
)

func httpTask(params map[string]any) Task {
	return Task{
		PlanExecutionID: "plan-1",
		NodeExecutionID: "node-1",
		Request:         steps.TaskRequest{TaskType: TaskTypeHTTP, Parameters: params},
	}
}

func runHTTP(t *testing.T, params map[string]any) (map[string]any, error) {
	t.Helper()
	out, err := NewHTTPRunner(HTTPConfig{}).Run(context.Background(), httpTask(params))
	if err != nil {
		return nil, err
	}
	result, ok := out.(map[string]any)
	require.True(t, ok, "result should be a map, got %T", out)
	return result, nil
}

func TestHTTPRunner_GetJSON(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "plan-1", r.Header.Get(HeaderPlanExecutionID))
		assert.Equal(t, "node-1", r.Header.Get(HeaderNodeExecutionID))
		w.Header().Set("Content-Type", "application/json")
		w.Header().Set("X-Build", "42")
		_ = json.NewEncoder(w).Encode(map[string]any{"healthy": true})
	}))
	defer srv.Close()

	result, err := runHTTP(t, map[string]any{"url": srv.URL})
	require.NoError(t, err)

	assert.Equal(t, http.StatusOK, result["status_code"])
	assert.Contains(t, result["content_type"], "application/json")
	body, ok := result["body"].(map[string]any)
	require.True(t, ok, "JSON bodies are decoded")
	assert.Equal(t, true, body["healthy"])
	headers, ok := result["headers"].(map[string]any)
	require.True(t, ok)
	assert.Equal(t, "42", headers["X-Build"])
}

func TestHTTPRunner_PostJSONBodyWithBearer(t *testing.T) {
	var received map[string]any
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "application/json", r.Header.Get("Content-Type"))
		assert.Equal(t, "Bearer t0ken", r.Header.Get("Authorization"))
		assert.Equal(t, "yes", r.Header.Get("X-Dry-Run"))
		data, _ := io.ReadAll(r.Body)
		_ = json.Unmarshal(data, &received)
		w.WriteHeader(http.StatusCreated)
		_, _ = w.Write([]byte("created"))
	}))
	defer srv.Close()

	result, err := runHTTP(t, map[string]any{
		"url":     srv.URL,
		"method":  "post",
		"body":    map[string]any{"service": "checkout"},
		"headers": map[string]any{"X-Dry-Run": "yes"},
		"auth":    map[string]any{"type": "bearer", "token": "t0ken"},
	})
	require.NoError(t, err)
	assert.Equal(t, http.StatusCreated, result["status_code"])
	assert.Equal(t, "created", result["body"])
	assert.Equal(t, "checkout", received["service"])
}

func TestHTTPRunner_FormBodyAndBasicAuth(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		user, pass, ok := r.BasicAuth()
		assert.True(t, ok)
		assert.Equal(t, "deployer", user)
		assert.Equal(t, "s3cret", pass)
		require.NoError(t, r.ParseForm())
		assert.Equal(t, "prod", r.PostForm.Get("env"))
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()

	result, err := runHTTP(t, map[string]any{
		"url":           srv.URL,
		"method":        "PUT",
		"body":          map[string]any{"env": "prod"},
		"body_encoding": "form",
		"auth":          map[string]any{"type": "basic", "username": "deployer", "password": "s3cret"},
	})
	require.NoError(t, err)
	assert.Equal(t, http.StatusNoContent, result["status_code"])
	assert.Nil(t, result["body"])
}

func TestHTTPRunner_FailOnErrorStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "boom", http.StatusBadGateway)
	}))
	defer srv.Close()

	result, err := runHTTP(t, map[string]any{"url": srv.URL})
	require.NoError(t, err, "error statuses are data by default")
	assert.Equal(t, http.StatusBadGateway, result["status_code"])

	_, err = runHTTP(t, map[string]any{"url": srv.URL, "fail_on_error_status": true})
	require.Error(t, err)
	assert.Equal(t, schema.ErrCodeStepFailed, schema.ErrorCode(err))
}

func TestHTTPRunner_NoRedirects(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/old" {
			http.Redirect(w, r, "/new", http.StatusFound)
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	result, err := runHTTP(t, map[string]any{"url": srv.URL + "/old"})
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, result["status_code"])

	result, err = runHTTP(t, map[string]any{"url": srv.URL + "/old", "follow_redirects": false})
	require.NoError(t, err)
	assert.Equal(t, http.StatusFound, result["status_code"])
}

func TestHTTPRunner_ResponseBodyLimit(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte("0123456789"))
	}))
	defer srv.Close()

	out, err := NewHTTPRunner(HTTPConfig{MaxResponseBody: 4}).Run(context.Background(), httpTask(map[string]any{"url": srv.URL}))
	require.NoError(t, err)
	assert.Equal(t, "0123", out.(map[string]any)["body"])
}

func TestHTTPRunner_InvalidURL(t *testing.T) {
	for _, u := range []string{"", "not a url", "ftp://example.com/file"} {
		_, err := runHTTP(t, map[string]any{"url": u})
		require.Error(t, err, u)
		assert.Equal(t, schema.ErrCodeValidation, schema.ErrorCode(err))
	}
}
