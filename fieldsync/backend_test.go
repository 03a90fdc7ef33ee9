package fieldsync

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"testing"

	"github.com/jarcoal/httpmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mobiletoly/go-fieldsync/fieldserver"
)

const testBaseURL = "https://api.fieldsync.test"

func newMockedBackend(t *testing.T) *HTTPBackend {
	t.Helper()
	b := NewHTTPBackend(testBaseURL+"/", func(context.Context) (string, error) { return "tok-1", nil })
	httpmock.ActivateNonDefault(b.HTTP)
	t.Cleanup(httpmock.DeactivateAndReset)
	return b
}

func TestHTTPBackendCreate(t *testing.T) {
	b := newMockedBackend(t)
	httpmock.RegisterResponder(http.MethodPost, testBaseURL+"/resources/room",
		func(req *http.Request) (*http.Response, error) {
			assert.Equal(t, "Bearer tok-1", req.Header.Get("Authorization"))
			assert.Equal(t, "op-1", req.Header.Get(fieldserver.IdempotencyKeyHeader))
			assert.Equal(t, "application/json", req.Header.Get("Content-Type"))
			body, _ := io.ReadAll(req.Body)
			assert.JSONEq(t, `{"name":"Kitchen"}`, string(body))
			return httpmock.NewJsonResponse(http.StatusCreated, fieldserver.Resource{
				ID: "room-42", Type: "room", Payload: json.RawMessage(body),
			})
		})

	res, err := b.Create(context.Background(), "room", json.RawMessage(`{"name":"Kitchen"}`), "op-1")
	require.NoError(t, err)
	assert.Equal(t, "room-42", res.ID)
	assert.JSONEq(t, `{"name":"Kitchen"}`, string(res.Payload))
	assert.True(t, b.HonorsIdempotencyKeys())
}

func TestHTTPBackendCreateWithoutID(t *testing.T) {
	b := newMockedBackend(t)
	httpmock.RegisterResponder(http.MethodPost, testBaseURL+"/resources/room",
		httpmock.NewStringResponder(http.StatusOK, `{"type":"room"}`))

	_, err := b.Create(context.Background(), "room", json.RawMessage(`{}`), "")
	var be *BackendError
	require.ErrorAs(t, err, &be)
	assert.False(t, IsRetryable(err))
}

func TestHTTPBackendReadUpdateDelete(t *testing.T) {
	b := newMockedBackend(t)
	ctx := context.Background()

	httpmock.RegisterResponder(http.MethodGet, testBaseURL+"/resources/attachment",
		func(req *http.Request) (*http.Response, error) {
			assert.Equal(t, "tmp-1", req.URL.Query().Get("client_token"))
			return httpmock.NewJsonResponse(http.StatusOK, fieldserver.ListResponse{Items: []fieldserver.Resource{
				{ID: "attachment-7", Type: "attachment", Payload: json.RawMessage(`{"client_token":"tmp-1"}`)},
			}})
		})
	httpmock.RegisterResponder(http.MethodPut, testBaseURL+"/resources/attachment/attachment-7",
		httpmock.NewStringResponder(http.StatusOK, `{}`))
	httpmock.RegisterResponder(http.MethodDelete, testBaseURL+"/resources/attachment/attachment-7",
		httpmock.NewStringResponder(http.StatusNoContent, ``))

	items, err := b.Read(ctx, "attachment", map[string]string{"client_token": "tmp-1"})
	require.NoError(t, err)
	require.Len(t, items, 1)
	assert.Equal(t, "attachment-7", items[0].ID)

	require.NoError(t, b.Update(ctx, "attachment", "attachment-7", json.RawMessage(`{"caption":"x"}`)))
	require.NoError(t, b.Delete(ctx, "attachment", "attachment-7"))

	info := httpmock.GetCallCountInfo()
	assert.Equal(t, 1, info["PUT "+testBaseURL+"/resources/attachment/attachment-7"])
	assert.Equal(t, 1, info["DELETE "+testBaseURL+"/resources/attachment/attachment-7"])
}

func TestHTTPBackendBinaries(t *testing.T) {
	b := newMockedBackend(t)
	ctx := context.Background()
	data := jpeg("bytes")

	httpmock.RegisterResponder(http.MethodPost, testBaseURL+"/binaries",
		func(req *http.Request) (*http.Response, error) {
			assert.Equal(t, "image/jpeg", req.Header.Get("Content-Type"))
			assert.Equal(t, "op-9", req.Header.Get(fieldserver.IdempotencyKeyHeader))
			body, _ := io.ReadAll(req.Body)
			assert.Equal(t, data, body)
			return httpmock.NewJsonResponse(http.StatusCreated, fieldserver.BinaryResponse{Key: "bin-1", Size: int64(len(body))})
		})
	httpmock.RegisterResponder(http.MethodGet, testBaseURL+"/binaries/bin-1",
		httpmock.NewBytesResponder(http.StatusOK, data))
	httpmock.RegisterResponder(http.MethodGet, testBaseURL+"/binaries/bin-2",
		httpmock.NewJsonResponderOrPanic(http.StatusNotFound, fieldserver.ErrorResponse{Error: "not_found", Message: "no such binary"}))

	key, err := b.UploadBinary(ctx, BinaryUpload{Data: data, ContentType: "image/jpeg", IdempotencyKey: "op-9"})
	require.NoError(t, err)
	assert.Equal(t, "bin-1", key)

	got, err := b.FetchBinary(ctx, "bin-1")
	require.NoError(t, err)
	assert.Equal(t, data, got)

	_, err = b.FetchBinary(ctx, "bin-2")
	require.ErrorIs(t, err, ErrRemoteNotFound)
	assert.Contains(t, err.Error(), "not_found: no such binary")
	assert.False(t, IsRetryable(err))
}

func TestHTTPBackendErrorClassification(t *testing.T) {
	tests := []struct {
		name      string
		status    int
		retryable bool
	}{
		{"bad_request", http.StatusBadRequest, false},
		{"unauthorized", http.StatusUnauthorized, false},
		{"conflict", http.StatusConflict, false},
		{"request_timeout", http.StatusRequestTimeout, true},
		{"too_many_requests", http.StatusTooManyRequests, true},
		{"internal_server_error", http.StatusInternalServerError, true},
		{"service_unavailable", http.StatusServiceUnavailable, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			b := newMockedBackend(t)
			httpmock.RegisterResponder(http.MethodPut, testBaseURL+"/resources/room/room-1",
				httpmock.NewStringResponder(tt.status, "boom"))

			err := b.Update(context.Background(), "room", "room-1", json.RawMessage(`{}`))
			var be *BackendError
			require.ErrorAs(t, err, &be)
			assert.Equal(t, tt.status, be.StatusCode)
			assert.Equal(t, "boom", be.Message)
			assert.Equal(t, tt.retryable, IsRetryable(err))
			assert.Equal(t, tt.retryable, errors.Is(err, ErrTransient))
		})
	}
}

func TestHTTPBackendTransportError(t *testing.T) {
	b := newMockedBackend(t)
	httpmock.RegisterResponder(http.MethodDelete, testBaseURL+"/resources/room/room-1",
		httpmock.NewErrorResponder(errors.New("connection reset")))

	err := b.Delete(context.Background(), "room", "room-1")
	require.Error(t, err)
	assert.True(t, IsRetryable(err))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	err = b.Delete(ctx, "room", "room-1")
	require.ErrorIs(t, err, context.Canceled)
	assert.False(t, IsRetryable(err))
}

func TestHTTPBackendTokenError(t *testing.T) {
	b := newMockedBackend(t)
	b.Token = func(context.Context) (string, error) { return "", errors.New("signed out") }

	_, err := b.FetchBinary(context.Background(), "bin-1")
	require.ErrorContains(t, err, "signed out")
	assert.Zero(t, httpmock.GetTotalCallCount())
}
