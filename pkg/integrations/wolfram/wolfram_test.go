package wolfram

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	vcerrors "github.com/otherjamesbrown/vcmatrix/pkg/errors"
)

func TestShortAnswer(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v1/result", r.URL.Path)
		assert.Equal(t, "app", r.URL.Query().Get("appid"))
		assert.Equal(t, "1.3^5", r.URL.Query().Get("i"))
		_, _ = w.Write([]byte("3.71293\n"))
	}))
	defer srv.Close()

	c := New(Config{AppID: "app", BaseURL: srv.URL}, nil)
	got, err := c.ShortAnswer(context.Background(), "1.3^5")
	require.NoError(t, err)
	assert.Equal(t, "3.71293", got)
}

func TestShortAnswer_NotUnderstood(t *testing.T) {
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		http.Error(w, "Wolfram|Alpha did not understand your input", http.StatusNotImplemented)
	}))
	defer srv.Close()

	c := New(Config{AppID: "app", BaseURL: srv.URL}, nil)
	_, err := c.ShortAnswer(context.Background(), "gibberish")
	assert.True(t, vcerrors.IsNotFound(err))
	assert.Equal(t, int32(1), hits.Load())
}

func TestShortAnswer_NotConfigured(t *testing.T) {
	_, err := New(Config{}, nil).ShortAnswer(context.Background(), "2+2")
	assert.True(t, vcerrors.IsUnavailable(err))
}
