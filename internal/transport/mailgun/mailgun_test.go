package mailgun

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mailctl/mailctl/internal/mailerr"
	"github.com/mailctl/mailctl/internal/message"
)

func TestNewValidatesConfig(t *testing.T) {
	_, err := New(Config{})
	require.Error(t, err)

	_, err = New(Config{APIKey: "k", Domain: "example.com", Region: "mars", FromAddress: "a@example.com"})
	require.Error(t, err)

	tags := []string{"a", "b", "c", "d"}
	_, err = New(Config{APIKey: "k", Domain: "example.com", FromAddress: "a@example.com", Tags: tags})
	require.Error(t, err)
}

func TestSendHappyPath(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte(`{"id":"<abc@example.com>","message":"Queued. Thank you."}`))
	}))
	defer srv.Close()

	client, err := New(Config{APIKey: "k", Domain: "example.com", FromAddress: "sender@example.com"})
	require.NoError(t, err)
	client.mg.SetAPIBase(srv.URL)

	msg, err := message.New("to@example.com", "hi", "body", message.ContentTypeText)
	require.NoError(t, err)

	err = client.Send(context.Background(), msg)
	require.NoError(t, err)
}

func TestSendClassifiesAuthFailure(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
		w.Write([]byte(`{"message":"Forbidden"}`))
	}))
	defer srv.Close()

	client, err := New(Config{APIKey: "k", Domain: "example.com", FromAddress: "sender@example.com"})
	require.NoError(t, err)
	client.mg.SetAPIBase(srv.URL)

	msg, err := message.New("to@example.com", "hi", "body", message.ContentTypeText)
	require.NoError(t, err)

	err = client.Send(context.Background(), msg)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "upstream auth failed")
}

func TestSendClassifiesInvalidRequestSeparatelyFromRejection(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
		w.Write([]byte(`{"message":"Missing mandatory parameter"}`))
	}))
	defer srv.Close()

	client, err := New(Config{APIKey: "k", Domain: "example.com", FromAddress: "sender@example.com"})
	require.NoError(t, err)
	client.mg.SetAPIBase(srv.URL)

	msg, err := message.New("to@example.com", "hi", "body", message.ContentTypeText)
	require.NoError(t, err)

	err = client.Send(context.Background(), msg)
	require.Error(t, err)
	assert.ErrorIs(t, err, mailerr.ErrInvalidRequest)
	assert.NotErrorIs(t, err, mailerr.ErrRejected)
}
