package transport

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mailctl/mailctl/internal/mailerr"
	"github.com/mailctl/mailctl/internal/transport/null"
	"github.com/mailctl/mailctl/internal/transport/sendmail"
	"github.com/mailctl/mailctl/internal/transport/smtp"
)

func TestBuildDispatchesOnDriver(t *testing.T) {
	tr, err := Build(Config{Driver: "null", Null: null.Config{FromAddress: "a@example.com"}})
	require.NoError(t, err)
	assert.Equal(t, "null", tr.Name())

	tr, err = Build(Config{Driver: "smtp", SMTP: smtp.Config{Host: "localhost", FromAddress: "a@example.com"}})
	require.NoError(t, err)
	assert.Equal(t, "smtp", tr.Name())

	tr, err = Build(Config{Driver: "sendmail", Sendmail: sendmail.Config{FromAddress: "a@example.com"}})
	require.NoError(t, err)
	assert.Equal(t, "sendmail", tr.Name())
}

func TestBuildRejectsUnknownDriver(t *testing.T) {
	_, err := Build(Config{Driver: "carrier-pigeon"})
	assert.ErrorIs(t, err, mailerr.ErrConfig)
}
