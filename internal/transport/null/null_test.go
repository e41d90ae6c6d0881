package null

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mailctl/mailctl/internal/message"
)

func TestSendAlwaysSucceeds(t *testing.T) {
	s := New(Config{FromAddress: "sender@example.com"})
	assert.Equal(t, "null", s.Name())

	msg, err := message.New("to@example.com", "hi", "body", message.ContentTypeText)
	require.NoError(t, err)

	require.NoError(t, s.Send(context.Background(), msg))
}
