package smtp

import (
	"bufio"
	"context"
	"encoding/base64"
	"fmt"
	"net"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mailctl/mailctl/internal/mailerr"
	"github.com/mailctl/mailctl/internal/message"
)

// fakeServer runs a minimal scripted SMTP server for one connection.
func fakeServer(t *testing.T, script func(r *bufio.Reader, w *bufio.Writer)) string {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	go func() {
		conn, err := ln.Accept()
		if err != nil {
			return
		}
		defer conn.Close()
		r := bufio.NewReader(conn)
		w := bufio.NewWriter(conn)
		script(r, w)
	}()

	t.Cleanup(func() { ln.Close() })
	return ln.Addr().String()
}

func writeLine(w *bufio.Writer, line string) {
	w.WriteString(line + "\r\n")
	w.Flush()
}

func readLine(r *bufio.Reader) string {
	line, _ := r.ReadString('\n')
	return strings.TrimRight(line, "\r\n")
}

func TestSendHappyPathNoAuth(t *testing.T) {
	addr := fakeServer(t, func(r *bufio.Reader, w *bufio.Writer) {
		writeLine(w, "220 localhost ready")
		readLine(r) // EHLO
		writeLine(w, "250-localhost")
		writeLine(w, "250 OK")
		readLine(r) // MAIL FROM
		writeLine(w, "250 OK")
		readLine(r) // RCPT TO
		writeLine(w, "250 OK")
		readLine(r) // DATA
		writeLine(w, "354 go ahead")
		for {
			line := readLine(r)
			if line == "." {
				break
			}
		}
		writeLine(w, "250 OK queued")
		readLine(r) // QUIT
		writeLine(w, "221 bye")
	})

	host, port := splitHostPort(t, addr)
	client, err := New(Config{
		Host:           host,
		Port:           port,
		Encryption:     EncryptionNone,
		ConnectTimeout: 2 * time.Second,
		FromAddress:    "sender@example.com",
	})
	require.NoError(t, err)

	msg, err := message.New("to@example.com", "hello", "body", message.ContentTypeText)
	require.NoError(t, err)

	err = client.Send(context.Background(), msg)
	require.NoError(t, err)
}

func TestSendProtocolErrorResetsState(t *testing.T) {
	addr := fakeServer(t, func(r *bufio.Reader, w *bufio.Writer) {
		writeLine(w, "220 localhost ready")
		readLine(r) // EHLO
		writeLine(w, "250 localhost")
		readLine(r) // MAIL FROM
		writeLine(w, "550 no thanks")
	})

	host, port := splitHostPort(t, addr)
	client, err := New(Config{
		Host:           host,
		Port:           port,
		Encryption:     EncryptionNone,
		ConnectTimeout: 2 * time.Second,
		FromAddress:    "sender@example.com",
	})
	require.NoError(t, err)

	msg, err := message.New("to@example.com", "hello", "body", message.ContentTypeText)
	require.NoError(t, err)

	err = client.Send(context.Background(), msg)
	require.Error(t, err)
	var protoErr *mailerr.SmtpProtocolError
	require.ErrorAs(t, err, &protoErr)
}

// TestSendAuthLoginDrivesBothChallenges covers S3: the server replies 334
// (username prompt), 334 (password prompt), then 235. A client that stops
// after the first 334 would never transmit the password.
func TestSendAuthLoginDrivesBothChallenges(t *testing.T) {
	var gotUsername, gotPassword string
	addr := fakeServer(t, func(r *bufio.Reader, w *bufio.Writer) {
		writeLine(w, "220 localhost ready")
		readLine(r) // EHLO
		writeLine(w, "250-localhost")
		writeLine(w, "250 AUTH LOGIN")
		readLine(r) // AUTH LOGIN
		writeLine(w, "334 "+base64.StdEncoding.EncodeToString([]byte("Username:")))
		gotUsername = readLine(r)
		writeLine(w, "334 "+base64.StdEncoding.EncodeToString([]byte("Password:")))
		gotPassword = readLine(r)
		writeLine(w, "235 Authentication successful")
		readLine(r) // MAIL FROM
		writeLine(w, "250 OK")
		readLine(r) // RCPT TO
		writeLine(w, "250 OK")
		readLine(r) // DATA
		writeLine(w, "354 go ahead")
		for {
			line := readLine(r)
			if line == "." {
				break
			}
		}
		writeLine(w, "250 OK queued")
		readLine(r) // QUIT
		writeLine(w, "221 bye")
	})

	host, port := splitHostPort(t, addr)
	client, err := New(Config{
		Host:           host,
		Port:           port,
		Encryption:     EncryptionNone,
		ConnectTimeout: 2 * time.Second,
		FromAddress:    "sender@example.com",
		Username:       "user",
		Password:       "pass",
	})
	require.NoError(t, err)

	msg, err := message.New("to@example.com", "hello", "body", message.ContentTypeText)
	require.NoError(t, err)

	err = client.Send(context.Background(), msg)
	require.NoError(t, err)

	decodedUser, err := base64.StdEncoding.DecodeString(gotUsername)
	require.NoError(t, err)
	assert.Equal(t, "user", string(decodedUser))

	decodedPass, err := base64.StdEncoding.DecodeString(gotPassword)
	require.NoError(t, err)
	assert.Equal(t, "pass", string(decodedPass))
}

func splitHostPort(t *testing.T, addr string) (string, int) {
	t.Helper()
	host, portStr, err := net.SplitHostPort(addr)
	require.NoError(t, err)
	var port int
	_, err = fmt.Sscanf(portStr, "%d", &port)
	require.NoError(t, err)
	return host, port
}
