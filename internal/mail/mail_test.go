package mail

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"io"
	"mime"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"net/mail"
	"net/smtp"
	"net/textproto"
	"strings"
	"testing"
	"time"

	"sheetmailer/internal/models"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var testCred = models.SenderCredential{Account: "sender@example.com", Secret: "app-pass"}

type capturedMail struct {
	addr string
	from string
	to   []string
	msg  []byte
}

func newTestSMTP(err error) (*SMTPSender, *capturedMail) {
	captured := &capturedMail{}
	s := NewSMTPSender("smtp.example.com", 587, nil)
	s.now = func() time.Time { return time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC) }
	s.sendMail = func(addr string, a smtp.Auth, from string, to []string, msg []byte) error {
		captured.addr = addr
		captured.from = from
		captured.to = to
		captured.msg = msg
		return err
	}
	return s, captured
}

func parseParts(t *testing.T, raw []byte) (*mail.Message, []*multipart.Part, [][]byte) {
	t.Helper()
	m, err := mail.ReadMessage(strings.NewReader(string(raw)))
	require.NoError(t, err)

	mediaType, params, err := mime.ParseMediaType(m.Header.Get("Content-Type"))
	require.NoError(t, err)
	require.Equal(t, "multipart/mixed", mediaType)

	var parts []*multipart.Part
	var bodies [][]byte
	mr := multipart.NewReader(m.Body, params["boundary"])
	for {
		p, err := mr.NextPart()
		if errors.Is(err, io.EOF) {
			break
		}
		require.NoError(t, err)
		data, err := io.ReadAll(p)
		require.NoError(t, err)
		decoded, err := base64.StdEncoding.DecodeString(strings.ReplaceAll(string(data), "\r\n", ""))
		require.NoError(t, err)
		parts = append(parts, p)
		bodies = append(bodies, decoded)
	}
	return m, parts, bodies
}

func TestSMTPSender_PerRecipient(t *testing.T) {
	s, captured := newTestSMTP(nil)

	err := s.Send(context.Background(), testCred,
		models.Envelope{FromName: "Ann Smith", To: []string{"rcpt@example.com"}},
		models.Message{
			Subject:     "Привет",
			HTML:        "<p>Hello</p>",
			Attachments: []models.Attachment{{Filename: "cert.pdf", Content: []byte("%PDF-1.4"), ContentType: "application/pdf"}},
		})
	require.NoError(t, err)

	assert.Equal(t, "smtp.example.com:587", captured.addr)
	assert.Equal(t, "sender@example.com", captured.from)
	assert.Equal(t, []string{"rcpt@example.com"}, captured.to)

	m, parts, bodies := parseParts(t, captured.msg)
	from, err := mail.ParseAddress(m.Header.Get("From"))
	require.NoError(t, err)
	assert.Equal(t, "Ann Smith", from.Name)
	assert.Equal(t, "sender@example.com", from.Address)
	assert.Equal(t, "rcpt@example.com", m.Header.Get("To"))

	subject, err := new(mime.WordDecoder).DecodeHeader(m.Header.Get("Subject"))
	require.NoError(t, err)
	assert.Equal(t, "Привет", subject)

	require.Len(t, parts, 2)
	assert.Equal(t, "<p>Hello</p>", string(bodies[0]))
	assert.Equal(t, "cert.pdf", parts[1].FileName())
	assert.Equal(t, "%PDF-1.4", string(bodies[1]))
}

func TestSMTPSender_BccNotInHeaders(t *testing.T) {
	s, captured := newTestSMTP(nil)

	err := s.Send(context.Background(),
		models.SenderCredential{Account: "sender@example.com", Secret: "x", Alias: "news@example.com"},
		models.Envelope{Bcc: []string{"alice@bcc.test", "bob@bcc.test"}},
		models.Message{Subject: "s", HTML: "b"})
	require.NoError(t, err)

	assert.Equal(t, []string{"alice@bcc.test", "bob@bcc.test"}, captured.to)
	assert.NotContains(t, string(captured.msg), "bcc.test")

	m, _, _ := parseParts(t, captured.msg)
	assert.Equal(t, "news@example.com", m.Header.Get("From"))
	assert.Empty(t, m.Header.Get("To"))
}

func TestSMTPSender_Errors(t *testing.T) {
	s, _ := newTestSMTP(&textproto.Error{Code: 535, Msg: "auth failed"})
	err := s.Send(context.Background(), testCred, models.Envelope{To: []string{"x@example.com"}}, models.Message{})
	assert.ErrorIs(t, err, models.ErrSend)
	assert.Contains(t, err.Error(), "535")

	s, _ = newTestSMTP(errors.New("dial tcp: refused"))
	err = s.Send(context.Background(), testCred, models.Envelope{To: []string{"x@example.com"}}, models.Message{})
	assert.ErrorIs(t, err, models.ErrSend)

	err = s.Send(context.Background(), testCred, models.Envelope{}, models.Message{})
	assert.ErrorIs(t, err, models.ErrSend)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	err = s.Send(ctx, testCred, models.Envelope{To: []string{"x@example.com"}}, models.Message{})
	assert.ErrorIs(t, err, context.Canceled)
}

func TestWriteBase64WrapsLines(t *testing.T) {
	var sb strings.Builder
	require.NoError(t, writeBase64(&sb, make([]byte, 200)))
	for _, line := range strings.Split(strings.TrimRight(sb.String(), "\r\n"), "\r\n") {
		assert.LessOrEqual(t, len(line), lineLength)
	}
}

func TestResendSender_Send(t *testing.T) {
	var got map[string]interface{}
	mux := http.NewServeMux()
	mux.HandleFunc("/emails", func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "Bearer re_test", r.Header.Get("Authorization"))
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"id":"msg_1"}`))
	})
	server := httptest.NewServer(mux)
	defer server.Close()

	s, err := NewResendSender("re_test", server.URL+"/", nil)
	require.NoError(t, err)

	err = s.Send(context.Background(), testCred,
		models.Envelope{FromName: "News", Bcc: []string{"a@example.com", "b@example.com"}},
		models.Message{Subject: "Hello", HTML: "<p>x</p>"})
	require.NoError(t, err)

	assert.Equal(t, `"News" <sender@example.com>`, got["from"])
	assert.Equal(t, []interface{}{"sender@example.com"}, got["to"])
	assert.Equal(t, []interface{}{"a@example.com", "b@example.com"}, got["bcc"])
	assert.Equal(t, "Hello", got["subject"])
}

func TestResendSender_Failure(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/emails", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusUnprocessableEntity)
		_, _ = w.Write([]byte(`{"statusCode":422,"name":"validation_error","message":"bad from"}`))
	})
	server := httptest.NewServer(mux)
	defer server.Close()

	s, err := NewResendSender("re_test", server.URL+"/", nil)
	require.NoError(t, err)

	err = s.Send(context.Background(), testCred, models.Envelope{To: []string{"x@example.com"}}, models.Message{Subject: "s"})
	assert.ErrorIs(t, err, models.ErrSend)

	err = s.Send(context.Background(), testCred, models.Envelope{}, models.Message{})
	assert.ErrorIs(t, err, models.ErrSend)
}
