package mail

import (
	"bytes"
	"encoding/base64"
	"fmt"
	"io"
	"mime"
	"mime/multipart"
	"net/mail"
	"net/textproto"
	"strings"
	"time"

	"sheetmailer/internal/models"

	"github.com/google/uuid"
)

const lineLength = 76

// fromHeader renders `"Name" <addr>` or the bare address.
func fromHeader(cred models.SenderCredential, name string) string {
	addr := mail.Address{Name: name, Address: cred.FromAddress()}
	if name == "" {
		return addr.Address
	}
	return addr.String()
}

// buildMessage writes a multipart/mixed message. Bcc recipients are never
// written to the headers.
func buildMessage(cred models.SenderCredential, env models.Envelope, msg models.Message, now time.Time) ([]byte, error) {
	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)

	domain := "localhost"
	if at := strings.LastIndex(cred.Account, "@"); at >= 0 {
		domain = cred.Account[at+1:]
	}

	headers := []struct{ key, value string }{
		{"From", fromHeader(cred, env.FromName)},
		{"To", strings.Join(env.To, ", ")},
		{"Subject", mime.QEncoding.Encode("utf-8", msg.Subject)},
		{"Date", now.Format(time.RFC1123Z)},
		{"Message-ID", fmt.Sprintf("<%s@%s>", uuid.NewString(), domain)},
		{"MIME-Version", "1.0"},
		{"Content-Type", fmt.Sprintf("multipart/mixed; boundary=%q", mw.Boundary())},
	}
	var head bytes.Buffer
	for _, h := range headers {
		if h.value == "" {
			continue
		}
		fmt.Fprintf(&head, "%s: %s\r\n", h.key, h.value)
	}
	head.WriteString("\r\n")

	part, err := mw.CreatePart(textproto.MIMEHeader{
		"Content-Type":              {"text/html; charset=UTF-8"},
		"Content-Transfer-Encoding": {"base64"},
	})
	if err != nil {
		return nil, err
	}
	if err := writeBase64(part, []byte(msg.HTML)); err != nil {
		return nil, err
	}

	for _, a := range msg.Attachments {
		contentType := mime.FormatMediaType(a.ContentType, map[string]string{"name": a.Filename})
		if contentType == "" {
			contentType = mime.FormatMediaType("application/octet-stream", map[string]string{"name": a.Filename})
		}
		part, err := mw.CreatePart(textproto.MIMEHeader{
			"Content-Type":              {contentType},
			"Content-Disposition":       {mime.FormatMediaType("attachment", map[string]string{"filename": a.Filename})},
			"Content-Transfer-Encoding": {"base64"},
		})
		if err != nil {
			return nil, err
		}
		if err := writeBase64(part, a.Content); err != nil {
			return nil, err
		}
	}

	if err := mw.Close(); err != nil {
		return nil, err
	}

	return append(head.Bytes(), buf.Bytes()...), nil
}

func writeBase64(w io.Writer, data []byte) error {
	encoded := base64.StdEncoding.EncodeToString(data)
	for len(encoded) > lineLength {
		if _, err := io.WriteString(w, encoded[:lineLength]+"\r\n"); err != nil {
			return err
		}
		encoded = encoded[lineLength:]
	}
	_, err := io.WriteString(w, encoded+"\r\n")
	return err
}
