package models

// Message is a rendered email body ready for a sender.
type Message struct {
	Subject     string
	HTML        string
	Attachments []Attachment
}

// Envelope carries addressing for one send. Bcc never appears in headers.
type Envelope struct {
	FromName string
	To       []string
	Bcc      []string
}

func (e Envelope) Recipients() []string {
	out := make([]string, 0, len(e.To)+len(e.Bcc))
	out = append(out, e.To...)
	return append(out, e.Bcc...)
}
