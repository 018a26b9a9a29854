package models

import (
	"fmt"
	"time"
)

// DispatchMode selects how recipients are grouped into messages.
type DispatchMode string

const (
	ModePerRecipient DispatchMode = "per_recipient"
	ModeAggregated   DispatchMode = "aggregated"
)

// Template formats.
const (
	FormatHTML     = "html"
	FormatMarkdown = "markdown"
)

// SourceRef points at one tab of a spreadsheet.
type SourceRef struct {
	SpreadsheetID string `json:"spreadsheet_id"`
	SheetName     string `json:"sheet_name"`
}

func (r SourceRef) String() string {
	return r.SpreadsheetID + "/" + r.SheetName
}

// SenderCredential is a mail account allowed to send on behalf of a task.
type SenderCredential struct {
	Account string `json:"account"`
	Secret  string `json:"secret"`
	Alias   string `json:"alias,omitempty"`
}

// String never includes the secret.
func (c SenderCredential) String() string {
	if c.Alias != "" {
		return c.Account + " (as " + c.Alias + ")"
	}
	return c.Account
}

// FromAddress is the address shown in the From header.
func (c SenderCredential) FromAddress() string {
	if c.Alias != "" {
		return c.Alias
	}
	return c.Account
}

// RangeBinding assigns an inclusive range of row positions to one sender.
type RangeBinding struct {
	Lower  int              `json:"lower"`
	Upper  int              `json:"upper"`
	Sender SenderCredential `json:"sender"`
}

func (b RangeBinding) Contains(pos int) bool {
	return pos >= b.Lower && pos <= b.Upper
}

func (b RangeBinding) String() string {
	return fmt.Sprintf("[%d,%d]", b.Lower, b.Upper)
}

// Window is the inclusive slice of row positions a task covers.
type Window struct {
	Lower int `json:"lower"`
	Upper int `json:"upper"`
}

// Template is the message blueprint rendered for every row.
// Placeholder, when set, is replaced once by the value of PlaceholderColumn.
type Template struct {
	Subject           string `json:"subject"`
	Body              string `json:"body"`
	Format            string `json:"format,omitempty"`
	Placeholder       string `json:"placeholder,omitempty"`
	PlaceholderColumn int    `json:"placeholder_column,omitempty"`
}

// Attachment content is base64 in JSON.
type Attachment struct {
	Filename    string `json:"filename"`
	Content     []byte `json:"content"`
	ContentType string `json:"content_type,omitempty"`
}

// ScheduledTask is a persisted request to send one batch at TriggerAt.
type ScheduledTask struct {
	ID          string            `json:"id"`
	Source      SourceRef         `json:"source"`
	Sender      *SenderCredential `json:"sender,omitempty"`
	Bindings    []RangeBinding    `json:"bindings,omitempty"`
	Template    Template          `json:"template"`
	Attachments []Attachment      `json:"attachments,omitempty"`
	Window      Window            `json:"window"`
	Mode        DispatchMode      `json:"mode"`
	PrimaryTo   string            `json:"primary_to,omitempty"`
	FromName    string            `json:"from_name,omitempty"`
	TriggerAt   time.Time         `json:"trigger_at"`
	CronExpr    string            `json:"cron_expr"`
	Attempts    int               `json:"attempts"`
	CreatedAt   time.Time         `json:"created_at"`
}

// Clone returns a deep copy: sender, bindings and attachment bytes are not
// shared with t.
func (t *ScheduledTask) Clone() *ScheduledTask {
	c := *t
	if t.Sender != nil {
		sender := *t.Sender
		c.Sender = &sender
	}
	if t.Bindings != nil {
		c.Bindings = append([]RangeBinding(nil), t.Bindings...)
	}
	if t.Attachments != nil {
		c.Attachments = make([]Attachment, len(t.Attachments))
		for i, a := range t.Attachments {
			a.Content = append([]byte(nil), a.Content...)
			c.Attachments[i] = a
		}
	}
	return &c
}

// UsesRegistry reports whether bindings are resolved from the sender registry
// at dispatch time.
func (t *ScheduledTask) UsesRegistry() bool {
	return t.Sender == nil && len(t.Bindings) == 0
}

// ResolveBindings returns the bindings carried by the task itself.
// A single sender covers the whole window.
func (t *ScheduledTask) ResolveBindings() []RangeBinding {
	if t.Sender != nil {
		return []RangeBinding{{Lower: t.Window.Lower, Upper: t.Window.Upper, Sender: *t.Sender}}
	}
	out := make([]RangeBinding, len(t.Bindings))
	copy(out, t.Bindings)
	return out
}

func (t *ScheduledTask) Summary(index int) TaskSummary {
	s := TaskSummary{
		ID:        t.ID,
		Index:     index,
		Subject:   t.Template.Subject,
		TriggerAt: t.TriggerAt,
		FromName:  t.FromName,
		Mode:      t.Mode,
	}
	if t.Sender != nil {
		s.Sender = t.Sender.FromAddress()
	}
	return s
}

// TaskSummary is the listing view of a task; Index is display order only.
type TaskSummary struct {
	ID        string       `json:"id"`
	Index     int          `json:"index"`
	Subject   string       `json:"subject"`
	TriggerAt time.Time    `json:"trigger_time"`
	FromName  string       `json:"from_name,omitempty"`
	Sender    string       `json:"sender,omitempty"`
	Mode      DispatchMode `json:"mode"`
}

// CronExpr renders t as a seconds-first cron expression in UTC:
// "sec min hour day month *".
func CronExpr(t time.Time) string {
	t = t.UTC()
	return fmt.Sprintf("%d %d %d %d %d *", t.Second(), t.Minute(), t.Hour(), t.Day(), int(t.Month()))
}
