// Package dispatch sends one scheduled task: it reads the rows, maps each
// row to its sender and hands rendered messages to the mail sender.
package dispatch

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"sheetmailer/internal/domain"
	"sheetmailer/internal/metrics"
	"sheetmailer/internal/models"
	"sheetmailer/internal/ranges"
	"sheetmailer/internal/render"

	"github.com/rs/zerolog"
)

const (
	SkipMissingData = "missing_data"
	SkipUnassigned  = "unassigned"
)

type Dispatcher struct {
	rows            domain.RowSource
	resolver        domain.BindingResolver
	renderer        *render.Renderer
	mailer          domain.MailSender
	pacer           Pacer
	recipientColumn int
	now             func() time.Time
	logger          *zerolog.Logger
}

type Option func(*Dispatcher)

func WithResolver(r domain.BindingResolver) Option {
	return func(d *Dispatcher) { d.resolver = r }
}

func WithPacer(p Pacer) Option {
	return func(d *Dispatcher) { d.pacer = p }
}

func WithRecipientColumn(col int) Option {
	return func(d *Dispatcher) { d.recipientColumn = col }
}

func WithLogger(l *zerolog.Logger) Option {
	return func(d *Dispatcher) { d.logger = l }
}

func WithClock(now func() time.Time) Option {
	return func(d *Dispatcher) { d.now = now }
}

func New(rows domain.RowSource, renderer *render.Renderer, mailer domain.MailSender, opts ...Option) *Dispatcher {
	nop := zerolog.Nop()
	d := &Dispatcher{
		rows:            rows,
		renderer:        renderer,
		mailer:          mailer,
		pacer:           FixedDelay(models.DefaultSendDelay),
		recipientColumn: models.DefaultRecipientColumn,
		now:             time.Now,
		logger:          &nop,
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// Window clamps the task window to the data rows actually present.
// Both bounds are inclusive; ok is false when nothing is left.
func Window(w models.Window, rowCount int) (start, end int, ok bool) {
	start = w.Lower
	if start < models.HeaderRows {
		start = models.HeaderRows
	}
	end = w.Upper
	if end > rowCount-1 {
		end = rowCount - 1
	}
	return start, end, start <= end
}

// Dispatch runs the task once. Row-level send failures land in the report;
// an error is returned only when the batch could not run or was cancelled.
func (d *Dispatcher) Dispatch(ctx context.Context, task *models.ScheduledTask) (*models.DispatchReport, error) {
	mode := task.Mode
	if mode == "" {
		mode = models.ModePerRecipient
	}
	report := &models.DispatchReport{
		TaskID:    task.ID,
		Subject:   task.Template.Subject,
		Mode:      mode,
		Failed:    []models.RowFailure{},
		StartedAt: d.now(),
	}
	logger := d.logger.With().Str("task_id", task.ID).Str("mode", string(mode)).Logger()

	finish := func(err error) (*models.DispatchReport, error) {
		report.FinishedAt = d.now()
		if err != nil {
			report.Error = err.Error()
		}
		return report, err
	}

	rows, err := d.rows.FetchRows(ctx, task.Source)
	if err != nil {
		return finish(err)
	}
	if len(rows) < models.HeaderRows+1 {
		logger.Info().Int("rows", len(rows)).Msg("sheet has no data rows")
		return finish(nil)
	}

	start, end, ok := Window(task.Window, len(rows))
	if !ok {
		logger.Info().Int("rows", len(rows)).Msg("window is empty")
		return finish(nil)
	}
	report.TotalRows = end - start + 1

	rangeMap, err := d.rangeMap(ctx, task)
	if err != nil {
		return finish(err)
	}

	tmpl, err := d.renderer.Prepare(task.Template)
	if err != nil {
		return finish(fmt.Errorf("%w: %v", models.ErrValidation, err))
	}

	logger.Info().
		Int("start", start).
		Int("end", end).
		Int("senders", rangeMap.Len()).
		Msg("dispatch started")

	switch mode {
	case models.ModeAggregated:
		err = d.aggregated(ctx, task, tmpl, rows, start, end, rangeMap, report)
	default:
		err = d.perRecipient(ctx, task, tmpl, rows, start, end, rangeMap, report)
	}

	metrics.AddSent(string(mode), report.Sent)

	logger.Info().
		Int("sent", report.Sent).
		Int("messages", report.Messages).
		Int("skipped", report.Skipped()).
		Int("failed", len(report.Failed)).
		Msg("dispatch finished")

	return finish(err)
}

func (d *Dispatcher) rangeMap(ctx context.Context, task *models.ScheduledTask) (*ranges.Map, error) {
	bindings := task.ResolveBindings()
	if task.UsesRegistry() {
		if d.resolver == nil {
			return nil, errors.New("no sender registry configured")
		}
		var err error
		bindings, err = d.resolver.ResolveBindings(ctx, task.Source)
		if err != nil {
			return nil, fmt.Errorf("resolve senders: %w", err)
		}
	}
	return ranges.New(bindings)
}

func (d *Dispatcher) perRecipient(
	ctx context.Context,
	task *models.ScheduledTask,
	tmpl models.Template,
	rows [][]string,
	start, end int,
	rangeMap *ranges.Map,
	report *models.DispatchReport,
) error {
	sent := false
	for i := start; i <= end; i++ {
		if err := ctx.Err(); err != nil {
			return err
		}

		recipient, sender, ok := d.resolveRow(rows[i], i, rangeMap, report)
		if !ok {
			continue
		}

		if sent {
			if err := d.pacer.Wait(ctx); err != nil {
				return err
			}
		}
		sent = true

		msg, err := d.renderer.Render(tmpl, substitutions(tmpl, rows[i]), task.Attachments)
		if err != nil {
			d.recordFailure(report, i, recipient, err)
			continue
		}

		env := models.Envelope{FromName: task.FromName, To: []string{recipient}}
		if err := d.mailer.Send(ctx, sender, env, msg); err != nil {
			d.recordFailure(report, i, recipient, err)
			continue
		}
		report.Sent++
		report.Messages++
	}
	return nil
}

type group struct {
	sender     models.SenderCredential
	rows       []int
	recipients []string
}

func (d *Dispatcher) aggregated(
	ctx context.Context,
	task *models.ScheduledTask,
	tmpl models.Template,
	rows [][]string,
	start, end int,
	rangeMap *ranges.Map,
	report *models.DispatchReport,
) error {
	// Группа: подряд идущие строки одного отправителя. Пропущенные строки
	// группу не разрывают.
	var groups []*group
	var current *group
	for i := start; i <= end; i++ {
		recipient, sender, ok := d.resolveRow(rows[i], i, rangeMap, report)
		if !ok {
			continue
		}
		if current == nil || current.sender != sender {
			current = &group{sender: sender}
			groups = append(groups, current)
		}
		current.rows = append(current.rows, i)
		current.recipients = append(current.recipients, recipient)
	}

	for n, g := range groups {
		if err := ctx.Err(); err != nil {
			return err
		}
		if n > 0 {
			if err := d.pacer.Wait(ctx); err != nil {
				return err
			}
		}

		msg, err := d.renderer.Render(tmpl, nil, task.Attachments)
		if err == nil {
			env := models.Envelope{FromName: task.FromName, Bcc: g.recipients}
			if task.PrimaryTo != "" {
				env.To = []string{task.PrimaryTo}
			}
			err = d.mailer.Send(ctx, g.sender, env, msg)
		}
		if err != nil {
			for k, row := range g.rows {
				d.recordFailure(report, row, g.recipients[k], err)
			}
			continue
		}
		report.Sent += len(g.recipients)
		report.Messages++
	}
	return nil
}

// resolveRow applies the skip rules shared by both modes.
func (d *Dispatcher) resolveRow(row []string, pos int, rangeMap *ranges.Map, report *models.DispatchReport) (string, models.SenderCredential, bool) {
	recipient := cell(row, d.recipientColumn)
	if recipient == "" {
		report.SkippedMissingData++
		metrics.IncSkipped(SkipMissingData)
		return "", models.SenderCredential{}, false
	}
	sender, ok := rangeMap.BindingFor(pos)
	if !ok {
		report.SkippedUnassigned++
		metrics.IncSkipped(SkipUnassigned)
		return "", models.SenderCredential{}, false
	}
	return recipient, sender, true
}

func (d *Dispatcher) recordFailure(report *models.DispatchReport, row int, recipient string, err error) {
	report.Failed = append(report.Failed, models.RowFailure{Row: row, Recipient: recipient, Reason: err.Error()})
	metrics.IncSendFailure()
	d.logger.Warn().Err(err).Int("row", row).Str("recipient", recipient).Msg("send failed")
}

func substitutions(tmpl models.Template, row []string) map[string]string {
	if tmpl.Placeholder == "" {
		return nil
	}
	return map[string]string{tmpl.Placeholder: cell(row, tmpl.PlaceholderColumn)}
}

func cell(row []string, col int) string {
	if col < 0 || col >= len(row) {
		return ""
	}
	return strings.TrimSpace(row[col])
}
