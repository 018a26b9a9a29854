package api

import (
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"sheetmailer/internal/google"
	"sheetmailer/internal/models"
	"sheetmailer/internal/service"
)

type scheduleResponse struct {
	ID          string    `json:"id"`
	TriggerTime time.Time `json:"trigger_time"`
	Cron        string    `json:"cron"`
}

// taskView is a stored task without credentials or attachment bodies.
type taskView struct {
	ID          string              `json:"id"`
	Source      models.SourceRef    `json:"source"`
	Template    models.Template     `json:"template"`
	Attachments []attachmentView    `json:"attachments,omitempty"`
	Sender      string              `json:"sender,omitempty"`
	Bindings    []bindingView       `json:"bindings,omitempty"`
	Registry    bool                `json:"registry"`
	Window      models.Window       `json:"window"`
	Mode        models.DispatchMode `json:"mode"`
	PrimaryTo   string              `json:"primary_to,omitempty"`
	FromName    string              `json:"from_name,omitempty"`
	TriggerTime time.Time           `json:"trigger_time"`
	Cron        string              `json:"cron"`
	Attempts    int                 `json:"attempts"`
	CreatedAt   time.Time           `json:"created_at"`
}

type attachmentView struct {
	Filename    string `json:"filename"`
	ContentType string `json:"content_type,omitempty"`
	Size        int    `json:"size"`
}

type bindingView struct {
	Lower  int    `json:"lower"`
	Upper  int    `json:"upper"`
	Sender string `json:"sender"`
}

func newTaskView(t *models.ScheduledTask) taskView {
	v := taskView{
		ID:          t.ID,
		Source:      t.Source,
		Template:    t.Template,
		Registry:    t.UsesRegistry(),
		Window:      t.Window,
		Mode:        t.Mode,
		PrimaryTo:   t.PrimaryTo,
		FromName:    t.FromName,
		TriggerTime: t.TriggerAt,
		Cron:        t.CronExpr,
		Attempts:    t.Attempts,
		CreatedAt:   t.CreatedAt,
	}
	if t.Sender != nil {
		v.Sender = t.Sender.Account
	}
	for _, b := range t.Bindings {
		v.Bindings = append(v.Bindings, bindingView{Lower: b.Lower, Upper: b.Upper, Sender: b.Sender.Account})
	}
	for _, a := range t.Attachments {
		v.Attachments = append(v.Attachments, attachmentView{
			Filename:    a.Filename,
			ContentType: a.ContentType,
			Size:        len(a.Content),
		})
	}
	return v
}

func (s *HTTPServer) handleScheduleTask(w http.ResponseWriter, r *http.Request) {
	var req service.ScheduleRequest
	if !s.decodeJSON(w, r, &req) {
		return
	}

	task, err := s.deps.Tasks.Schedule(r.Context(), &req)
	if err != nil {
		s.writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, scheduleResponse{
		ID:          task.ID,
		TriggerTime: task.TriggerAt,
		Cron:        task.CronExpr,
	})
}

func (s *HTTPServer) handleListTasks(w http.ResponseWriter, r *http.Request) {
	tasks, err := s.deps.Tasks.List(r.Context())
	if err != nil {
		s.writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"tasks": tasks})
}

func (s *HTTPServer) handleGetTask(w http.ResponseWriter, r *http.Request) {
	task, err := s.deps.Tasks.Get(r.Context(), r.PathValue("id"))
	if err != nil {
		s.writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, newTaskView(task))
}

func (s *HTTPServer) handleCancelTask(w http.ResponseWriter, r *http.Request) {
	if err := s.deps.Tasks.Cancel(r.Context(), r.PathValue("id")); err != nil {
		s.writeServiceError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *HTTPServer) handleSweep(w http.ResponseWriter, r *http.Request) {
	reports, err := s.deps.Tasks.Sweep(r.Context())
	if err != nil {
		s.writeServiceError(w, err)
		return
	}
	if reports == nil {
		reports = []*models.DispatchReport{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"dispatched": len(reports), "reports": reports})
}

func (s *HTTPServer) handleSendNow(w http.ResponseWriter, r *http.Request) {
	var req service.ScheduleRequest
	if !s.decodeJSON(w, r, &req) {
		return
	}

	id, err := s.deps.Tasks.SendNow(r.Context(), &req)
	if err != nil {
		s.writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"id": id})
}

func (s *HTTPServer) handleReports(w http.ResponseWriter, r *http.Request) {
	limit := models.DefaultListLimit
	if raw := strings.TrimSpace(r.URL.Query().Get("limit")); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			writeError(w, http.StatusBadRequest, "limit must be a positive integer")
			return
		}
		limit = n
	}

	reports, err := s.deps.Tasks.Reports(r.Context(), limit)
	if err != nil {
		s.writeServiceError(w, err)
		return
	}
	if reports == nil {
		reports = []*models.DispatchReport{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"reports": reports})
}

type senderRequest struct {
	Owner   string           `json:"owner"`
	Account string           `json:"account"`
	Secret  string           `json:"secret"`
	Alias   string           `json:"alias"`
	Source  models.SourceRef `json:"source"`
	Lower   int              `json:"lower"`
	Upper   int              `json:"upper"`
}

func (req senderRequest) account(id string) *models.SenderAccount {
	return &models.SenderAccount{
		ID:    id,
		Owner: req.Owner,
		Credential: models.SenderCredential{
			Account: req.Account,
			Secret:  req.Secret,
			Alias:   req.Alias,
		},
		Source: req.Source,
		Lower:  req.Lower,
		Upper:  req.Upper,
	}
}

type senderView struct {
	ID        string           `json:"id"`
	Owner     string           `json:"owner"`
	Account   string           `json:"account"`
	Alias     string           `json:"alias,omitempty"`
	Source    models.SourceRef `json:"source"`
	Lower     int              `json:"lower"`
	Upper     int              `json:"upper"`
	CreatedAt time.Time        `json:"created_at"`
	UpdatedAt time.Time        `json:"updated_at"`
}

func newSenderView(a *models.SenderAccount) senderView {
	return senderView{
		ID:        a.ID,
		Owner:     a.Owner,
		Account:   a.Credential.Account,
		Alias:     a.Credential.Alias,
		Source:    a.Source,
		Lower:     a.Lower,
		Upper:     a.Upper,
		CreatedAt: a.CreatedAt,
		UpdatedAt: a.UpdatedAt,
	}
}

// ownerFor defaults the owner to the authenticated client's name.
func ownerFor(r *http.Request, owner string) string {
	if owner != "" {
		return owner
	}
	if client, ok := ClientFromContext(r.Context()); ok {
		return client.Name
	}
	return ""
}

func (s *HTTPServer) handleCreateSender(w http.ResponseWriter, r *http.Request) {
	var req senderRequest
	if !s.decodeJSON(w, r, &req) {
		return
	}
	req.Owner = ownerFor(r, req.Owner)

	acc := req.account("")
	if err := s.deps.Senders.Create(r.Context(), acc); err != nil {
		s.writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, newSenderView(acc))
}

func (s *HTTPServer) handleListSenders(w http.ResponseWriter, r *http.Request) {
	accounts, err := s.deps.Senders.List(r.Context(), strings.TrimSpace(r.URL.Query().Get("owner")))
	if err != nil {
		s.writeServiceError(w, err)
		return
	}
	views := make([]senderView, 0, len(accounts))
	for _, a := range accounts {
		views = append(views, newSenderView(a))
	}
	writeJSON(w, http.StatusOK, map[string]any{"senders": views})
}

func (s *HTTPServer) handleGetSender(w http.ResponseWriter, r *http.Request) {
	acc, err := s.deps.Senders.Get(r.Context(), r.PathValue("id"))
	if err != nil {
		s.writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, newSenderView(acc))
}

func (s *HTTPServer) handleUpdateSender(w http.ResponseWriter, r *http.Request) {
	var req senderRequest
	if !s.decodeJSON(w, r, &req) {
		return
	}
	req.Owner = ownerFor(r, req.Owner)

	acc := req.account(r.PathValue("id"))
	if err := s.deps.Senders.Update(r.Context(), acc); err != nil {
		s.writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, newSenderView(acc))
}

func (s *HTTPServer) handleDeleteSender(w http.ResponseWriter, r *http.Request) {
	if err := s.deps.Senders.Delete(r.Context(), r.PathValue("id")); err != nil {
		s.writeServiceError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *HTTPServer) handleSheetNames(w http.ResponseWriter, r *http.Request) {
	if s.deps.Sheets == nil {
		writeError(w, http.StatusServiceUnavailable, "google sheets is not configured")
		return
	}

	var body struct {
		SpreadsheetID string `json:"spreadsheet_id"`
	}
	if !s.decodeJSON(w, r, &body) {
		return
	}
	id := strings.TrimSpace(body.SpreadsheetID)
	if id == "" {
		writeError(w, http.StatusBadRequest, "spreadsheet_id is required")
		return
	}

	names, err := s.deps.Sheets.SheetNames(r.Context(), id)
	if err != nil {
		var accessErr *google.AccessError
		if errors.As(err, &accessErr) && accessErr.Denied() {
			resp := map[string]string{"error": "access to the spreadsheet was denied"}
			if s.deps.ShareWith != "" {
				resp["share_with"] = s.deps.ShareWith
			}
			writeJSON(w, http.StatusForbidden, resp)
			return
		}
		s.writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"sheet_names": names})
}
