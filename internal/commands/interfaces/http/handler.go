package http

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/vcsantana/rastreio-new-trac-sub000/internal/audit"
	"github.com/vcsantana/rastreio-new-trac-sub000/internal/auth"
	commandsapp "github.com/vcsantana/rastreio-new-trac-sub000/internal/commands/application"
	commands "github.com/vcsantana/rastreio-new-trac-sub000/internal/commands/domain"
	devices "github.com/vcsantana/rastreio-new-trac-sub000/internal/devices/domain"
)

// Handler provides command HTTP endpoints.
type Handler struct {
	service     *commandsapp.Service
	auditLogger audit.Logger
}

// NewHandler constructs a handler. The audit logger may be nil.
func NewHandler(service *commandsapp.Service, auditLogger audit.Logger) (*Handler, error) {
	if service == nil {
		return nil, errors.New("commands handler: nil service")
	}
	return &Handler{service: service, auditLogger: auditLogger}, nil
}

// Register mounts the command routes on the mux.
func (h *Handler) Register(mux *http.ServeMux) {
	mux.HandleFunc("/api/v1/commands", h.handleCollection)
	mux.HandleFunc("/api/v1/commands/queue", h.handleQueue)
	mux.HandleFunc("/api/v1/commands/", h.handleItem)
}

func (h *Handler) handleCollection(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodPost:
		h.handleIssue(w, r)
	case http.MethodGet:
		h.handleList(w, r)
	default:
		w.WriteHeader(http.StatusMethodNotAllowed)
	}
}

func (h *Handler) handleIssue(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(r.Body)
	if err != nil {
		http.Error(w, "read body error", http.StatusBadRequest)
		return
	}
	defer r.Body.Close()

	var req commandsapp.IssueRequest
	if err := json.Unmarshal(body, &req); err != nil {
		http.Error(w, "invalid json", http.StatusBadRequest)
		return
	}
	if req.UserID == "" {
		req.UserID = auth.UserIDFromContext(r.Context())
	}

	cmd, err := h.service.IssueCommand(r.Context(), req)
	if err != nil {
		if errors.Is(err, devices.ErrNotFound) {
			http.Error(w, "device not found", http.StatusNotFound)
			return
		}
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusCreated)
	_ = json.NewEncoder(w).Encode(toView(cmd))

	h.logAudit(r, "command.issue", cmd)
}

func (h *Handler) handleList(w http.ResponseWriter, r *http.Request) {
	filter := commands.Filter{}
	query := r.URL.Query()
	if value := query.Get("device_id"); value != "" {
		deviceID, err := strconv.ParseInt(value, 10, 64)
		if err != nil {
			http.Error(w, "device_id must be numeric", http.StatusBadRequest)
			return
		}
		filter.DeviceID = deviceID
	}
	if value := query.Get("status"); value != "" {
		filter.Status = commands.Status(value)
	}
	if value := query.Get("from"); value != "" {
		from, err := time.Parse(time.RFC3339, value)
		if err != nil {
			http.Error(w, "from must be RFC3339", http.StatusBadRequest)
			return
		}
		filter.From = from
	}
	if value := query.Get("to"); value != "" {
		to, err := time.Parse(time.RFC3339, value)
		if err != nil {
			http.Error(w, "to must be RFC3339", http.StatusBadRequest)
			return
		}
		filter.To = to
	}
	if value := query.Get("limit"); value != "" {
		limit, err := strconv.Atoi(value)
		if err != nil || limit < 0 {
			http.Error(w, "limit must be a positive integer", http.StatusBadRequest)
			return
		}
		filter.Limit = limit
	}

	list, err := h.service.ListCommands(r.Context(), filter)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	views := make([]commandView, 0, len(list))
	for i := range list {
		views = append(views, toView(&list[i]))
	}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(views)
}

func (h *Handler) handleQueue(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	var deviceID int64
	if value := r.URL.Query().Get("device_id"); value != "" {
		parsed, err := strconv.ParseInt(value, 10, 64)
		if err != nil {
			http.Error(w, "device_id must be numeric", http.StatusBadRequest)
			return
		}
		deviceID = parsed
	}
	entries := h.service.QueueSnapshot(deviceID)
	views := make([]queueEntryView, 0, len(entries))
	for _, entry := range entries {
		views = append(views, queueEntryView{
			CommandID:     entry.CommandID,
			DeviceID:      entry.DeviceID,
			Priority:      entry.Priority.String(),
			ScheduledAt:   entry.ScheduledAt,
			Attempts:      entry.Attempts,
			NextAttemptAt: entry.NextAttemptAt,
		})
	}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(views)
}

func (h *Handler) handleItem(w http.ResponseWriter, r *http.Request) {
	rest := strings.TrimPrefix(r.URL.Path, "/api/v1/commands/")
	switch {
	case strings.HasSuffix(rest, "/cancel") && r.Method == http.MethodPost:
		h.handleCancel(w, r, strings.TrimSuffix(rest, "/cancel"))
	case strings.HasSuffix(rest, "/retry") && r.Method == http.MethodPost:
		h.handleRetry(w, r, strings.TrimSuffix(rest, "/retry"))
	case !strings.Contains(rest, "/") && r.Method == http.MethodGet:
		h.handleGet(w, r, rest)
	default:
		w.WriteHeader(http.StatusMethodNotAllowed)
	}
}

func (h *Handler) handleGet(w http.ResponseWriter, r *http.Request, id string) {
	cmd, err := h.service.GetCommand(r.Context(), id)
	if err != nil {
		respondCommandError(w, err)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(toView(cmd))
}

func (h *Handler) handleCancel(w http.ResponseWriter, r *http.Request, id string) {
	cmd, err := h.service.CancelCommand(r.Context(), id)
	if err != nil {
		respondCommandError(w, err)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(toView(cmd))

	h.logAudit(r, "command.cancel", cmd)
}

func (h *Handler) handleRetry(w http.ResponseWriter, r *http.Request, id string) {
	cmd, err := h.service.RetryCommand(r.Context(), id)
	if err != nil {
		respondCommandError(w, err)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(toView(cmd))

	h.logAudit(r, "command.retry", cmd)
}

func (h *Handler) logAudit(r *http.Request, action string, cmd *commands.Command) {
	if h.auditLogger == nil {
		return
	}
	metadata, _ := json.Marshal(map[string]string{
		"type":     string(cmd.Type),
		"priority": cmd.Priority.String(),
		"status":   string(cmd.Status),
	})
	entry := audit.Entry{
		Actor:        auth.UserIDFromContext(r.Context()),
		Role:         string(auth.RoleFromContext(r.Context())),
		Action:       action,
		ResourceType: "command",
		ResourceID:   cmd.ID,
		DeviceID:     cmd.DeviceID,
		Metadata:     metadata,
		IP:           r.RemoteAddr,
		UserAgent:    r.UserAgent(),
	}
	_ = h.auditLogger.Log(r.Context(), entry)
}

func respondCommandError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, commands.ErrNotFound):
		http.Error(w, "command not found", http.StatusNotFound)
	case errors.Is(err, commands.ErrNotCancellable), errors.Is(err, commands.ErrNotRetryable):
		http.Error(w, err.Error(), http.StatusConflict)
	default:
		http.Error(w, err.Error(), http.StatusInternalServerError)
	}
}

type commandView struct {
	ID           string            `json:"id"`
	DeviceID     int64             `json:"device_id"`
	UserID       string            `json:"user_id,omitempty"`
	Type         string            `json:"type"`
	Priority     string            `json:"priority"`
	Status       string            `json:"status"`
	Parameters   map[string]string `json:"parameters,omitempty"`
	RawCommand   string            `json:"raw_command,omitempty"`
	RetryCount   int               `json:"retry_count"`
	MaxRetries   int               `json:"max_retries"`
	ExpiresAt    *time.Time        `json:"expires_at,omitempty"`
	CreatedAt    time.Time         `json:"created_at"`
	SentAt       *time.Time        `json:"sent_at,omitempty"`
	DeliveredAt  *time.Time        `json:"delivered_at,omitempty"`
	ExecutedAt   *time.Time        `json:"executed_at,omitempty"`
	FailedAt     *time.Time        `json:"failed_at,omitempty"`
	Response     string            `json:"response,omitempty"`
	ErrorMessage string            `json:"error_message,omitempty"`
}

type queueEntryView struct {
	CommandID     string    `json:"command_id"`
	DeviceID      int64     `json:"device_id"`
	Priority      string    `json:"priority"`
	ScheduledAt   time.Time `json:"scheduled_at"`
	Attempts      int       `json:"attempts"`
	NextAttemptAt time.Time `json:"next_attempt_at,omitempty"`
}

func toView(cmd *commands.Command) commandView {
	return commandView{
		ID:           cmd.ID,
		DeviceID:     cmd.DeviceID,
		UserID:       cmd.UserID,
		Type:         string(cmd.Type),
		Priority:     cmd.Priority.String(),
		Status:       string(cmd.Status),
		Parameters:   cmd.Parameters,
		RawCommand:   cmd.RawCommand,
		RetryCount:   cmd.RetryCount,
		MaxRetries:   cmd.MaxRetries,
		ExpiresAt:    optionalTime(cmd.ExpiresAt),
		CreatedAt:    cmd.CreatedAt,
		SentAt:       optionalTime(cmd.SentAt),
		DeliveredAt:  optionalTime(cmd.DeliveredAt),
		ExecutedAt:   optionalTime(cmd.ExecutedAt),
		FailedAt:     optionalTime(cmd.FailedAt),
		Response:     cmd.Response,
		ErrorMessage: cmd.ErrorMessage,
	}
}

func optionalTime(t time.Time) *time.Time {
	if t.IsZero() {
		return nil
	}
	return &t
}
