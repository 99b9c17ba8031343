package server

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"flywheel/internal/automation"
	"flywheel/internal/browser"
	"flywheel/internal/common"
	"flywheel/internal/config"
	"flywheel/internal/errs"
	"flywheel/internal/items"
	"flywheel/internal/orchestrator"
)

// Auth is the slice of the automation engine the API surface needs: session
// health checks and cookie imports, both independent of any work item.
type Auth interface {
	AuthStatus(ctx context.Context) automation.AuthStatus
	ImportCredentials(ctx context.Context, batch []browser.Cookie) (int, error)
}

type Service struct {
	Log   *slog.Logger
	Cfg   *config.Config
	Store items.Store
	Orc   *orchestrator.Orchestrator
	Auth  Auth
}

// NewHTTPServer builds the http.Server with routes and middleware.
func NewHTTPServer(svc *Service) *http.Server {
	mux := http.NewServeMux()
	mux.HandleFunc(http.MethodGet+" "+common.PathHealthz, func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})

	mux.HandleFunc(http.MethodPost+" "+common.PathIdeas, svc.withCommon(svc.handleSubmitIdea))
	mux.HandleFunc(http.MethodGet+" "+common.PathItems, svc.withCommon(svc.handleListItems))
	mux.HandleFunc(http.MethodGet+" "+common.PathItems+"/{id}", svc.withCommon(svc.handleGetItem))
	mux.HandleFunc(http.MethodPost+" "+common.PathItems+"/{id}/approve", svc.withCommon(svc.handleApprove))
	mux.HandleFunc(http.MethodPost+" "+common.PathItems+"/{id}/reject", svc.withCommon(svc.handleReject))
	mux.HandleFunc(http.MethodGet+" "+common.PathAuthStatus, svc.withCommon(svc.handleAuthStatus))
	mux.HandleFunc(http.MethodPost+" "+common.PathCredentials, svc.withCommon(svc.handleImportCredentials))
	mux.HandleFunc(http.MethodGet+" "+common.PathSettings+"/{key}", svc.withCommon(svc.handleGetSetting))
	mux.HandleFunc(http.MethodPut+" "+common.PathSettings+"/{key}", svc.withCommon(svc.handlePutSetting))

	return &http.Server{
		Addr:         svc.Cfg.Server.Addr,
		Handler:      loggingMiddleware(recoveryMiddleware(mux), svc.Log),
		ReadTimeout:  svc.Cfg.Server.ReadTimeout,
		WriteTimeout: svc.Cfg.Server.WriteTimeout,
		IdleTimeout:  svc.Cfg.Server.IdleTimeout,
	}
}

func (svc *Service) withCommon(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		// Enforce API key if configured
		if key := strings.TrimSpace(svc.Cfg.Server.APIKey); key != "" {
			if r.Header.Get(common.HeaderAPIKey) != key {
				http.Error(w, "unauthorized", http.StatusUnauthorized)
				return
			}
		}
		r.Body = http.MaxBytesReader(w, r.Body, 1<<20)
		next.ServeHTTP(w, r)
	}
}

type submitRequest struct {
	Idea        string     `json:"idea"`
	ScheduledAt *time.Time `json:"scheduled_at"`
}

type submitResponse struct {
	Item    map[string]any `json:"item"`
	Started bool           `json:"started"`
	Message string         `json:"message"`
}

func (svc *Service) handleSubmitIdea(w http.ResponseWriter, r *http.Request) {
	var req submitRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid json: "+err.Error(), http.StatusBadRequest)
		return
	}
	if strings.TrimSpace(req.Idea) == "" {
		http.Error(w, "idea is required", http.StatusBadRequest)
		return
	}
	item, started, msg, err := svc.Orc.SubmitIdea(r.Context(), strings.TrimSpace(req.Idea), req.ScheduledAt)
	if err != nil {
		svc.Log.Error("submit idea", "error", err)
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusAccepted, submitResponse{
		Item:    itemToOut(item),
		Started: started,
		Message: msg,
	})
}

func (svc *Service) handleListItems(w http.ResponseWriter, r *http.Request) {
	status := items.Status(r.URL.Query().Get("status"))
	if status != "" && !status.Known() {
		http.Error(w, "unknown status", http.StatusBadRequest)
		return
	}
	list, err := svc.Store.ListByStatus(status)
	if err != nil {
		svc.Log.Error("list items", "error", err)
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}
	out := make([]map[string]any, 0, len(list))
	for _, item := range list {
		out = append(out, itemToOut(item))
	}
	writeJSON(w, http.StatusOK, map[string]any{"items": out})
}

func (svc *Service) handleGetItem(w http.ResponseWriter, r *http.Request) {
	item, ok := svc.itemFromPath(w, r)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, itemToOut(item))
}

type approveRequest struct {
	ScheduledAt *time.Time `json:"scheduled_at"`
	Caption     *string    `json:"caption"` // reviewer override for the generated caption
}

func (svc *Service) handleApprove(w http.ResponseWriter, r *http.Request) {
	item, ok := svc.itemFromPath(w, r)
	if !ok {
		return
	}
	var req approveRequest
	if err := decodeOptionalJSON(r.Body, &req); err != nil {
		http.Error(w, "invalid json: "+err.Error(), http.StatusBadRequest)
		return
	}
	if !items.CanTransition(item.Status, items.StatusApproved) {
		http.Error(w, "cannot approve item in status "+string(item.Status), http.StatusConflict)
		return
	}
	if req.Caption != nil {
		if err := svc.Store.SetEditedCaption(item.ID, *req.Caption); err != nil {
			svc.Log.Error("save caption edit", "item_id", item.ID, "error", err)
			http.Error(w, "internal error", http.StatusInternalServerError)
			return
		}
		var err error
		if item, err = svc.Store.GetByID(item.ID); err != nil {
			http.Error(w, "internal error", http.StatusInternalServerError)
			return
		}
	}
	res, err := svc.Orc.Approve(r.Context(), item, req.ScheduledAt)
	if err != nil {
		svc.Log.Error("approve", "item_id", item.ID, "error", err)
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}
	out := map[string]any{"item": itemToOut(res.Item)}
	if res.Published != nil {
		out["published"] = map[string]string{"id": res.Published.ID, "url": res.Published.URL}
	}
	if res.ErrorMsg != "" {
		out["error"] = res.ErrorMsg
	}
	writeJSON(w, http.StatusOK, out)
}

func (svc *Service) handleReject(w http.ResponseWriter, r *http.Request) {
	item, ok := svc.itemFromPath(w, r)
	if !ok {
		return
	}
	if !items.CanTransition(item.Status, items.StatusRejected) {
		http.Error(w, "cannot reject item in status "+string(item.Status), http.StatusConflict)
		return
	}
	rejected, err := svc.Orc.Reject(r.Context(), item)
	if err != nil {
		svc.Log.Error("reject", "item_id", item.ID, "error", err)
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, itemToOut(rejected))
}

func (svc *Service) handleAuthStatus(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, svc.Auth.AuthStatus(r.Context()))
}

type credentialsResponse struct {
	Success  bool                  `json:"success"`
	Imported int                   `json:"imported"`
	Session  automation.AuthStatus `json:"session"`
}

func (svc *Service) handleImportCredentials(w http.ResponseWriter, r *http.Request) {
	var batch []browser.Cookie
	if err := json.NewDecoder(r.Body).Decode(&batch); err != nil {
		http.Error(w, "invalid json: "+err.Error(), http.StatusBadRequest)
		return
	}
	n, err := svc.Auth.ImportCredentials(r.Context(), batch)
	if err != nil {
		switch errs.KindOf(err) {
		case errs.KindInvalidCredentials, errs.KindNoRelevantCredentials:
			http.Error(w, err.Error(), http.StatusBadRequest)
		case errs.KindCredentialInstallFailed:
			http.Error(w, err.Error(), http.StatusBadGateway)
		default:
			svc.Log.Error("import credentials", "error", err)
			http.Error(w, "internal error", http.StatusInternalServerError)
		}
		return
	}
	// Fresh cookies change the session; report its state right away so the
	// caller knows whether the import actually restored access.
	writeJSON(w, http.StatusOK, credentialsResponse{
		Success:  true,
		Imported: n,
		Session:  svc.Auth.AuthStatus(r.Context()),
	})
}

type settingOut struct {
	Key   string `json:"key"`
	Value string `json:"value"`
}

func (svc *Service) handleGetSetting(w http.ResponseWriter, r *http.Request) {
	key := r.PathValue("key")
	value, err := svc.Store.GetSetting(key)
	if err != nil {
		svc.Log.Error("get setting", "key", key, "error", err)
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, settingOut{Key: key, Value: value})
}

func (svc *Service) handlePutSetting(w http.ResponseWriter, r *http.Request) {
	key := r.PathValue("key")
	var in struct {
		Value string `json:"value"`
	}
	if err := json.NewDecoder(r.Body).Decode(&in); err != nil {
		http.Error(w, "invalid json: "+err.Error(), http.StatusBadRequest)
		return
	}
	if err := svc.Store.SetSetting(key, in.Value); err != nil {
		svc.Log.Error("put setting", "key", key, "error", err)
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, settingOut{Key: key, Value: in.Value})
}

// itemFromPath resolves the {id} wildcard to a stored item, writing the
// error response itself when it cannot.
func (svc *Service) itemFromPath(w http.ResponseWriter, r *http.Request) (*items.WorkItem, bool) {
	id, err := strconv.ParseInt(r.PathValue("id"), 10, 64)
	if err != nil {
		http.Error(w, "invalid item id", http.StatusBadRequest)
		return nil, false
	}
	item, err := svc.Store.GetByID(id)
	if errors.Is(err, items.ErrNotFound) {
		http.Error(w, "not found", http.StatusNotFound)
		return nil, false
	}
	if err != nil {
		svc.Log.Error("load item", "item_id", id, "error", err)
		http.Error(w, "internal error", http.StatusInternalServerError)
		return nil, false
	}
	return item, true
}

func itemToOut(item *items.WorkItem) map[string]any {
	out := map[string]any{
		"id":         item.ID,
		"idea":       item.Idea,
		"status":     string(item.Status),
		"caption":    item.EffectiveCaption(),
		"asset_path": item.GeneratedAssetPath,
		"created_at": item.CreatedAt,
	}
	if item.EditedCaption != nil {
		out["edited_caption"] = *item.EditedCaption
	}
	if item.ScheduledAt != nil {
		out["scheduled_at"] = *item.ScheduledAt
	}
	if item.PublishedID != nil {
		out["published_id"] = *item.PublishedID
	}
	if item.PublishedURL != nil {
		out["published_url"] = *item.PublishedURL
	}
	if item.PublishedAt != nil {
		out["published_at"] = *item.PublishedAt
	}
	if item.ErrorMessage != nil && *item.ErrorMessage != "" {
		out["error"] = *item.ErrorMessage
	}
	return out
}

// decodeOptionalJSON tolerates an empty body; approve works with no payload.
func decodeOptionalJSON(body io.Reader, v any) error {
	err := json.NewDecoder(body).Decode(v)
	if errors.Is(err, io.EOF) {
		return nil
	}
	return err
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", common.ContentTypeJSON)
	if status != 0 {
		w.WriteHeader(status)
	}
	_ = json.NewEncoder(w).Encode(v)
}

func loggingMiddleware(next http.Handler, log *slog.Logger) http.Handler {
	// Fallback to a discard logger if none provided to avoid nil deref in tests or minimal setups.
	if log == nil {
		log = slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelError}))
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := &writeWrap{ResponseWriter: w, code: http.StatusOK}
		next.ServeHTTP(ww, r)
		log.Info("http",
			"method", r.Method,
			"path", r.URL.Path,
			"status", ww.code,
			"duration", time.Since(start).String(),
			"remote", r.RemoteAddr)
	})
}

type writeWrap struct {
	http.ResponseWriter
	code int
}

func (w *writeWrap) WriteHeader(statusCode int) {
	w.code = statusCode
	w.ResponseWriter.WriteHeader(statusCode)
}

func recoveryMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if rec := recover(); rec != nil {
				http.Error(w, "internal error", http.StatusInternalServerError)
			}
		}()
		next.ServeHTTP(w, r)
	})
}
