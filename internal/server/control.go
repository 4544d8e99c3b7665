package server

import (
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/l0p7/offlinegate/internal/config"
	"github.com/l0p7/offlinegate/internal/runtime"
	"github.com/l0p7/offlinegate/internal/runtime/lifecycle"
	"github.com/l0p7/offlinegate/internal/runtime/notify"
	"github.com/l0p7/offlinegate/internal/runtime/queue"
)

const maxControlBody = 1 << 20

type control struct {
	worker        *runtime.Worker
	notifications *notify.Center
	windows       *notify.Registry
	online        func() bool
	logger        *slog.Logger
}

func (c *control) health(w http.ResponseWriter, r *http.Request) {
	status := "ok"
	payload := map[string]any{
		"generation": c.worker.Generation(),
		"observedAt": time.Now().UTC(),
	}
	if c.online != nil {
		online := c.online()
		payload["online"] = online
		if !online {
			status = "offline"
		}
	}
	if pending, err := c.worker.Pending(r.Context()); err != nil {
		c.logger.LogAttrs(r.Context(), slog.LevelError, "queue query failed", slog.String("error", err.Error()))
		status = "degraded"
	} else {
		payload["pendingMutations"] = len(pending)
	}
	if parked, err := c.worker.Parked(r.Context()); err == nil {
		payload["parkedMutations"] = len(parked)
	}
	payload["status"] = status
	c.writeJSON(w, http.StatusOK, payload)
}

func (c *control) generation(w http.ResponseWriter, _ *http.Request) {
	c.writeJSON(w, http.StatusOK, c.worker.Generation())
}

func (c *control) install(w http.ResponseWriter, r *http.Request) {
	var manifest config.Manifest
	if err := decodeBody(r, &manifest); err != nil {
		runtime.WriteError(w, http.StatusBadRequest, err.Error())
		return
	}
	if err := c.worker.Install(r.Context(), manifest); err != nil {
		c.logger.LogAttrs(r.Context(), slog.LevelWarn, "install rejected",
			slog.String("generation", manifest.Generation),
			slog.String("error", err.Error()),
		)
		runtime.WriteError(w, http.StatusUnprocessableEntity, err.Error())
		return
	}
	c.writeJSON(w, http.StatusCreated, c.worker.Generation())
}

func (c *control) activate(w http.ResponseWriter, r *http.Request) {
	generation, err := c.worker.Activate(r.Context())
	switch {
	case errors.Is(err, lifecycle.ErrNothingToActivate):
		runtime.WriteError(w, http.StatusConflict, err.Error())
		return
	case err != nil:
		runtime.WriteError(w, http.StatusInternalServerError, err.Error())
		return
	}
	c.writeJSON(w, http.StatusOK, map[string]string{"generation": generation})
}

func (c *control) sync(w http.ResponseWriter, r *http.Request) {
	result, err := c.worker.Sync(r.Context(), r.URL.Query().Get("tag"))
	switch {
	case errors.Is(err, runtime.ErrSyncTagMismatch):
		runtime.WriteError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, queue.ErrReplayFailed):
		c.writeJSON(w, http.StatusServiceUnavailable, map[string]any{"result": result, "error": err.Error()})
	case err != nil:
		runtime.WriteError(w, http.StatusInternalServerError, err.Error())
	default:
		c.writeJSON(w, http.StatusOK, map[string]any{"result": result})
	}
}

func (c *control) pending(w http.ResponseWriter, r *http.Request) {
	items, err := c.worker.Pending(r.Context())
	if err != nil {
		runtime.WriteError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if items == nil {
		items = []queue.Mutation{}
	}
	c.writeJSON(w, http.StatusOK, items)
}

func (c *control) parked(w http.ResponseWriter, r *http.Request) {
	items, err := c.worker.Parked(r.Context())
	if err != nil {
		runtime.WriteError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if items == nil {
		items = []queue.Parked{}
	}
	c.writeJSON(w, http.StatusOK, items)
}

func (c *control) push(w http.ResponseWriter, r *http.Request) {
	payload, err := io.ReadAll(io.LimitReader(r.Body, maxControlBody))
	if err != nil {
		runtime.WriteError(w, http.StatusBadRequest, "unreadable payload")
		return
	}
	n, err := c.worker.Push(r.Context(), payload)
	if err != nil {
		runtime.WriteError(w, http.StatusBadRequest, err.Error())
		return
	}
	c.writeJSON(w, http.StatusCreated, n)
}

func (c *control) listNotifications(w http.ResponseWriter, _ *http.Request) {
	items := c.notifications.List()
	if items == nil {
		items = []notify.Shown{}
	}
	c.writeJSON(w, http.StatusOK, items)
}

func (c *control) click(w http.ResponseWriter, r *http.Request) {
	n, ok := c.notifications.Get(chi.URLParam(r, "id"))
	if !ok {
		runtime.WriteError(w, http.StatusNotFound, "notification not found")
		return
	}
	result, err := c.worker.NotificationClick(r.Context(), n, r.URL.Query().Get("action"))
	if err != nil {
		runtime.WriteError(w, http.StatusInternalServerError, err.Error())
		return
	}
	c.writeJSON(w, http.StatusOK, result)
}

func (c *control) listClients(w http.ResponseWriter, r *http.Request) {
	items := c.windows.List(r.Context())
	if items == nil {
		items = []notify.Window{}
	}
	c.writeJSON(w, http.StatusOK, items)
}

func (c *control) openClient(w http.ResponseWriter, r *http.Request) {
	var body struct {
		URL string `json:"url"`
	}
	if err := decodeBody(r, &body); err != nil {
		runtime.WriteError(w, http.StatusBadRequest, err.Error())
		return
	}
	if strings.TrimSpace(body.URL) == "" {
		runtime.WriteError(w, http.StatusBadRequest, "url required")
		return
	}
	c.writeJSON(w, http.StatusCreated, c.worker.OpenClient(r.Context(), body.URL))
}

func (c *control) closeClient(w http.ResponseWriter, r *http.Request) {
	if !c.windows.Close(chi.URLParam(r, "id")) {
		runtime.WriteError(w, http.StatusNotFound, "client not found")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (c *control) writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		c.logger.Error("response encode failed", slog.Any("error", err))
	}
}

func decodeBody(r *http.Request, dst any) error {
	dec := json.NewDecoder(io.LimitReader(r.Body, maxControlBody))
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		return errors.New("invalid JSON body: " + err.Error())
	}
	return nil
}
