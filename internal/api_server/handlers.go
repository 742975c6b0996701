package apiserver

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/steambundleapi/bundleapi/internal/api_server/middleware"
	"github.com/steambundleapi/bundleapi/internal/apierrors"
	"github.com/steambundleapi/bundleapi/internal/bundles"
)

// BundleStore is the read side of the catalogue.
type BundleStore interface {
	List(page, limit int) (*bundles.Page, error)
	Get(id string) (json.RawMessage, error)
}

// UpdateTrigger queues admin operations.
type UpdateTrigger interface {
	Enqueue(op bundles.Operation) (bundles.Job, error)
	Status() bundles.Status
}

type handlers struct {
	store   BundleStore
	trigger UpdateTrigger
}

// queryInt reads an integer query parameter. Absent or unparsable values
// yield 0 so the store applies its defaults; the validator has already
// rejected malformed input on routes where it runs.
func queryInt(r *http.Request, name string) int {
	n, err := strconv.Atoi(r.URL.Query().Get(name))
	if err != nil {
		return 0
	}
	return n
}

func storeError(err error) error {
	switch {
	case errors.Is(err, bundles.ErrUnavailable):
		return apierrors.Unavailable("Bundle data is not available yet").Wrap(err)
	case errors.Is(err, bundles.ErrNotFound):
		return apierrors.NotFound("Bundle not found").Wrap(err)
	default:
		return err
	}
}

func (h *handlers) listBundles(w http.ResponseWriter, r *http.Request) error {
	page, err := h.store.List(queryInt(r, middleware.PageParam), queryInt(r, middleware.LimitParam))
	if err != nil {
		return storeError(err)
	}
	middleware.WriteJSON(w, http.StatusOK, page)
	return nil
}

func (h *handlers) getBundle(w http.ResponseWriter, r *http.Request) error {
	raw, err := h.store.Get(chi.URLParam(r, "id"))
	if err != nil {
		return storeError(err)
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(raw)
	return nil
}

func (h *handlers) status(w http.ResponseWriter, _ *http.Request) error {
	middleware.WriteJSON(w, http.StatusOK, h.trigger.Status())
	return nil
}

type triggerResponse struct {
	Message   string            `json:"message"`
	Operation bundles.Operation `json:"operation"`
	JobID     string            `json:"jobId"`
}

func (h *handlers) enqueue(op bundles.Operation) middleware.HandlerFunc {
	return func(w http.ResponseWriter, _ *http.Request) error {
		job, err := h.trigger.Enqueue(op)
		if errors.Is(err, bundles.ErrQueueFull) {
			return apierrors.Unavailable("Too many update jobs are pending, try again later").Wrap(err)
		}
		if err != nil {
			return err
		}
		middleware.WriteJSON(w, http.StatusAccepted, triggerResponse{
			Message:   "Update job accepted",
			Operation: op,
			JobID:     job.ID,
		})
		return nil
	}
}
