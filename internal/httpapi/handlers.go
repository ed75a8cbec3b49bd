package httpapi

import (
	"context"
	"net/http"

	"github.com/cockroachdb/errors"
	"go.uber.org/zap"

	"key_gateway/internal/keypool"
	"key_gateway/internal/logging"
	"key_gateway/internal/utils"
)

// KeyPool is the part of keypool.Manager the handlers use.
type KeyPool interface {
	Acquire(ctx context.Context) (string, error)
	RecordUse(ctx context.Context, key string) error
	MarkInvalid(ctx context.Context, key string) error
	Revalidate(ctx context.Context, key string) error
	Refresh(ctx context.Context) (added, total int)
	Status() keypool.Status
}

type keyRequest struct {
	Key string `json:"key"`
}

type keyResponse struct {
	Key string `json:"key"`
}

type statusResponse struct {
	Status string `json:"status"`
}

type exhaustedResponse struct {
	Error            string `json:"error"`
	TotalCredentials int    `json:"total_credentials"`
}

type refreshResponse struct {
	Added int `json:"added"`
	Total int `json:"total"`
}

var okResponse = statusResponse{Status: "ok"}

// handleGetKey hands out the credential chosen by the pool.
func (d *Dependencies) handleGetKey(w http.ResponseWriter, r *http.Request) {
	key, err := d.Keys.Acquire(r.Context())
	if err != nil {
		var exhausted *keypool.PoolExhaustedError
		if errors.As(err, &exhausted) {
			utils.RespondWithJSON(w, http.StatusServiceUnavailable, exhaustedResponse{
				Error:            "All API keys exhausted",
				TotalCredentials: exhausted.Total,
			})
			return
		}
		d.Logger.Error("http: acquire failed", zap.Error(err))
		utils.RespondWithError(w, http.StatusInternalServerError, "internal error")
		return
	}

	utils.RespondWithJSON(w, http.StatusOK, keyResponse{Key: key})
}

// handleReportUsage charges one request to the reported credential.
func (d *Dependencies) handleReportUsage(w http.ResponseWriter, r *http.Request) {
	key, ok := d.decodeKey(w, r)
	if !ok {
		return
	}

	if err := d.Keys.RecordUse(r.Context(), key); err != nil {
		d.respondKeyError(w, err, key)
		return
	}
	utils.RespondWithJSON(w, http.StatusOK, okResponse)
}

// handleReportInvalid takes the reported credential out of rotation.
func (d *Dependencies) handleReportInvalid(w http.ResponseWriter, r *http.Request) {
	key, ok := d.decodeKey(w, r)
	if !ok {
		return
	}

	if err := d.Keys.MarkInvalid(r.Context(), key); err != nil {
		d.respondKeyError(w, err, key)
		return
	}
	utils.RespondWithJSON(w, http.StatusOK, okResponse)
}

func (d *Dependencies) handleRevalidate(w http.ResponseWriter, r *http.Request) {
	key, ok := d.decodeKey(w, r)
	if !ok {
		return
	}

	if err := d.Keys.Revalidate(r.Context(), key); err != nil {
		d.respondKeyError(w, err, key)
		return
	}
	utils.RespondWithJSON(w, http.StatusOK, okResponse)
}

func (d *Dependencies) handleRefresh(w http.ResponseWriter, r *http.Request) {
	added, total := d.Keys.Refresh(r.Context())
	utils.RespondWithJSON(w, http.StatusOK, refreshResponse{Added: added, Total: total})
}

func (d *Dependencies) handleStatus(w http.ResponseWriter, r *http.Request) {
	utils.RespondWithJSON(w, http.StatusOK, d.Keys.Status())
}

func handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	w.Write([]byte("OK"))
}

// decodeKey reads {"key": "..."} and writes a 400 when it is unusable.
func (d *Dependencies) decodeKey(w http.ResponseWriter, r *http.Request) (string, bool) {
	var req keyRequest
	if err := utils.DecodeJSON(r, &req); err != nil {
		utils.RespondWithError(w, http.StatusBadRequest, "invalid JSON body")
		return "", false
	}
	if req.Key == "" {
		utils.RespondWithError(w, http.StatusBadRequest, "key is required")
		return "", false
	}
	return req.Key, true
}

func (d *Dependencies) respondKeyError(w http.ResponseWriter, err error, key string) {
	if errors.Is(err, keypool.ErrUnknownCredential) {
		utils.RespondWithError(w, http.StatusNotFound, "unknown key")
		return
	}
	d.Logger.Error("http: key update failed", logging.Key(key), zap.Error(err))
	utils.RespondWithError(w, http.StatusInternalServerError, "internal error")
}
