package api

import (
	"errors"
	"fmt"
	"io"
	"mime"
	"net/http"
	"strings"

	"go.uber.org/zap"

	"github.com/nidhogg/control-tower/internal/imaging"
	"github.com/nidhogg/control-tower/internal/workflow"
)

// multipartSlack is the allowance for multipart framing on top of the image
// size limit.
const multipartSlack = 1 << 20

var errNoImage = errors.New("expected multipart field \"file\" or an image/* body")

func (h *Handler) analyze(w http.ResponseWriter, r *http.Request) {
	limit := h.flow.MaxImageBytes() + multipartSlack
	if r.ContentLength > limit {
		writeJSON(w, http.StatusRequestEntityTooLarge, map[string]string{"error": "upload too large"})
		return
	}
	r.Body = http.MaxBytesReader(w, r.Body, limit)

	image, err := readUpload(r, limit)
	if err != nil {
		var tooBig *http.MaxBytesError
		if errors.As(err, &tooBig) {
			writeJSON(w, http.StatusRequestEntityTooLarge, map[string]string{"error": "upload too large"})
			return
		}
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
		return
	}
	if len(image) > 0 {
		if _, err := imaging.Sniff(image); err != nil {
			writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
			return
		}
	}

	handle, err := h.flow.Start(image)
	switch {
	case err == nil:
	case errors.Is(err, workflow.ErrImageTooLarge):
		writeJSON(w, http.StatusRequestEntityTooLarge, map[string]string{"error": err.Error()})
		return
	case errors.Is(err, workflow.ErrInvalidInput):
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
		return
	case errors.Is(err, workflow.ErrBusy):
		body := map[string]string{"error": workflow.ErrBusy.Error()}
		if snap, ok := h.flow.Current(); ok {
			body["run_id"] = snap.ID
		}
		writeJSON(w, http.StatusConflict, body)
		return
	case errors.Is(err, workflow.ErrShutdown):
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"error": err.Error()})
		return
	default:
		h.logger.Error("start workflow", zap.Error(err))
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": err.Error()})
		return
	}

	writeJSON(w, http.StatusAccepted, map[string]string{
		"status":  "processing",
		"run_id":  handle.RunID,
		"message": "Workflow started. Listen to the websocket for updates.",
	})
}

// readUpload returns the image from a multipart "file" field or from a raw
// image body.
func readUpload(r *http.Request, limit int64) ([]byte, error) {
	mediaType, _, err := mime.ParseMediaType(r.Header.Get("Content-Type"))
	if err != nil {
		return nil, errNoImage
	}
	switch {
	case mediaType == "multipart/form-data":
		if err := r.ParseMultipartForm(limit); err != nil {
			return nil, fmt.Errorf("parse multipart form: %w", err)
		}
		file, _, err := r.FormFile("file")
		if err != nil {
			return nil, errNoImage
		}
		defer file.Close()
		return io.ReadAll(file)
	case strings.HasPrefix(mediaType, "image/"):
		return io.ReadAll(r.Body)
	}
	return nil, errNoImage
}
