package api

import (
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/orbitalops/dbagent/internal/capability"
	"github.com/orbitalops/dbagent/internal/identity"
)

// maxUploadSize bounds OCR and speech uploads (16MB).
const maxUploadSize = 16 << 20

// CapabilityHandler proxies image and audio inputs to the recognition
// services so a question can arrive as a screenshot or a voice note.
type CapabilityHandler struct {
	ocr    capability.TextExtractor
	speech capability.TextExtractor
}

func NewCapabilityHandler(ocr, speech capability.TextExtractor) *CapabilityHandler {
	return &CapabilityHandler{ocr: ocr, speech: speech}
}

// RegisterRoutes registers capability routes.
func (h *CapabilityHandler) RegisterRoutes(r chi.Router) {
	r.Route("/api/capability", func(r chi.Router) {
		r.Post("/ocr", h.OCR)
		r.Post("/transcribe", h.Transcribe)
	})
}

// OCR extracts text from an uploaded image.
func (h *CapabilityHandler) OCR(w http.ResponseWriter, r *http.Request) {
	h.extract(w, r, h.ocr, "ocr")
}

// Transcribe extracts text from an uploaded audio clip.
func (h *CapabilityHandler) Transcribe(w http.ResponseWriter, r *http.Request) {
	h.extract(w, r, h.speech, "speech")
}

func (h *CapabilityHandler) extract(w http.ResponseWriter, r *http.Request, ext capability.TextExtractor, kind string) {
	if ext == nil {
		Error(w, http.StatusNotImplemented, kind+" capability is not configured")
		return
	}

	r.Body = http.MaxBytesReader(w, r.Body, maxUploadSize)
	file, header, err := r.FormFile("file")
	if err != nil {
		Error(w, http.StatusBadRequest, "file field is required")
		return
	}
	defer file.Close()

	text, err := ext.Extract(r.Context(), header.Filename, file)
	if err != nil {
		slog.Error("Capability extraction failed",
			"kind", kind,
			"user_id", identity.UserIDFromContext(r.Context()),
			"filename", header.Filename,
			"error", err,
		)
		ErrorFrom(w, err)
		return
	}
	JSON(w, http.StatusOK, map[string]string{"text": text})
}
