package web

import (
	"net/http"
)

const maxUploadMemory = 32 << 20

type uploadResponse struct {
	Attachment uploadAttachment `json:"attachment"`
}

type uploadAttachment struct {
	ID          string `json:"id"`
	MimeType    string `json:"mimeType"`
	SizeBytes   int64  `json:"sizeBytes"`
	DisplayURL  string `json:"displayUrl"`
	DeliveryURL string `json:"deliveryUrl"`
}

func (h *Handler) handleUpload(w http.ResponseWriter, r *http.Request) {
	if h.cfg.Attachments == nil {
		h.jsonError(w, "attachments not configured", http.StatusServiceUnavailable)
		return
	}
	if err := r.ParseMultipartForm(maxUploadMemory); err != nil {
		h.jsonError(w, "invalid multipart body", http.StatusBadRequest)
		return
	}
	sessionID := r.FormValue("session_id")
	if sessionID == "" {
		h.jsonError(w, "session_id required", http.StatusBadRequest)
		return
	}
	file, header, err := r.FormFile("file")
	if err != nil {
		h.jsonError(w, "file required", http.StatusBadRequest)
		return
	}
	defer file.Close()

	mimeType := header.Header.Get("Content-Type")
	att, err := h.cfg.Attachments.SaveUpload(r.Context(), sessionID, header.Filename, mimeType, header.Size, file)
	if err != nil {
		h.jsonError(w, err.Error(), http.StatusBadRequest)
		return
	}

	h.jsonResponse(w, uploadResponse{Attachment: uploadAttachment{
		ID:          att.ID,
		MimeType:    att.MimeType,
		SizeBytes:   att.SizeBytes,
		DisplayURL:  att.SignedURL,
		DeliveryURL: att.SignedURL,
	}})
}
