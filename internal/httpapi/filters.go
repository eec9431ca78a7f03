package httpapi

import (
	"bytes"
	"encoding/base64"
	"image"
	_ "image/jpeg"
	_ "image/png"
	"net/http"

	"github.com/google/uuid"

	"github.com/autoforwardx/autoforwardx/internal/filters"
	"github.com/autoforwardx/autoforwardx/internal/store"
)

func (s *Server) handleListPhrases(w http.ResponseWriter, r *http.Request) {
	phrases, err := s.st.ListBlockedPhrases(r.Context(), userID(r))
	if err != nil {
		writeStoreError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"phrases": phrases})
}

type phraseRequest struct {
	Text   string  `json:"text"`
	PairID *string `json:"pair_id,omitempty"`
}

func (s *Server) handleCreatePhrase(w http.ResponseWriter, r *http.Request) {
	uid := userID(r)
	var req phraseRequest
	if !decodeBody(w, r, &req) {
		return
	}
	if req.Text == "" {
		writeError(w, http.StatusBadRequest, "validation_error", "text is required")
		return
	}
	if req.PairID != nil {
		if _, ok := s.ownedPair(r.Context(), w, uid, *req.PairID); !ok {
			return
		}
	}
	phrase := &store.BlockedPhrase{
		ID:     uuid.Must(uuid.NewV7()).String(),
		UserID: uid,
		PairID: req.PairID,
		Text:   req.Text,
		Active: true,
	}
	if err := s.st.CreateBlockedPhrase(r.Context(), phrase); err != nil {
		writeStoreError(w, err)
		return
	}
	s.pipe.Invalidate(uid)
	writeJSON(w, http.StatusCreated, phrase)
}

func (s *Server) handleDeletePhrase(w http.ResponseWriter, r *http.Request) {
	uid := userID(r)
	phrases, err := s.st.ListBlockedPhrases(r.Context(), uid)
	if err != nil {
		writeStoreError(w, err)
		return
	}
	id := r.PathValue("id")
	for _, p := range phrases {
		if p.ID == id {
			if err := s.st.DeleteBlockedPhrase(r.Context(), id); err != nil {
				writeStoreError(w, err)
				return
			}
			s.pipe.Invalidate(uid)
			writeJSON(w, http.StatusOK, map[string]string{"status": "deleted"})
			return
		}
	}
	writeError(w, http.StatusNotFound, "not_found", "resource not found")
}

func (s *Server) handleListImages(w http.ResponseWriter, r *http.Request) {
	images, err := s.st.ListBlockedImages(r.Context(), userID(r))
	if err != nil {
		writeStoreError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"images": images})
}

// imageRequest blocks an image either by a precomputed hash or by the image
// bytes themselves (base64), which are hashed server-side.
type imageRequest struct {
	Hash   uint64  `json:"image_hash,omitempty"`
	Image  string  `json:"image_base64,omitempty"`
	PairID *string `json:"pair_id,omitempty"`
}

func (s *Server) handleCreateImage(w http.ResponseWriter, r *http.Request) {
	uid := userID(r)
	var req imageRequest
	if !decodeBody(w, r, &req) {
		return
	}
	hash := req.Hash
	if hash == 0 && req.Image != "" {
		raw, err := base64.StdEncoding.DecodeString(req.Image)
		if err != nil {
			writeError(w, http.StatusBadRequest, "validation_error", "image_base64 is not valid base64")
			return
		}
		img, _, err := image.Decode(bytes.NewReader(raw))
		if err != nil {
			writeError(w, http.StatusBadRequest, "validation_error", "image could not be decoded")
			return
		}
		hash = filters.DHash(img)
	}
	if hash == 0 {
		writeError(w, http.StatusBadRequest, "validation_error", "image_hash or image_base64 is required")
		return
	}
	if req.PairID != nil {
		if _, ok := s.ownedPair(r.Context(), w, uid, *req.PairID); !ok {
			return
		}
	}
	blocked := &store.BlockedImage{
		ID:     uuid.Must(uuid.NewV7()).String(),
		UserID: uid,
		PairID: req.PairID,
		Hash:   hash,
		Active: true,
	}
	if err := s.st.CreateBlockedImage(r.Context(), blocked); err != nil {
		writeStoreError(w, err)
		return
	}
	s.pipe.Invalidate(uid)
	writeJSON(w, http.StatusCreated, blocked)
}

func (s *Server) handleDeleteImage(w http.ResponseWriter, r *http.Request) {
	uid := userID(r)
	images, err := s.st.ListBlockedImages(r.Context(), uid)
	if err != nil {
		writeStoreError(w, err)
		return
	}
	id := r.PathValue("id")
	for _, img := range images {
		if img.ID == id {
			if err := s.st.DeleteBlockedImage(r.Context(), id); err != nil {
				writeStoreError(w, err)
				return
			}
			s.pipe.Invalidate(uid)
			writeJSON(w, http.StatusOK, map[string]string{"status": "deleted"})
			return
		}
	}
	writeError(w, http.StatusNotFound, "not_found", "resource not found")
}
