package http

import (
	"errors"
	"io"
	"io/fs"
	"log"
	"net/http"

	"ptchat/internal/attachment"
	"ptchat/internal/filestore"
	"ptchat/internal/models"
)

func NewFileServerHandler(attachments *attachment.Pipeline) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		rc, mimeType, err := attachments.Open(r.PathValue("key"))
		if err != nil {
			if errors.Is(err, fs.ErrNotExist) || errors.Is(err, models.ErrNotFound) || errors.Is(err, filestore.ErrInvalidKey) {
				http.NotFound(w, r)
				return
			}
			log.Printf("failed to open object %s: %v", r.PathValue("key"), err)
			http.Error(w, "Internal server error", http.StatusInternalServerError)
			return
		}
		defer rc.Close()

		w.Header().Set("Content-Type", mimeType)
		// Keys are content hashes, so an object never changes.
		w.Header().Set("Cache-Control", "public, max-age=31536000, immutable")
		if _, err := io.Copy(w, rc); err != nil {
			log.Printf("failed to send object %s: %v", r.PathValue("key"), err)
		}
	}
}
