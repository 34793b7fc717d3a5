package api

import (
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"os"

	"github.com/go-chi/chi/v5"

	"github.com/dharsanguruparan/ScribeDrop/internal/jobs"
	"github.com/dharsanguruparan/ScribeDrop/internal/model"
)

var errTooLarge = errors.New("file too large")

func (s *Server) handleUpload(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, s.cfg.MaxFileSize+1024)
	mr, err := r.MultipartReader()
	if err != nil {
		s.respondError(w, r, fmt.Errorf("%w: expecting multipart form", model.ErrValidation))
		return
	}
	part, err := nextFilePart(mr)
	if err != nil {
		s.respondError(w, r, uploadError(err, "missing file part"))
		return
	}
	defer part.Close()
	tmp, err := s.persistTemp(part)
	if err != nil {
		s.respondError(w, r, err)
		return
	}
	defer os.Remove(tmp.path)
	defer tmp.f.Close()

	res, err := s.deps.Jobs.Upload(r.Context(), jobs.Upload{
		JobID:       chi.URLParam(r, "id"),
		FileName:    tmp.filename,
		ContentType: tmp.contentType,
		Body:        tmp.f,
		Size:        tmp.size,
	})
	if err != nil {
		s.respondError(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{
		"job":          toResponse(res.Job),
		"audioSeconds": res.AudioSeconds,
	})
}

type tempUpload struct {
	f           *os.File
	path        string
	size        int64
	contentType string
	filename    string
}

// persistTemp streams the part to a temp file, enforcing the size limit and
// sniffing the first 512 bytes.
func (s *Server) persistTemp(part *multipart.Part) (*tempUpload, error) {
	tmpFile, err := os.CreateTemp("", "scribedrop-*")
	if err != nil {
		return nil, fmt.Errorf("%w: create temp file: %v", model.ErrStorage, err)
	}
	discard := func() {
		tmpFile.Close()
		os.Remove(tmpFile.Name())
	}
	var sniff []byte
	buf := make([]byte, 32*1024)
	var written int64
	for {
		n, readErr := part.Read(buf)
		if n > 0 {
			written += int64(n)
			if written > s.cfg.MaxFileSize {
				discard()
				return nil, fmt.Errorf("%w: limit is %d bytes", errTooLarge, s.cfg.MaxFileSize)
			}
			if len(sniff) < 512 {
				chunk := n
				if remain := 512 - len(sniff); chunk > remain {
					chunk = remain
				}
				sniff = append(sniff, buf[:chunk]...)
			}
			if _, err := tmpFile.Write(buf[:n]); err != nil {
				discard()
				return nil, fmt.Errorf("%w: write temp file: %v", model.ErrStorage, err)
			}
		}
		if readErr != nil {
			if errors.Is(readErr, io.EOF) {
				break
			}
			discard()
			return nil, uploadError(readErr, "read file")
		}
	}
	if written == 0 {
		discard()
		return nil, fmt.Errorf("%w: empty file", model.ErrValidation)
	}
	if _, err := tmpFile.Seek(0, io.SeekStart); err != nil {
		discard()
		return nil, fmt.Errorf("%w: rewind temp file: %v", model.ErrStorage, err)
	}
	contentType := http.DetectContentType(sniff)
	if declared := part.Header.Get("Content-Type"); declared != "" && contentType == "application/octet-stream" {
		contentType = declared
	}
	return &tempUpload{
		f:           tmpFile,
		path:        tmpFile.Name(),
		size:        written,
		contentType: contentType,
		filename:    part.FileName(),
	}, nil
}

func nextFilePart(mr *multipart.Reader) (*multipart.Part, error) {
	for {
		part, err := mr.NextPart()
		if err != nil {
			return nil, err
		}
		if part.FormName() == "file" {
			return part, nil
		}
		part.Close()
	}
}

// uploadError classifies a multipart read failure.
func uploadError(err error, msg string) error {
	var maxErr *http.MaxBytesError
	if errors.As(err, &maxErr) {
		return fmt.Errorf("%w: limit is %d bytes", errTooLarge, maxErr.Limit)
	}
	return fmt.Errorf("%w: %s: %v", model.ErrValidation, msg, err)
}
