package handlers

import (
	"errors"
	"io"
	"mime"
	"net/http"
	"strconv"

	"go.uber.org/zap"

	"github.com/BaSui01/fedrun/api"
	"github.com/BaSui01/fedrun/internal/auth"
	"github.com/BaSui01/fedrun/internal/filestore"
	"github.com/BaSui01/fedrun/types"
)

// Header names of the file-storage protocol.
const (
	HeaderAccessToken   = "x-access-token"
	HeaderContentSHA256 = "x-content-sha256"
)

// multipart parts above this size spill to disk
const multipartMemory = 32 << 20

// TokenVerifier validates file-storage credentials.
type TokenVerifier interface {
	Verify(token string) (*auth.Claims, error)
}

// FileHandler serves run kits and result archives.
type FileHandler struct {
	store     *filestore.Service
	verifier  TokenVerifier
	maxUpload int64
	logger    *zap.Logger
}

func NewFileHandler(store *filestore.Service, verifier TokenVerifier, maxUpload int64, logger *zap.Logger) *FileHandler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &FileHandler{
		store:     store,
		verifier:  verifier,
		maxUpload: maxUpload,
		logger:    logger.With(zap.String("handler", "files")),
	}
}

func (h *FileHandler) Register(mux *http.ServeMux) {
	mux.HandleFunc("POST /upload/{consortiumId}/{runId}", h.HandleUpload)
	mux.HandleFunc("GET /download/{consortiumId}/{runId}/{userId}", h.HandleDownload)
	mux.HandleFunc("POST /download/{consortiumId}/{runId}/{userId}", h.HandleDownload)
	mux.HandleFunc("POST /upload_results/{consortiumId}/{runId}", h.HandleUploadResults)
	mux.HandleFunc("GET /download_results/{consortiumId}/{runId}", h.HandleDownloadResults)
}

// HandleUpload stores a participant's run kit. Central credential only.
// Multipart fields: user_id, file.
func (h *FileHandler) HandleUpload(w http.ResponseWriter, r *http.Request) {
	claims, ok := h.authorize(w, r)
	if !ok {
		return
	}
	if !claims.Central {
		WriteError(w, types.NewError(types.ErrForbidden, "kit upload requires the central credential"), h.logger)
		return
	}

	if h.maxUpload > 0 {
		r.Body = http.MaxBytesReader(w, r.Body, h.maxUpload+multipartMemory)
	}
	if err := r.ParseMultipartForm(multipartMemory); err != nil {
		WriteError(w, types.NewError(types.ErrInvalidRequest, "expected multipart/form-data").WithCause(err), h.logger)
		return
	}
	defer r.MultipartForm.RemoveAll()

	userID := r.FormValue("user_id")
	file, _, err := r.FormFile("file")
	if err != nil {
		WriteError(w, types.NewError(types.ErrInvalidRequest, "missing file part").WithCause(err), h.logger)
		return
	}
	defer file.Close()

	key, err := filestore.KitKey(r.PathValue("consortiumId"), r.PathValue("runId"), userID)
	if err != nil {
		WriteError(w, types.NewError(types.ErrInvalidRequest, "invalid consortium, run or user id").WithCause(err), h.logger)
		return
	}
	h.put(w, r, key, file)
}

// HandleDownload streams one user's run kit. The credential must be central or
// bound to the same consortium, run and user.
func (h *FileHandler) HandleDownload(w http.ResponseWriter, r *http.Request) {
	claims, ok := h.authorize(w, r)
	if !ok {
		return
	}
	c, run, user := r.PathValue("consortiumId"), r.PathValue("runId"), r.PathValue("userId")
	if !claims.AllowsRun(c, run) || !claims.AllowsUser(user) {
		WriteError(w, types.NewError(types.ErrForbidden, "credential does not cover this kit"), h.logger)
		return
	}
	key, err := filestore.KitKey(c, run, user)
	if err != nil {
		WriteError(w, types.NewError(types.ErrInvalidRequest, "invalid consortium, run or user id").WithCause(err), h.logger)
		return
	}
	h.serve(w, r, key)
}

// HandleUploadResults stores the aggregate archive (central) or the caller's
// own results (participant credential for this run).
func (h *FileHandler) HandleUploadResults(w http.ResponseWriter, r *http.Request) {
	claims, ok := h.authorize(w, r)
	if !ok {
		return
	}
	c, run := r.PathValue("consortiumId"), r.PathValue("runId")
	if !claims.AllowsRun(c, run) {
		WriteError(w, types.NewError(types.ErrForbidden, "credential does not cover this run"), h.logger)
		return
	}

	var (
		key string
		err error
	)
	if claims.Central {
		key, err = filestore.ResultsKey(c, run)
	} else {
		key, err = filestore.MemberResultsKey(c, run, claims.UserID())
	}
	if err != nil {
		WriteError(w, types.NewError(types.ErrInvalidRequest, "invalid consortium or run id").WithCause(err), h.logger)
		return
	}

	body, cleanup, err := h.uploadBody(w, r)
	if err != nil {
		WriteError(w, types.NewError(types.ErrInvalidRequest, "unreadable upload").WithCause(err), h.logger)
		return
	}
	defer cleanup()
	h.put(w, r, key, body)
}

func (h *FileHandler) HandleDownloadResults(w http.ResponseWriter, r *http.Request) {
	claims, ok := h.authorize(w, r)
	if !ok {
		return
	}
	c, run := r.PathValue("consortiumId"), r.PathValue("runId")
	if !claims.AllowsRun(c, run) {
		WriteError(w, types.NewError(types.ErrForbidden, "credential does not cover this run"), h.logger)
		return
	}
	key, err := filestore.ResultsKey(c, run)
	if err != nil {
		WriteError(w, types.NewError(types.ErrInvalidRequest, "invalid consortium or run id").WithCause(err), h.logger)
		return
	}
	h.serve(w, r, key)
}

func (h *FileHandler) authorize(w http.ResponseWriter, r *http.Request) (*auth.Claims, bool) {
	token := auth.BearerToken(r.Header.Get(HeaderAccessToken), r.Header.Get("Authorization"))
	claims, err := h.verifier.Verify(token)
	if err != nil {
		WriteError(w, types.NewError(types.ErrUnauthorized, "invalid or missing access token").WithCause(err), h.logger)
		return nil, false
	}
	return claims, true
}

// uploadBody accepts either a multipart "file" part or a raw body.
func (h *FileHandler) uploadBody(w http.ResponseWriter, r *http.Request) (io.Reader, func(), error) {
	if h.maxUpload > 0 {
		r.Body = http.MaxBytesReader(w, r.Body, h.maxUpload+multipartMemory)
	}
	mt, _, _ := mime.ParseMediaType(r.Header.Get("Content-Type"))
	if mt != "multipart/form-data" {
		return r.Body, func() {}, nil
	}
	if err := r.ParseMultipartForm(multipartMemory); err != nil {
		return nil, nil, err
	}
	file, _, err := r.FormFile("file")
	if err != nil {
		r.MultipartForm.RemoveAll()
		return nil, nil, err
	}
	return file, func() {
		file.Close()
		r.MultipartForm.RemoveAll()
	}, nil
}

func (h *FileHandler) put(w http.ResponseWriter, r *http.Request, key string, body io.Reader) {
	info, err := h.store.Put(r.Context(), key, body, r.Header.Get(HeaderContentSHA256))
	if err != nil {
		h.writeStoreErr(w, err)
		return
	}
	WriteCreated(w, api.UploadResponse{Key: info.Key, Size: info.Size, SHA256: info.SHA256})
}

func (h *FileHandler) serve(w http.ResponseWriter, r *http.Request, key string) {
	rc, info, err := h.store.Open(r.Context(), key)
	if err != nil {
		h.writeStoreErr(w, err)
		return
	}
	defer rc.Close()

	w.Header().Set("Content-Type", "application/gzip")
	w.Header().Set("Content-Length", strconv.FormatInt(info.Size, 10))
	if info.SHA256 != "" {
		w.Header().Set(HeaderContentSHA256, info.SHA256)
	}
	w.WriteHeader(http.StatusOK)
	if _, err := io.Copy(w, rc); err != nil {
		h.logger.Warn("download interrupted", zap.String("key", key), zap.Error(err))
	}
}

func (h *FileHandler) writeStoreErr(w http.ResponseWriter, err error) {
	var tooLarge *http.MaxBytesError
	switch {
	case errors.Is(err, filestore.ErrTooLarge) || errors.As(err, &tooLarge):
		WriteErrorMessage(w, http.StatusRequestEntityTooLarge, types.ErrInvalidRequest, "upload too large", h.logger)
	case errors.Is(err, filestore.ErrObjectNotFound):
		WriteError(w, types.NewError(types.ErrNotFound, "archive not found"), h.logger)
	case errors.Is(err, filestore.ErrEmptyUpload):
		WriteError(w, types.NewError(types.ErrInvalidRequest, "zero-byte upload rejected"), h.logger)
	case errors.Is(err, filestore.ErrDigestMismatch):
		WriteError(w, types.NewError(types.ErrInvalidRequest, "sha256 mismatch").WithCause(err), h.logger)
	case errors.Is(err, filestore.ErrInvalidKey):
		WriteError(w, types.NewError(types.ErrInvalidRequest, "invalid object key").WithCause(err), h.logger)
	default:
		WriteError(w, types.NewError(types.ErrInternalError, "storage failure").WithCause(err), h.logger)
	}
}
