package api

import (
	"context"
	"errors"
	"fmt"
	"io"
	"mime"
	"net/http"
	"path/filepath"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/hlog"

	"github.com/snarg/transcript-engine/internal/align"
	"github.com/snarg/transcript-engine/internal/export"
	"github.com/snarg/transcript-engine/internal/jobs"
	"github.com/snarg/transcript-engine/internal/pipeline"
	"github.com/snarg/transcript-engine/internal/summarize"
)

// Pipeline is the part of the orchestrator the API drives.
type Pipeline interface {
	Submit(ctx context.Context, up pipeline.Upload) (*jobs.Job, bool, error)
	StartStage(ctx context.Context, id string, stage jobs.Stage) (*jobs.Job, bool, error)
	Delete(ctx context.Context, id string) error
}

// Summaries serves cached or freshly generated transcript summaries.
type Summaries interface {
	GetOrGenerate(ctx context.Context, jobID string, p summarize.Prompt) (*summarize.Summary, bool, error)
	Current(ctx context.Context, job *jobs.Job) *summarize.Summary
}

type JobsHandler struct {
	pipe      Pipeline
	store     jobs.Store
	editor    *jobs.Editor
	summaries Summaries
	maxUpload int64
	log       zerolog.Logger
}

func NewJobsHandler(pipe Pipeline, store jobs.Store, editor *jobs.Editor, summaries Summaries, maxUploadBytes int64, log zerolog.Logger) *JobsHandler {
	return &JobsHandler{
		pipe:      pipe,
		store:     store,
		editor:    editor,
		summaries: summaries,
		maxUpload: maxUploadBytes,
		log:       log.With().Str("handler", "jobs").Logger(),
	}
}

// Routes registers job routes on the given router.
func (h *JobsHandler) Routes(r chi.Router) {
	r.Route("/jobs", func(r chi.Router) {
		r.Post("/", h.CreateJob)
		r.Get("/", h.ListJobs)
		r.Route("/{id}", func(r chi.Router) {
			r.Get("/", h.GetJob)
			r.Delete("/", h.DeleteJob)
			r.Get("/status", h.GetStatus)
			r.Post("/stages/{stage}", h.StartStage)
			r.Get("/transcript", h.GetTranscript)
			r.Post("/speakers/rename", h.RenameSpeaker)
			r.Patch("/segments/{index}", h.EditSegment)
			r.Post("/summary", h.Summary)
			r.Get("/export.md", h.ExportMarkdown)
		})
	})
}

// JobResponse is a job's metadata plus its derived status. Payloads are
// served by the transcript endpoint.
type JobResponse struct {
	ID           string     `json:"id"`
	Fingerprint  string     `json:"content_fingerprint"`
	Filename     string     `json:"filename,omitempty"`
	Model        string     `json:"model,omitempty"`
	SizeBytes    int64      `json:"size_bytes"`
	State        jobs.State `json:"workflow_state"`
	StepProgress int        `json:"current_step_progress"`
	Progress     int        `json:"progress"`
	ErrorMessage string     `json:"error_message,omitempty"`
	CreatedAt    time.Time  `json:"created_at"`
	UpdatedAt    time.Time  `json:"updated_at"`
}

func jobResponse(j *jobs.Job) JobResponse {
	st := jobs.StatusOf(j)
	return JobResponse{
		ID:           j.ID,
		Fingerprint:  j.Fingerprint,
		Filename:     j.Filename,
		Model:        j.Model,
		SizeBytes:    j.SizeBytes,
		State:        j.State,
		StepProgress: j.StepProgress,
		Progress:     st.Progress,
		ErrorMessage: j.ErrorMessage,
		CreatedAt:    j.CreatedAt,
		UpdatedAt:    j.UpdatedAt,
	}
}

// CreateJob handles POST /api/v1/jobs. The audio is sent as the multipart
// field "file"; "model" optionally names the transcription model.
// Re-uploading identical audio returns the existing job with 200.
func (h *JobsHandler) CreateJob(w http.ResponseWriter, r *http.Request) {
	if h.maxUpload > 0 {
		if r.ContentLength > h.maxUpload {
			WriteErrorWithCode(w, http.StatusRequestEntityTooLarge, ErrTooLarge,
				fmt.Sprintf("upload exceeds %d MB", h.maxUpload>>20))
			return
		}
		r.Body = http.MaxBytesReader(w, r.Body, h.maxUpload)
	}
	mediaType, _, _ := mime.ParseMediaType(r.Header.Get("Content-Type"))
	if mediaType != "multipart/form-data" {
		WriteErrorWithCode(w, http.StatusUnsupportedMediaType, ErrBadRequest, "expected multipart/form-data with a \"file\" field")
		return
	}
	if err := r.ParseMultipartForm(32 << 20); err != nil {
		var mbe *http.MaxBytesError
		if errors.As(err, &mbe) {
			WriteErrorWithCode(w, http.StatusRequestEntityTooLarge, ErrTooLarge,
				fmt.Sprintf("upload exceeds %d MB", h.maxUpload>>20))
			return
		}
		WriteErrorWithCode(w, http.StatusBadRequest, ErrInvalidBody, "invalid multipart form: "+err.Error())
		return
	}
	defer r.MultipartForm.RemoveAll()

	file, header, err := r.FormFile("file")
	if err != nil {
		WriteErrorWithCode(w, http.StatusBadRequest, ErrInvalidBody, "missing \"file\" field")
		return
	}
	defer file.Close()

	data, err := io.ReadAll(file)
	if err != nil {
		WriteErrorWithCode(w, http.StatusBadRequest, ErrInvalidBody, "failed to read upload: "+err.Error())
		return
	}
	if len(data) == 0 {
		WriteErrorWithCode(w, http.StatusBadRequest, ErrInvalidBody, "uploaded file is empty")
		return
	}

	job, existing, err := h.pipe.Submit(r.Context(), pipeline.Upload{
		Filename: filepath.Base(header.Filename),
		Data:     data,
		Model:    r.FormValue("model"),
	})
	if err != nil {
		h.fail(w, r, err, "submit job")
		return
	}

	status := http.StatusCreated
	if existing {
		status = http.StatusOK
	}
	w.Header().Set("Location", "/api/v1/jobs/"+job.ID)
	WriteJSON(w, status, map[string]any{
		"job":      jobResponse(job),
		"existing": existing,
	})
}

// ListJobs handles GET /api/v1/jobs, newest first.
func (h *JobsHandler) ListJobs(w http.ResponseWriter, r *http.Request) {
	p, err := ParsePagination(r)
	if err != nil {
		WriteErrorWithCode(w, http.StatusBadRequest, ErrBadRequest, err.Error())
		return
	}
	f := jobs.ListFilter{Limit: p.Limit, Offset: p.Offset}
	if v, ok := QueryString(r, "state"); ok {
		if f.State, err = jobs.ParseState(v); err != nil {
			WriteErrorWithCode(w, http.StatusBadRequest, ErrBadRequest, err.Error())
			return
		}
	}

	list, total, err := h.store.List(r.Context(), f)
	if err != nil {
		h.fail(w, r, err, "list jobs")
		return
	}
	out := make([]JobResponse, len(list))
	for i := range list {
		out[i] = jobResponse(&list[i])
	}
	WriteJSON(w, http.StatusOK, map[string]any{
		"jobs":   out,
		"total":  total,
		"limit":  p.Limit,
		"offset": p.Offset,
	})
}

func (h *JobsHandler) GetJob(w http.ResponseWriter, r *http.Request) {
	job, err := h.store.Get(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		h.fail(w, r, err, "get job")
		return
	}
	WriteJSON(w, http.StatusOK, jobResponse(job))
}

// GetStatus handles GET /api/v1/jobs/{id}/status, the endpoint clients poll.
func (h *JobsHandler) GetStatus(w http.ResponseWriter, r *http.Request) {
	job, err := h.store.Get(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		h.fail(w, r, err, "get status")
		return
	}
	WriteJSON(w, http.StatusOK, jobs.StatusOf(job))
}

// StartStage handles POST /api/v1/jobs/{id}/stages/{stage}. Starting a
// stage that is already running or done is a no-op and still answers 202.
func (h *JobsHandler) StartStage(w http.ResponseWriter, r *http.Request) {
	stage, err := jobs.ParseStage(chi.URLParam(r, "stage"))
	if err != nil {
		WriteErrorWithCode(w, http.StatusBadRequest, ErrBadRequest, err.Error())
		return
	}
	job, started, err := h.pipe.StartStage(r.Context(), chi.URLParam(r, "id"), stage)
	if err != nil {
		h.fail(w, r, err, "start stage")
		return
	}
	WriteJSON(w, http.StatusAccepted, map[string]any{
		"job_id":  job.ID,
		"stage":   stage,
		"started": started,
		"status":  jobs.StatusOf(job),
	})
}

type transcriptResponse struct {
	JobID    string                 `json:"job_id"`
	Speakers []string               `json:"speakers"`
	Segments []align.AlignedSegment `json:"segments"`
}

func newTranscriptResponse(j *jobs.Job) transcriptResponse {
	segs := j.Transcript
	if segs == nil {
		segs = []align.AlignedSegment{}
	}
	speakers := export.Speakers(segs)
	if speakers == nil {
		speakers = []string{}
	}
	return transcriptResponse{JobID: j.ID, Speakers: speakers, Segments: segs}
}

// GetTranscript handles GET /api/v1/jobs/{id}/transcript. Answers 409
// until the job has completed.
func (h *JobsHandler) GetTranscript(w http.ResponseWriter, r *http.Request) {
	job, err := h.completedJob(r)
	if err != nil {
		h.fail(w, r, err, "get transcript")
		return
	}
	WriteJSON(w, http.StatusOK, newTranscriptResponse(job))
}

type renameRequest struct {
	Old string `json:"old" validate:"required,max=200"`
	New string `json:"new" validate:"required,max=200"`
}

// RenameSpeaker handles POST /api/v1/jobs/{id}/speakers/rename.
func (h *JobsHandler) RenameSpeaker(w http.ResponseWriter, r *http.Request) {
	var req renameRequest
	if err := DecodeJSON(r, &req, false); err != nil {
		writeDecodeError(w, err)
		return
	}
	job, changed, err := h.editor.RenameSpeaker(r.Context(), chi.URLParam(r, "id"), req.Old, req.New)
	if err != nil {
		h.fail(w, r, err, "rename speaker")
		return
	}
	WriteJSON(w, http.StatusOK, map[string]any{
		"changed":    changed,
		"transcript": newTranscriptResponse(job),
	})
}

type segmentEditRequest struct {
	Text *string `json:"text" validate:"required"`
}

// EditSegment handles PATCH /api/v1/jobs/{id}/segments/{index}.
func (h *JobsHandler) EditSegment(w http.ResponseWriter, r *http.Request) {
	index, err := PathInt(r, "index")
	if err != nil {
		WriteErrorWithCode(w, http.StatusBadRequest, ErrBadRequest, "invalid segment index")
		return
	}
	var req segmentEditRequest
	if err := DecodeJSON(r, &req, false); err != nil {
		writeDecodeError(w, err)
		return
	}
	job, err := h.editor.EditSegmentText(r.Context(), chi.URLParam(r, "id"), index, *req.Text)
	if err != nil {
		h.fail(w, r, err, "edit segment")
		return
	}
	WriteJSON(w, http.StatusOK, newTranscriptResponse(job))
}

type summaryRequest struct {
	Prompt       string `json:"prompt" validate:"max=8000"`
	SystemPrompt string `json:"system_prompt" validate:"max=8000"`
}

// Summary handles POST /api/v1/jobs/{id}/summary. A body is optional;
// without one the default prompts are used.
func (h *JobsHandler) Summary(w http.ResponseWriter, r *http.Request) {
	var req summaryRequest
	if err := DecodeJSON(r, &req, true); err != nil {
		writeDecodeError(w, err)
		return
	}
	sum, cached, err := h.summaries.GetOrGenerate(r.Context(), chi.URLParam(r, "id"), summarize.Prompt{
		Prompt:       req.Prompt,
		SystemPrompt: req.SystemPrompt,
	})
	if err != nil {
		h.fail(w, r, err, "summarize")
		return
	}
	WriteJSON(w, http.StatusOK, map[string]any{
		"summary": sum,
		"cached":  cached,
	})
}

// DeleteJob handles DELETE /api/v1/jobs/{id}.
func (h *JobsHandler) DeleteJob(w http.ResponseWriter, r *http.Request) {
	if err := h.pipe.Delete(r.Context(), chi.URLParam(r, "id")); err != nil {
		h.fail(w, r, err, "delete job")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// ExportMarkdown handles GET /api/v1/jobs/{id}/export.md. The cached
// summary is included when it matches the current transcript.
// ?timestamps=false drops the segment times.
func (h *JobsHandler) ExportMarkdown(w http.ResponseWriter, r *http.Request) {
	job, err := h.completedJob(r)
	if err != nil {
		h.fail(w, r, err, "export")
		return
	}
	timestamps := true
	if v, ok := QueryBool(r, "timestamps"); ok {
		timestamps = v
	}
	var sum *summarize.Summary
	if h.summaries != nil {
		sum = h.summaries.Current(r.Context(), job)
	}
	doc := export.Markdown(job, sum, export.Options{
		Timestamps: timestamps,
		Generated:  time.Now(),
	})

	w.Header().Set("Content-Type", "text/markdown; charset=utf-8")
	w.Header().Set("Content-Disposition", mime.FormatMediaType("attachment", map[string]string{
		"filename": export.Filename(job),
	}))
	w.WriteHeader(http.StatusOK)
	io.WriteString(w, doc)
}

func (h *JobsHandler) completedJob(r *http.Request) (*jobs.Job, error) {
	job, err := h.store.Get(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		return nil, err
	}
	if job.State != jobs.StateCompleted {
		return nil, fmt.Errorf("%w: job is %s", jobs.ErrNotCompleted, job.State)
	}
	return job, nil
}

// fail logs unexpected errors and writes the mapped response.
func (h *JobsHandler) fail(w http.ResponseWriter, r *http.Request, err error, op string) {
	if !isExpected(err) {
		hlog.FromRequest(r).Error().Err(err).Str("op", op).Str("job_id", chi.URLParam(r, "id")).Msg("request failed")
	}
	writeJobError(w, err)
}

func isExpected(err error) bool {
	for _, target := range []error{
		jobs.ErrNotFound, jobs.ErrNotCompleted, jobs.ErrStateConflict, jobs.ErrInvalidTransition,
		jobs.ErrInvalidEdit, pipeline.ErrStageNotReady, pipeline.ErrQueueFull, pipeline.ErrStopped,
	} {
		if errors.Is(err, target) {
			return true
		}
	}
	return false
}
