package http

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"strconv"
	"time"
	"unicode/utf8"

	"github.com/devgodzilla/devgodzilla/internal/domain/artifact"
	"github.com/devgodzilla/devgodzilla/internal/domain/job"
)

// Log reads default to a 64 KiB tail; a client may widen the window up to
// maxLogBytes per request.
const (
	defaultLogBytes = 64 * 1024
	maxLogBytes     = 2_000_000
)

func (h *Handlers) handleListRuns(w http.ResponseWriter, r *http.Request) {
	protocolRunID, err := queryInt64(r, "protocol_run_id")
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	f := job.ListFilter{
		JobType:       r.URL.Query().Get("job_type"),
		Status:        job.Status(r.URL.Query().Get("status")),
		ProtocolRunID: protocolRunID,
		Limit:         queryInt(r, "limit", 50),
	}
	runs, err := h.Orchestrator.ListJobRuns(r.Context(), f)
	if err != nil {
		writeDomainError(w, err, "failed to list job runs")
		return
	}
	if runs == nil {
		runs = []job.JobRun{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"job_runs": runs})
}

func (h *Handlers) handleGetRun(w http.ResponseWriter, r *http.Request) {
	jr, ok := h.loadRun(w, r)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, jr)
}

// handleRunLogs serves the tail of the run's log file as plain text. The
// X-Log-Size and X-Log-Offset headers let a client page backwards or resume
// a stream from where the tail ended.
func (h *Handlers) handleRunLogs(w http.ResponseWriter, r *http.Request) {
	jr, ok := h.loadRun(w, r)
	if !ok {
		return
	}
	if jr.LogPath == "" {
		writeError(w, http.StatusNotFound, "no log recorded for run")
		return
	}

	window := queryInt(r, "max_bytes", defaultLogBytes)
	if window <= 0 {
		window = defaultLogBytes
	}
	if window > maxLogBytes {
		window = maxLogBytes
	}

	f, err := os.Open(jr.LogPath)
	if err != nil {
		if os.IsNotExist(err) {
			writeError(w, http.StatusNotFound, "log file missing")
			return
		}
		writeError(w, http.StatusInternalServerError, "failed to open log")
		return
	}
	defer f.Close()

	st, err := f.Stat()
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to stat log")
		return
	}
	size := st.Size()
	offset := size - int64(window)
	if offset < 0 {
		offset = 0
	}
	if _, err := f.Seek(offset, io.SeekStart); err != nil {
		writeError(w, http.StatusInternalServerError, "failed to seek log")
		return
	}

	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.Header().Set("X-Log-Size", strconv.FormatInt(size, 10))
	w.Header().Set("X-Log-Offset", strconv.FormatInt(offset, 10))
	w.WriteHeader(http.StatusOK)
	_, _ = io.CopyN(w, f, size-offset)
}

// handleRunLogStream tails the run's log file over SSE. Each log event
// carries a chunk and its starting offset; the event id is the offset after
// the chunk, so Last-Event-ID resumes byte-exact. The stream ends with an
// "end" event once the job is terminal and the file is drained.
func (h *Handlers) handleRunLogStream(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, http.StatusInternalServerError, "streaming unsupported")
		return
	}
	jr, ok := h.loadRun(w, r)
	if !ok {
		return
	}
	if jr.LogPath == "" {
		writeError(w, http.StatusNotFound, "no log recorded for run")
		return
	}

	offset, ok := resumeOffset(w, r)
	if !ok {
		return
	}

	chunkSize := h.EventsConfig.LogChunkSize
	if chunkSize <= 0 {
		chunkSize = defaultLogBytes
	}

	writeSSEHeaders(w)
	fmt.Fprintf(w, "event: connected\ndata: {\"offset\":%d}\n\n", offset)
	flusher.Flush()

	poll, heartbeat := h.streamIntervals()
	ticker := time.NewTicker(poll)
	defer ticker.Stop()
	beat := time.NewTimer(heartbeat)
	defer beat.Stop()

	buf := make([]byte, chunkSize)
	ctx := r.Context()
	for {
		select {
		case <-ctx.Done():
			return
		case <-beat.C:
			fmt.Fprint(w, ": heartbeat\n\n")
			flusher.Flush()
			beat.Reset(heartbeat)
		case <-ticker.C:
			next, wrote, err := copyLogChunks(w, jr.LogPath, offset, buf)
			if err != nil {
				return
			}
			offset = next
			if wrote {
				flusher.Flush()
				// Fresh chunks count as liveness; the heartbeat only
				// covers idle stretches.
				beat.Reset(heartbeat)
				continue
			}
			// Nothing new. Close the stream once the job can no
			// longer produce output.
			cur, err := h.Orchestrator.GetJobRun(ctx, jr.RunID)
			if err == nil && cur.Status.IsTerminal() {
				fmt.Fprintf(w, "event: end\ndata: {\"status\":%q}\n\n", cur.Status)
				flusher.Flush()
				return
			}
		}
	}
}

// copyLogChunks writes every chunk between offset and the file's current
// size, returning the new offset. A file shorter than the offset means the
// writer restarted it; the stream replays from the top after announcing the
// truncation.
func copyLogChunks(w io.Writer, path string, offset int64, buf []byte) (int64, bool, error) {
	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			// The executor has not opened the file yet.
			return offset, false, nil
		}
		return offset, false, err
	}
	defer f.Close()

	st, err := f.Stat()
	if err != nil {
		return offset, false, err
	}

	wrote := false
	if st.Size() < offset {
		offset = 0
		if _, err := fmt.Fprint(w, "event: truncated\ndata: {\"offset\":0}\n\n"); err != nil {
			return offset, false, err
		}
		wrote = true
	}

	for offset < st.Size() {
		n, readErr := f.ReadAt(buf, offset)
		// A chunk boundary (or the writer's last flush) can land inside
		// a multi-byte rune; held-back bytes lead the next chunk once
		// the rune is whole, so the JSON payload never mangles them.
		n -= partialRuneTail(buf[:n])
		if n <= 0 {
			break
		}
		payload, err := json.Marshal(map[string]any{
			"offset": offset,
			"data":   string(buf[:n]),
		})
		if err != nil {
			return offset, wrote, err
		}
		if _, err := fmt.Fprintf(w, "id: %d\nevent: log\ndata: %s\n\n", offset+int64(n), payload); err != nil {
			return offset, wrote, err
		}
		offset += int64(n)
		wrote = true
		if readErr != nil {
			break
		}
	}
	return offset, wrote, nil
}

// partialRuneTail returns how many trailing bytes of b start a UTF-8
// sequence the chunk cut short. Invalid leader bytes are not held back, so
// binary logs still make progress.
func partialRuneTail(b []byte) int {
	for i := 1; i <= utf8.UTFMax && i <= len(b); i++ {
		c := b[len(b)-i]
		if !utf8.RuneStart(c) {
			continue
		}
		var need int
		switch {
		case c < utf8.RuneSelf:
			need = 1
		case c&0xE0 == 0xC0:
			need = 2
		case c&0xF0 == 0xE0:
			need = 3
		case c&0xF8 == 0xF0:
			need = 4
		default:
			return 0
		}
		if need > i {
			return i
		}
		return 0
	}
	return 0
}

// resumeOffset returns the byte offset the log stream should start from:
// since_bytes query first, then the Last-Event-ID header, else zero.
func resumeOffset(w http.ResponseWriter, r *http.Request) (int64, bool) {
	raw := r.URL.Query().Get("since_bytes")
	if raw == "" {
		raw = r.Header.Get("Last-Event-ID")
	}
	if raw == "" {
		return 0, true
	}
	offset, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || offset < 0 {
		writeError(w, http.StatusBadRequest, "invalid since_bytes")
		return 0, false
	}
	return offset, true
}

func (h *Handlers) handleListRunArtifacts(w http.ResponseWriter, r *http.Request) {
	jr, ok := h.loadRun(w, r)
	if !ok {
		return
	}
	artifacts, err := h.Orchestrator.ListRunArtifacts(r.Context(), jr.RunID)
	if err != nil {
		writeDomainError(w, err, "failed to list artifacts")
		return
	}
	if artifacts == nil {
		artifacts = []artifact.Artifact{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"artifacts": artifacts})
}

func (h *Handlers) handleRunArtifactContent(w http.ResponseWriter, r *http.Request) {
	jr, ok := h.loadRun(w, r)
	if !ok {
		return
	}
	name := urlParam(r, "name")
	if !sanitizeName(name) {
		writeError(w, http.StatusBadRequest, "invalid artifact name")
		return
	}

	a, err := h.Orchestrator.GetRunArtifact(r.Context(), jr.RunID, name)
	if err != nil {
		writeDomainError(w, err, "artifact not found")
		return
	}

	f, err := os.Open(a.Path)
	if err != nil {
		if os.IsNotExist(err) {
			writeError(w, http.StatusNotFound, "artifact file missing")
			return
		}
		writeError(w, http.StatusInternalServerError, "failed to open artifact")
		return
	}
	defer f.Close()

	st, err := f.Stat()
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to stat artifact")
		return
	}

	w.Header().Set("Content-Type", artifactContentType(a.Kind))
	w.Header().Set("Content-Length", strconv.FormatInt(st.Size(), 10))
	w.WriteHeader(http.StatusOK)
	_, _ = io.Copy(w, f)
}

// artifactContentType maps artifact kinds to media types. Everything textual
// is served as plain text so a browser never interprets agent output.
func artifactContentType(kind artifact.Kind) string {
	if kind == artifact.KindJSON {
		return "application/json"
	}
	return "text/plain; charset=utf-8"
}

// loadRun resolves the {id} route parameter to a job run.
func (h *Handlers) loadRun(w http.ResponseWriter, r *http.Request) (*job.JobRun, bool) {
	runID := urlParam(r, "id")
	if runID == "" {
		writeError(w, http.StatusBadRequest, "invalid run id")
		return nil, false
	}
	jr, err := h.Orchestrator.GetJobRun(r.Context(), runID)
	if err != nil {
		writeDomainError(w, err, "job run not found")
		return nil, false
	}
	return jr, true
}
