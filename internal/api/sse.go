package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/package-audit/pkgaudit/internal/app"
	"github.com/package-audit/pkgaudit/pkg/errclass"
	"github.com/package-audit/pkgaudit/pkg/pathutil"
)

// Event names of the streaming uninstall.
const (
	EventStart    = "start"
	EventLog      = "log"
	EventSnapshot = "snapshot"
	EventComplete = "complete"
	EventError    = "error"
)

// StreamError is the data of an error event. Status is the code the plain
// endpoint would have answered with.
type StreamError struct {
	Status int `json:"status"`
	ErrorResponse
}

// sseWriter writes Server-Sent Events and flushes after each one.
type sseWriter struct {
	mu      sync.Mutex
	w       http.ResponseWriter
	flusher http.Flusher
}

func newSSEWriter(w http.ResponseWriter) (*sseWriter, error) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		return nil, errors.New("response writer does not support flushing")
	}
	return &sseWriter{w: w, flusher: flusher}, nil
}

func setSSEHeaders(w http.ResponseWriter) {
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
}

func (w *sseWriter) write(event string, data any) error {
	payload, err := json.Marshal(data)
	if err != nil {
		return fmt.Errorf("marshal %s event: %w", event, err)
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	if _, err := fmt.Fprintf(w.w, "event: %s\ndata: %s\n\n", event, payload); err != nil {
		return err
	}
	w.flusher.Flush()
	return nil
}

// streamUninstall serves GET /streaming/:id/packages/<name>/uninstall. The
// package name may contain a slash (@scope/pkg), so the tail is one
// wildcard whose last segment must be "uninstall". Once the stream has
// started every failure, a held lock included, is an error event; the HTTP
// status stays 200.
func (s *Server) streamUninstall(c *gin.Context) {
	rest := strings.TrimPrefix(c.Param("path"), "/")
	name, ok := strings.CutSuffix(rest, "/uninstall")
	if !ok || name == "" {
		s.abortWithError(c, errclass.ErrNotFound.WithMessage("streaming route must end in /uninstall"))
		return
	}
	force, err := boolQuery(c, "force")
	if err != nil {
		s.abortWithError(c, err)
		return
	}

	stream, err := newSSEWriter(c.Writer)
	if err != nil {
		s.abortWithError(c, err)
		return
	}
	setSSEHeaders(c.Writer)
	c.Status(http.StatusOK)

	fields := map[string]any{"request_id": c.GetString(requestIDKey)}
	send := func(event string, data any) {
		if err := stream.write(event, data); err != nil {
			s.log.Debug("stream write failed", map[string]any{"event": event, "error": err.Error(), "request_id": fields["request_id"]})
		}
	}

	managerID := c.Param("id")
	send(EventStart, gin.H{"status": "starting", "timestamp": time.Now().UTC()})
	send(EventLog, gin.H{"message": "Validating manager: " + pathutil.SafeDisplay(managerID)})

	report, err := s.rt.Uninstall(c.Request.Context(), managerID, name, app.UninstallOptions{
		Force: force,
		OnStage: func(st app.Stage) {
			if st.Kind == app.StageSnapshot {
				send(EventSnapshot, gin.H{"snapshot_id": st.SnapshotID})
				return
			}
			send(EventLog, gin.H{"message": st.Message})
		},
	})
	if err != nil {
		status, body := classify(err)
		if status >= http.StatusInternalServerError {
			s.log.ErrorErr("streaming uninstall failed", err, fields)
		}
		send(EventError, StreamError{Status: status, ErrorResponse: body})
		return
	}

	result := "completed"
	if !report.Success {
		result = "failed"
	}
	send(EventComplete, gin.H{"status": result, "timestamp": time.Now().UTC(), "report": report})
}
