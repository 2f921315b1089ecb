package bridge

import (
	"errors"
	"io"
	"net/http"
	"strconv"
	"strings"

	"github.com/gin-gonic/gin"

	"socialscope/capture"
	"socialscope/checkin"
	"socialscope/ingest"
	"socialscope/scheduler"
	"socialscope/spooler"
)

// defaultMaxBody bounds request bodies; screenshots are the largest payloads.
const defaultMaxBody = 32 << 20

func (h *handler) ingestEvent(c *gin.Context) {
	raw, err := io.ReadAll(c.Request.Body)
	if err != nil {
		badBody(c, err, "unreadable body")
		return
	}
	ev, err := h.Ingest.Ingest(c.Request.Context(), c.Param("pid"), raw)
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusAccepted, gin.H{
		"id":        ev.ID,
		"sessionId": ev.SessionID,
		"type":      ev.EventType,
	})
}

// capture accepts the artifact as a multipart "file" field, as the raw
// request body, or as a "path" naming a file the native capturer left in the
// inbox dir. Metadata comes from form or query values.
func (h *handler) capture(c *gin.Context) {
	var content []byte
	if strings.HasPrefix(c.ContentType(), "multipart/") {
		fh, err := c.FormFile("file")
		if err != nil {
			badBody(c, err, "invalid file")
			return
		}
		f, err := fh.Open()
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid file"})
			return
		}
		defer f.Close()
		if content, err = io.ReadAll(f); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid file"})
			return
		}
	} else {
		var err error
		if content, err = io.ReadAll(c.Request.Body); err != nil {
			badBody(c, err, "unreadable body")
			return
		}
	}
	source := ""
	if len(content) == 0 {
		source = strings.TrimSpace(value(c, "path"))
	}
	if len(content) == 0 && source == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "empty capture"})
		return
	}

	cand := capture.Candidate{
		ParticipantID: c.Param("pid"),
		Kind:          c.Param("kind"),
		Platform:      value(c, "platform"),
		URL:           value(c, "url"),
		Content:       content,
		SourcePath:    source,
		Width:         intValue(c, "width"),
		Height:        intValue(c, "height"),
		Trigger:       value(c, "trigger"),
	}
	d, err := h.Capture.Capture(c.Request.Context(), cand)
	if err != nil {
		h.writeError(c, err)
		return
	}
	out := gin.H{
		"stream":      d.Stream,
		"throttled":   d.Throttled,
		"changed":     d.Changed,
		"contentHash": d.ContentHash,
		"decisionId":  d.DecisionID,
	}
	if d.SnapshotID != "" {
		out["snapshotId"] = d.SnapshotID
	}
	if d.Event != nil {
		out["eventId"] = d.Event.ID
	}
	c.JSON(http.StatusOK, out)
}

func (h *handler) endSession(c *gin.Context) {
	sess, err := h.Ingest.EndSession(c.Request.Context(), c.Param("pid"))
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"id":         sess.ID,
		"startedAt":  sess.StartedAt,
		"endedAt":    sess.EndedAt,
		"eventCount": sess.EventCount,
	})
}

func (h *handler) syncNow(c *gin.Context) {
	st, err := h.Sync.SyncNow(c.Request.Context())
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, st)
}

func (h *handler) syncStatus(c *gin.Context) {
	out := gin.H{}
	if st, ok := h.Sync.Latest(); ok {
		out["latest"] = st
	}
	if h.Pending != nil {
		counts, err := h.Pending.PendingCounts()
		if err != nil {
			h.writeError(c, err)
			return
		}
		out["pending"] = counts
	}
	c.JSON(http.StatusOK, out)
}

type beginBody struct {
	SessionID     string `json:"sessionId"`
	SelfInitiated bool   `json:"selfInitiated"`
}

func (h *handler) beginCheckin(c *gin.Context) {
	if h.Checkins == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "check-ins not configured"})
		return
	}
	var body beginBody
	if c.Request.ContentLength != 0 {
		if err := c.ShouldBindJSON(&body); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid json body"})
			return
		}
	}
	pid := c.Param("pid")
	if body.SessionID == "" {
		sess, err := h.Ingest.CurrentSession(c.Request.Context(), pid)
		if err != nil {
			h.writeError(c, err)
			return
		}
		body.SessionID = sess.ID
	}
	f, err := h.Checkins.Begin(c.Request.Context(), pid, body.SessionID, body.SelfInitiated)
	if err != nil {
		h.writeError(c, err)
		return
	}
	h.Flows.Put(f)
	c.JSON(http.StatusCreated, flowView(f))
}

func (h *handler) getCheckin(c *gin.Context) {
	f, ok := h.flow(c)
	if !ok {
		return
	}
	c.JSON(http.StatusOK, flowView(f))
}

type answerBody struct {
	QuestionID string `json:"questionId" binding:"required"`
	Value      string `json:"value"`
}

func (h *handler) answer(c *gin.Context) {
	f, ok := h.flow(c)
	if !ok {
		return
	}
	var body answerBody
	if err := c.ShouldBindJSON(&body); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid json body"})
		return
	}
	if _, err := f.Answer(c.Request.Context(), body.QuestionID, body.Value); err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, flowView(f))
}

type safetyBody struct {
	Answer *bool `json:"answer" binding:"required"`
}

func (h *handler) answerSafety(c *gin.Context) {
	f, ok := h.flow(c)
	if !ok {
		return
	}
	var body safetyBody
	if err := c.ShouldBindJSON(&body); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid json body"})
		return
	}
	if _, err := f.AnswerSafety(c.Request.Context(), *body.Answer); err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, flowView(f))
}

func (h *handler) leaveResources(c *gin.Context) {
	f, ok := h.flow(c)
	if !ok {
		return
	}
	if _, err := f.LeaveResources(c.Request.Context()); err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, flowView(f))
}

func (h *handler) flow(c *gin.Context) (*checkin.Flow, bool) {
	f, ok := h.Flows.Get(c.Param("id"))
	if !ok {
		c.JSON(http.StatusNotFound, gin.H{"error": "check-in not found"})
		return nil, false
	}
	return f, true
}

func flowView(f *checkin.Flow) gin.H {
	out := f.Outcome()
	view := gin.H{
		"id":    f.ID,
		"state": f.State(),
	}
	if out.Completed {
		view["responseId"] = out.ResponseID
		view["requiresPostResources"] = out.RequiresPostResources
	}
	return view
}

func (h *handler) writeError(c *gin.Context, err error) {
	var verr *checkin.ValidationError
	switch {
	case errors.As(err, &verr):
		c.JSON(http.StatusUnprocessableEntity, gin.H{"error": verr.Reason, "questionId": verr.QuestionID})
	case errors.Is(err, checkin.ErrUnknownQuestion):
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
	case errors.Is(err, scheduler.ErrCycleInFlight),
		errors.Is(err, checkin.ErrSafetyPending),
		errors.Is(err, checkin.ErrFlowCompleted),
		errors.Is(err, checkin.ErrHiddenQuestion),
		errors.Is(err, checkin.ErrInvalidState),
		errors.Is(err, checkin.ErrNotAvailable):
		c.JSON(http.StatusConflict, gin.H{"error": err.Error()})
	case errors.Is(err, checkin.ErrNoQuestionSet):
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": err.Error()})
	case errors.Is(err, spooler.ErrNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": "not found"})
	case errors.Is(err, capture.ErrUnsupportedKind),
		errors.Is(err, capture.ErrEmptyCapture),
		errors.Is(err, capture.ErrSourceOutsideInbox),
		errors.Is(err, ingest.ErrNoParticipant):
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
	default:
		h.logger.Error("request failed", "route", c.FullPath(), "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal error"})
	}
}

// badBody reports an unreadable body, or 413 when it ran past the limit.
func badBody(c *gin.Context, err error, msg string) {
	var tooLarge *http.MaxBytesError
	if errors.As(err, &tooLarge) {
		c.JSON(http.StatusRequestEntityTooLarge, gin.H{"error": "body exceeds " + strconv.FormatInt(tooLarge.Limit, 10) + " bytes"})
		return
	}
	c.JSON(http.StatusBadRequest, gin.H{"error": msg})
}

func value(c *gin.Context, key string) string {
	if v := c.PostForm(key); v != "" {
		return v
	}
	return c.Query(key)
}

func intValue(c *gin.Context, key string) int {
	n, _ := strconv.Atoi(strings.TrimSpace(value(c, key)))
	return n
}
