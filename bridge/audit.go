package bridge

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"socialscope/ingest"
)

func (h *handler) participantAudit(c *gin.Context) {
	pid := c.Param("pid")
	n, err := h.Audit.CountEvents(pid)
	if err != nil {
		h.writeError(c, err)
		return
	}
	out := gin.H{"participantId": pid, "events": n}
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

func (h *handler) captureCounts(c *gin.Context) {
	stream := c.Query("stream")
	if stream == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "stream is required"})
		return
	}
	snapshots, decisions, unchanged, err := h.Audit.CaptureCounts(stream)
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"stream":    stream,
		"snapshots": snapshots,
		"decisions": decisions,
		"unchanged": unchanged,
	})
}

func (h *handler) flowRisks(c *gin.Context) {
	risks, err := h.Audit.RisksForFlow(c.Param("id"))
	if err != nil {
		h.writeError(c, err)
		return
	}
	out := make([]gin.H, 0, len(risks))
	for _, r := range risks {
		out = append(out, gin.H{
			"id":                r.ID,
			"triggerQuestionId": r.TriggerQuestionID,
			"triggeredAt":       r.TriggeredAt,
			"handled":           r.Handled,
			"synced":            r.Synced,
		})
	}
	c.JSON(http.StatusOK, gin.H{"flowId": c.Param("id"), "risks": out})
}

// event returns a stored event with its decoded payload and whether OCR text
// has been extracted for it.
func (h *handler) event(c *gin.Context) {
	ev, err := h.Audit.Event(c.Param("id"))
	if err != nil {
		h.writeError(c, err)
		return
	}
	ocr, err := h.Audit.CountOcrResults(ev.ID)
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"id":        ev.ID,
		"sessionId": ev.SessionID,
		"type":      ev.EventType,
		"platform":  ev.Platform,
		"payload":   ingest.TypedPayload(ev),
		"synced":    ev.Synced,
		"ocr":       ocr > 0,
	})
}
