package upload

import (
	"encoding/json"
	"path/filepath"
	"strings"
	"time"

	"gorm.io/datatypes"

	"socialscope/spooler"
)

// Remote documents use the field names the dashboard and alerting functions
// already read.

func eventFields(ev *spooler.Event) map[string]any {
	f := map[string]any{
		"eventType":     ev.EventType,
		"participantId": ev.ParticipantID,
		"sessionId":     ev.SessionID,
		"platform":      ev.Platform,
		"timestamp":     ev.Timestamp.UnixMilli(),
		"createdAt":     ts(ev.CreatedAt),
	}
	if ev.URL != "" {
		f["url"] = ev.URL
	}
	if data := jsonValue(ev.Payload); data != nil {
		f["data"] = data
	}
	return f
}

func ocrFields(r *spooler.OcrResult) map[string]any {
	f := map[string]any{
		"extractedText": r.ExtractedText,
		"wordCount":     r.WordCount,
		"processedAt":   ts(r.ProcessedAt),
	}
	if r.ProcessingTimeMs != nil {
		f["processingTimeMs"] = *r.ProcessingTimeMs
	}
	return f
}

func sessionFields(s *spooler.Session) map[string]any {
	f := map[string]any{
		"participantId": s.ParticipantID,
		"startedAt":     ts(s.StartedAt),
		"eventCount":    s.EventCount,
	}
	if s.EndedAt != nil {
		f["endedAt"] = ts(*s.EndedAt)
	}
	if info := jsonValue(s.DeviceInfo); info != nil {
		f["deviceInfo"] = info
	}
	return f
}

func snapshotFields(s *spooler.ChangeSnapshot) map[string]any {
	return map[string]any{
		"eventId":       s.EventID,
		"sessionId":     s.SessionID,
		"stream":        s.Stream,
		"kind":          s.Kind,
		"contentHash":   s.ContentHash,
		"artifactName":  filepath.Base(s.ArtifactRef),
		"capturedAt":    ts(s.CapturedAt),
		"participantId": s.ParticipantID,
	}
}

func decisionFields(d *spooler.CaptureDecision) map[string]any {
	f := map[string]any{
		"sessionId":      d.SessionID,
		"stream":         d.Stream,
		"kind":           d.Kind,
		"contentHash":    d.ContentHash,
		"contentChanged": d.ContentChanged,
		"attemptedAt":    ts(d.AttemptedAt),
	}
	if d.SnapshotID != "" {
		f["snapshotId"] = d.SnapshotID
	}
	return f
}

func checkinFields(r *spooler.CheckinResponse) map[string]any {
	return map[string]any{
		"participantId":         r.ParticipantID,
		"sessionId":             r.SessionID,
		"questionSetId":         r.QuestionSetID,
		"responses":             jsonValue(r.Responses),
		"startedAt":             ts(r.StartedAt),
		"completedAt":           ts(r.CompletedAt),
		"selfInitiated":         r.SelfInitiated,
		"requiresPostResources": r.RequiresPostResources,
	}
}

func riskFields(r *spooler.RiskRecord) map[string]any {
	return map[string]any{
		"participantId":     r.ParticipantID,
		"sessionId":         r.SessionID,
		"responses":         jsonValue(r.ResponsesSnapshot),
		"triggerQuestionId": r.TriggerQuestionID,
		"triggeredAt":       ts(r.TriggeredAt),
	}
}

func ts(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.UTC().Format(time.RFC3339Nano)
}

func jsonValue(b datatypes.JSON) any {
	if len(b) == 0 {
		return nil
	}
	var v any
	if err := json.Unmarshal(b, &v); err != nil {
		return string(b)
	}
	return v
}

func contentType(path string) string {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".png":
		return "image/png"
	case ".jpg", ".jpeg":
		return "image/jpeg"
	case ".webp":
		return "image/webp"
	case ".html", ".htm":
		return "text/html; charset=utf-8"
	default:
		return "application/octet-stream"
	}
}
