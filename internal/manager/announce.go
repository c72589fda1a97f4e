package manager

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/site-audit/internal/audit"
)

// CompletionEvent is published once per job when it reaches a terminal state.
type CompletionEvent struct {
	JobID        string            `json:"job_id"`
	URL          string            `json:"url"`
	State        audit.JobState    `json:"state"`
	OverallScore *int              `json:"overall_score,omitempty"`
	ReportURI    string            `json:"report_uri,omitempty"`
	ReportHash   string            `json:"report_hash,omitempty"`
	MissingStage []audit.StageName `json:"missing_stages,omitempty"`
	Timestamp    string            `json:"timestamp"`
}

// Attributes are attached to the published message so subscribers can filter
// without decoding the body.
func (e CompletionEvent) Attributes() map[string]string {
	return map[string]string{
		"event_type": "audit.completed",
		"job_id":     e.JobID,
		"state":      string(e.State),
	}
}

// announce archives the report and publishes the completion event. Failures
// are logged and never change the job's terminal state.
func (m *Manager) announce(ctx context.Context, job audit.Job) {
	actx, cancel := m.persistContext(ctx)
	defer cancel()

	event := CompletionEvent{
		JobID:     job.ID,
		URL:       job.URL,
		State:     job.State,
		Timestamp: job.UpdatedAt.UTC().Format(time.RFC3339),
	}
	if job.Report != nil {
		score := job.Report.OverallScore
		event.OverallScore = &score
		event.MissingStage = job.Report.MissingStages

		uri, hash, err := m.archive(actx, job.ID, *job.Report)
		if err != nil {
			m.logger.Error("archive report failed", zap.String("job_id", job.ID), zap.Error(err))
		} else if uri != "" {
			event.ReportURI = uri
			event.ReportHash = hash
			m.logger.Info("report archived", zap.String("job_id", job.ID), zap.String("uri", uri))
		}
	}

	if m.cfg.Topic == "" || m.deps.Publisher == nil {
		return
	}
	msgID, err := m.deps.Publisher.Publish(actx, m.cfg.Topic, event)
	if err != nil {
		m.logger.Error("publish completion event failed", zap.String("job_id", job.ID), zap.Error(err))
		return
	}
	m.logger.Debug("completion event published", zap.String("job_id", job.ID), zap.String("message_id", msgID))
}

func (m *Manager) archive(ctx context.Context, jobID string, report audit.Report) (string, string, error) {
	if m.deps.Archive == nil {
		return "", "", nil
	}
	body, err := json.Marshal(report)
	if err != nil {
		return "", "", fmt.Errorf("marshal report: %w", err)
	}
	hash := ""
	if m.deps.Hasher != nil {
		if hash, err = m.deps.Hasher.Hash(body); err != nil {
			return "", "", fmt.Errorf("hash report: %w", err)
		}
	}
	uri, err := m.deps.Archive.PutObject(ctx, m.reportPath(jobID, hash), "application/json", bytes.NewReader(body))
	if err != nil {
		return "", "", fmt.Errorf("put report: %w", err)
	}
	return uri, hash, nil
}

func (m *Manager) reportPath(jobID, hash string) string {
	name := "report"
	if hash != "" {
		name = hash
	}
	prefix := strings.Trim(m.cfg.ReportPrefix, "/")
	if prefix == "" {
		return fmt.Sprintf("%s/%s.json", jobID, name)
	}
	return fmt.Sprintf("%s/%s/%s.json", prefix, jobID, name)
}
