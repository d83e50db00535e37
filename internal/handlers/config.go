// Package handlers holds helpers shared by the job handlers in its
// subpackages.
package handlers

import (
	"encoding/json"
	"fmt"
	"strings"

	"alertflow/internal/domain"
)

// DecodeConfig unmarshals the job's job_config into dst. An empty config
// leaves dst untouched.
func DecodeConfig(job domain.ScheduledJob, dst any) error {
	raw := strings.TrimSpace(job.JobConfig)
	if raw == "" || raw == "null" {
		return nil
	}
	if err := json.Unmarshal([]byte(raw), dst); err != nil {
		return fmt.Errorf("job %d config: %w", job.ID, err)
	}
	return nil
}

// AlertTypes converts configured alert type names, falling back to def when
// none are configured.
func AlertTypes(names []string, def ...domain.AlertType) []domain.AlertType {
	if len(names) == 0 {
		return def
	}
	out := make([]domain.AlertType, 0, len(names))
	for _, n := range names {
		out = append(out, domain.AlertType(n))
	}
	return out
}
