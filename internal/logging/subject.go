package logging

import "strings"

// FormatSubject builds the job/attempt/stage subject string used in console output.
func FormatSubject(jobID, attempt, stage string) string {
	jobID = strings.TrimSpace(jobID)
	attempt = strings.TrimSpace(attempt)
	stage = strings.TrimSpace(stage)

	var b strings.Builder
	if jobID != "" {
		b.WriteString("Job ")
		b.WriteString(jobID)
		if attempt != "" {
			b.WriteString(" #")
			b.WriteString(attempt)
		}
	}
	if stage != "" {
		if b.Len() > 0 {
			b.WriteString(" (")
			b.WriteString(stage)
			b.WriteByte(')')
		} else {
			b.WriteString(stage)
		}
	}
	return b.String()
}
