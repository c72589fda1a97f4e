// Package audit defines the job, page and report types shared by the audit
// pipeline, together with the collaborator interfaces the job manager consumes.
package audit
