// Package lookup defines the core types shared by the metadata lookup
// pipeline: candidates, fetch results, records, the abort signal, and the
// collaborator interfaces wired together by the dispatcher and workers.
package lookup
