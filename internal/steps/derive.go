// Package steps derives the four pipeline steps of a task and drives them forward
// through confirmations, regenerations and status polling.
package steps

import (
	"github.com/pysugar/notedeck/internal/backend"
	"github.com/pysugar/notedeck/internal/tasks"
)

type Name string

const (
	Upload     Name = "upload"
	Extract    Name = "extract"
	Transcribe Name = "transcribe"
	Summarize  Name = "summarize"
)

// Order is the pipeline order.
var Order = [4]Name{Upload, Extract, Transcribe, Summarize}

type Status string

const (
	Pending        Status = "pending"
	Processing     Status = "processing"
	WaitingConfirm Status = "waiting_confirm"
	Completed      Status = "completed"
	Failed         Status = "failed"
)

type Step struct {
	Name   Name   `json:"id"`
	Status Status `json:"status"`
}

// Steps is always in Order.
type Steps [4]Step

// Get returns the status of name.
func (s Steps) Get(name Name) Status {
	for _, st := range s {
		if st.Name == name {
			return st.Status
		}
	}
	return ""
}

func (s *Steps) set(name Name, status Status) {
	for i := range s {
		if s[i].Name == name {
			s[i].Status = status
			return
		}
	}
}

// ParseName accepts one of the four step ids.
func ParseName(s string) (Name, bool) {
	for _, n := range Order {
		if string(n) == s {
			return n, true
		}
	}
	return "", false
}

// Derive computes the steps from the coarse status and the transcript alone.
func Derive(status tasks.Status, transcript *backend.Transcript) Steps {
	ready := transcript.Ready()
	steps := Steps{
		{Name: Upload, Status: Completed},
		{Name: Extract, Status: deriveExtract(status)},
		{Name: Transcribe, Status: deriveTranscribe(status, ready)},
		{Name: Summarize, Status: deriveSummarize(status, ready)},
	}
	if status == tasks.StatusFailed {
		if ready {
			steps.set(Extract, Completed)
			steps.set(Transcribe, Completed)
		}
		markFailure(&steps)
	}
	return steps
}

func deriveExtract(status tasks.Status) Status {
	switch status {
	case tasks.StatusPending:
		return WaitingConfirm
	case tasks.StatusProcessing, tasks.StatusTranscribing, tasks.StatusSummarizing, tasks.StatusCompleted:
		return Completed
	}
	return Pending
}

func deriveTranscribe(status tasks.Status, ready bool) Status {
	switch {
	case ready:
		return Completed
	case status == tasks.StatusTranscribing:
		return Processing
	case status == tasks.StatusProcessing:
		return WaitingConfirm
	}
	return Pending
}

func deriveSummarize(status tasks.Status, ready bool) Status {
	switch {
	case status == tasks.StatusCompleted:
		return Completed
	case status == tasks.StatusSummarizing:
		return Processing
	case ready || status == tasks.StatusTranscribing:
		return WaitingConfirm
	}
	return Pending
}

// markFailure fails the first step that is not completed and resets the rest.
func markFailure(steps *Steps) {
	failed := false
	for i := range steps {
		if steps[i].Status == Completed {
			continue
		}
		if !failed {
			steps[i].Status = Failed
			failed = true
			continue
		}
		steps[i].Status = Pending
	}
}
