package server

import (
	"github.com/kryptobaseddev/cleo/internal/domain"
	"github.com/kryptobaseddev/cleo/internal/engine"
)

// Request payloads

type InitProjectRequest struct {
	ID          string  `json:"id"`
	Description *string `json:"description,omitempty"`
}

type CreateTaskRequest struct {
	ParentID    *string  `json:"parent_id,omitempty"`
	Type        string   `json:"type,omitempty" enum:"epic,task,subtask"`
	Title       string   `json:"title"`
	Description *string  `json:"description,omitempty"`
	Priority    *int     `json:"priority,omitempty"`
	Size        string   `json:"size,omitempty" enum:"small,medium,large"`
	Depends     []string `json:"depends,omitempty"`
}

type UpdateTaskRequest struct {
	Status        *string  `json:"status,omitempty" enum:"pending,active,blocked,done,cancelled"`
	BlockedReason *string  `json:"blocked_reason,omitempty"`
	Title         *string  `json:"title,omitempty"`
	Description   *string  `json:"description,omitempty"`
	Priority      *int     `json:"priority,omitempty"`
	Size          *string  `json:"size,omitempty" enum:"small,medium,large"`
	ParentID      *string  `json:"parent_id,omitempty"`
	AddDepends    []string `json:"add_depends,omitempty"`
	RemoveDepends []string `json:"remove_depends,omitempty"`
	SessionID     *string  `json:"session_id,omitempty"`
	IfFingerprint *string  `json:"if_fingerprint,omitempty"`
}

type CompleteTaskRequest struct {
	SessionID     *string `json:"session_id,omitempty"`
	IfFingerprint *string `json:"if_fingerprint,omitempty"`
}

type ValidatePlacementRequest struct {
	ChildID  *string `json:"child_id,omitempty"`
	ParentID *string `json:"parent_id,omitempty"`
}

type StartSessionRequest struct {
	Name  string       `json:"name,omitempty"`
	Scope domain.Scope `json:"scope"`
}

type SetFocusRequest struct {
	TaskID     string `json:"task_id"`
	Note       string `json:"note,omitempty"`
	NextAction string `json:"next_action,omitempty"`
}

type EndSessionRequest struct {
	Note            string `json:"note,omitempty"`
	RequireComplete bool   `json:"require_complete,omitempty"`
}

type StageRequest struct {
	Stage string `json:"stage" enum:"research,consensus,specification,decomposition,implementation,release"`
}

type SubmitManifestRequest struct {
	TaskID        string   `json:"task_id"`
	File          string   `json:"file"`
	Title         string   `json:"title"`
	Date          string   `json:"date,omitempty" format:"date-time"`
	Status        string   `json:"status" enum:"complete,partial,blocked"`
	Topics        []string `json:"topics"`
	KeyFindings   []string `json:"key_findings"`
	Actionable    bool     `json:"actionable,omitempty"`
	NeedsFollowup []string `json:"needs_followup,omitempty"`
	LinkedTasks   []string `json:"linked_tasks,omitempty"`
	BlockerNote   string   `json:"blocker_note,omitempty"`
	ProtocolType  string   `json:"protocol_type,omitempty"`
}

type ReturnMessageRequest struct {
	Message string `json:"message"`
}

type RecordDecisionRequest struct {
	SessionID    string   `json:"session_id,omitempty"`
	TaskID       string   `json:"task_id,omitempty"`
	Rationale    string   `json:"rationale"`
	Alternatives []string `json:"alternatives,omitempty"`
}

type RecordAssumptionRequest struct {
	SessionID  string `json:"session_id,omitempty"`
	TaskID     string `json:"task_id,omitempty"`
	Text       string `json:"text"`
	Confidence string `json:"confidence" enum:"low,medium,high"`
}

// Response payloads

// TaskResponse is the task record plus its current fingerprint so
// callers can do optimistic read-modify-write without a second call.
type TaskResponse struct {
	domain.Task
	Fingerprint string `json:"fingerprint"`
}

func taskResponse(t domain.Task) TaskResponse {
	return TaskResponse{Task: t, Fingerprint: engine.Fingerprint(t)}
}

func mapTasks(tasks []domain.Task) []TaskResponse {
	out := make([]TaskResponse, 0, len(tasks))
	for _, t := range tasks {
		out = append(out, taskResponse(t))
	}
	return out
}

type StatusResponse struct {
	ProjectID  string         `json:"project_id"`
	Status     string         `json:"status"`
	TaskCounts map[string]int `json:"task_counts"`
}

func manifestFromRequest(req SubmitManifestRequest) domain.ManifestEntry {
	return domain.ManifestEntry{
		TaskID:        req.TaskID,
		File:          req.File,
		Title:         req.Title,
		Date:          req.Date,
		Status:        domain.ManifestStatus(req.Status),
		Topics:        req.Topics,
		KeyFindings:   req.KeyFindings,
		Actionable:    req.Actionable,
		NeedsFollowup: req.NeedsFollowup,
		LinkedTasks:   req.LinkedTasks,
		BlockerNote:   req.BlockerNote,
		ProtocolType:  req.ProtocolType,
	}
}

func stringOrEmpty(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}
