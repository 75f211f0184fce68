package api

import (
	"bufio"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/kittclouds/memoryd/internal/apperr"
	"github.com/kittclouds/memoryd/internal/engine"
	"github.com/kittclouds/memoryd/internal/jobqueue"
	"github.com/kittclouds/memoryd/internal/query"
	"github.com/kittclouds/memoryd/internal/recall"
	"github.com/kittclouds/memoryd/internal/store"
)

// greetingInterjections fails the triviality filter on POST
// /v1/events/message, per spec.md §6.
var greetingInterjections = map[string]bool{
	"hi": true, "hello": true, "hey": true, "yo": true, "sup": true,
	"thanks": true, "thank you": true, "ok": true, "okay": true, "bye": true,
}

func isTrivial(content string) bool {
	trimmed := strings.ToLower(strings.TrimSpace(content))
	if len(trimmed) <= 10 {
		return true
	}
	return greetingInterjections[trimmed]
}

type messageTokens struct {
	Input  int `json:"input"`
	Output int `json:"output"`
}

type postMessageRequest struct {
	UserID    string        `json:"userId"`
	ThreadID  string        `json:"threadId"`
	MsgID     string        `json:"msgId"`
	Role      string        `json:"role"`
	Content   string        `json:"content"`
	Tokens    messageTokens `json:"tokens"`
	Timestamp int64         `json:"timestamp"`
}

// handlePostMessage is fire-and-forget: it records cadence, and if the
// cadence tracker reports the window is due, enqueues an audit job.
func (s *Server) handlePostMessage(w http.ResponseWriter, r *http.Request) {
	var req postMessageRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, apperr.InputInvalid("invalid body: "+err.Error()))
		return
	}
	if req.UserID == "" || req.ThreadID == "" || req.Content == "" {
		writeError(w, apperr.InputInvalid("userId, threadId, and content are required"))
		return
	}
	if caller, ok := requireUserID(w, r); ok {
		if err := ensureOwns(caller, req.UserID); err != nil {
			writeError(w, err)
			return
		}
	} else {
		return
	}

	ts := time.Unix(req.Timestamp, 0)
	if req.Timestamp == 0 {
		ts = time.Now()
	}

	due := s.cadence.RecordMessage(req.UserID, req.ThreadID, req.Role, req.Content, req.Tokens.Input, req.Tokens.Output, ts)
	if due {
		s.jobs.Enqueue(jobqueue.TypeAudit, auditJobPayload{UserID: req.UserID, ThreadID: req.ThreadID})
	}
	if req.Role == "user" && !isTrivial(req.Content) {
		s.jobs.Enqueue(jobqueue.TypeResearch, researchJobPayload{UserID: req.UserID, ThreadID: req.ThreadID, Content: req.Content})
	}

	w.WriteHeader(http.StatusAccepted)
}

type auditJobPayload struct {
	UserID   string
	ThreadID string
}

type researchJobPayload struct {
	UserID   string
	ThreadID string
	Content  string
}

type postAuditJobRequest struct {
	UserID   string `json:"userId"`
	ThreadID string `json:"threadId"`
}

func (s *Server) handlePostAuditJob(w http.ResponseWriter, r *http.Request) {
	var req postAuditJobRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, apperr.InputInvalid("invalid body: "+err.Error()))
		return
	}
	if req.UserID == "" || req.ThreadID == "" {
		writeError(w, apperr.InputInvalid("userId and threadId are required"))
		return
	}
	if caller, ok := requireUserID(w, r); ok {
		if err := ensureOwns(caller, req.UserID); err != nil {
			writeError(w, err)
			return
		}
	} else {
		return
	}

	s.jobs.Enqueue(jobqueue.TypeAudit, auditJobPayload{UserID: req.UserID, ThreadID: req.ThreadID})
	w.WriteHeader(http.StatusAccepted)
}

type listMemoriesResponse struct {
	Memories []*store.Memory `json:"memories"`
	Total    int             `json:"total"`
	Limit    int             `json:"limit"`
	Offset   int             `json:"offset"`
}

func (s *Server) handleListMemories(w http.ResponseWriter, r *http.Request) {
	uid, ok := requireUserID(w, r)
	if !ok {
		return
	}
	q := r.URL.Query()
	p := store.ListMemoriesParams{
		UserID:         uid,
		ThreadID:       q.Get("threadId"),
		IncludeDeleted: q.Get("includeDeleted") == "true",
		Limit:          atoiDefault(q.Get("limit"), 50),
		Offset:         atoiDefault(q.Get("offset"), 0),
	}
	if raw := q.Get("minPriority"); raw != "" {
		if f, err := strconv.ParseFloat(raw, 64); err == nil {
			p.MinPriority = f
			p.HasMinPriority = true
		}
	}

	mems, total, err := s.engine.List(r.Context(), p)
	if err != nil {
		writeError(w, fmt.Errorf("list memories: %w", err))
		return
	}
	writeJSON(w, http.StatusOK, listMemoriesResponse{Memories: mems, Total: total, Limit: p.Limit, Offset: p.Offset})
}

type createMemoryRequest struct {
	ThreadID string     `json:"threadId"`
	Content  string     `json:"content"`
	Priority *float64   `json:"priority"`
	Tier     store.Tier `json:"tier"`
}

func (s *Server) handleCreateMemory(w http.ResponseWriter, r *http.Request) {
	uid, ok := requireUserID(w, r)
	if !ok {
		return
	}
	var req createMemoryRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, apperr.InputInvalid("invalid body: "+err.Error()))
		return
	}
	if strings.TrimSpace(req.Content) == "" {
		s.cadence.RecordRejection()
		writeError(w, apperr.InputInvalid("content is required"))
		return
	}

	redacted, mapping := s.redactor.Redact(req.Content)
	if s.redactor.IsAllRedacted(redacted, mapping) {
		s.cadence.RecordRejection()
		writeError(w, apperr.InputInvalid("content is entirely PII"))
		return
	}

	priority := 0.9
	if req.Priority != nil {
		priority = *req.Priority
	}

	m, superceded, err := s.engine.CreateOrSupercede(r.Context(), engine.CreateInput{
		UserID:       uid,
		ThreadID:     req.ThreadID,
		Content:      redacted,
		Priority:     priority,
		Confidence:   1.0,
		Tier:         req.Tier,
		Explicit:     true,
		Now:          time.Now().Unix(),
		RedactionMap: mapping,
	})
	if err != nil {
		writeError(w, fmt.Errorf("create memory: %w", err))
		return
	}
	status := http.StatusCreated
	if superceded {
		status = http.StatusOK
	}
	writeJSON(w, status, m)
}

type patchMemoryRequest struct {
	Content  *string  `json:"content"`
	Priority *float64 `json:"priority"`
	Deleted  *bool    `json:"deleted"`
}

func (s *Server) handlePatchMemory(w http.ResponseWriter, r *http.Request) {
	uid, ok := requireUserID(w, r)
	if !ok {
		return
	}
	id := r.PathValue("id")
	if id == "" {
		writeError(w, apperr.InputInvalid("missing memory id"))
		return
	}

	var req patchMemoryRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, apperr.InputInvalid("invalid body: "+err.Error()))
		return
	}

	m, err := s.engine.Patch(r.Context(), uid, id, engine.PatchInput{
		Content:  req.Content,
		Priority: req.Priority,
		Deleted:  req.Deleted,
		Now:      time.Now().Unix(),
	})
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, m)
}

func (s *Server) handleRecall(w http.ResponseWriter, r *http.Request) {
	uid, ok := requireUserID(w, r)
	if !ok {
		return
	}
	q := r.URL.Query()
	req := recall.Request{
		UserID:        uid,
		ThreadID:      q.Get("threadId"),
		Query:         q.Get("query"),
		MaxItems:      atoiDefault(q.Get("maxItems"), 5),
		DeadlineMs:    atoiDefault(q.Get("deadlineMs"), 200),
		ExpansionMode: query.ExpansionMode(orDefault(q.Get("expansionMode"), string(query.ModeNormal))),
	}

	if r.Header.Get("Accept") == "text/event-stream" {
		s.streamRecall(w, r, req)
		return
	}

	resp := s.recall.Recall(r.Context(), req)
	writeJSON(w, http.StatusOK, resp)
}

// streamRecall serves the SSE variant of /v1/recall: a single "partial"
// frame once the hybrid search completes, then "done". The underlying
// Recall call already runs both passes before returning, so this is a
// two-frame stream rather than a progressive one, but it keeps the wire
// contract (partial/done) stable for callers who opted into SSE ahead of
// a future incremental implementation.
func (s *Server) streamRecall(w http.ResponseWriter, r *http.Request, req recall.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		resp := s.recall.Recall(r.Context(), req)
		writeJSON(w, http.StatusOK, resp)
		return
	}
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)

	resp := s.recall.Recall(r.Context(), req)
	writeSSEFrame(w, "partial", resp)
	flusher.Flush()
	writeSSEFrame(w, "done", resp)
	flusher.Flush()
}

func writeSSEFrame(w http.ResponseWriter, event string, v any) {
	data, err := json.Marshal(v)
	if err != nil {
		return
	}
	bw := bufio.NewWriter(w)
	fmt.Fprintf(bw, "event: %s\ndata: %s\n\n", event, data)
	_ = bw.Flush()
}

type conversationsResponse struct {
	ThreadIDs []string `json:"threadIds"`
}

func (s *Server) handleConversations(w http.ResponseWriter, r *http.Request) {
	uid, ok := requireUserID(w, r)
	if !ok {
		return
	}
	limit := atoiDefault(r.URL.Query().Get("limit"), 10)
	ids, err := s.store.RecentThreadIDs(r.Context(), uid, limit)
	if err != nil {
		writeError(w, fmt.Errorf("list conversations: %w", err))
		return
	}
	exclude := r.URL.Query().Get("excludeThreadId")
	if exclude != "" {
		filtered := ids[:0]
		for _, id := range ids {
			if id != exclude {
				filtered = append(filtered, id)
			}
		}
		ids = filtered
	}
	writeJSON(w, http.StatusOK, conversationsResponse{ThreadIDs: ids})
}

type profileResponse struct {
	Profile any  `json:"profile"`
	Found   bool `json:"found"`
}

func (s *Server) handleProfile(w http.ResponseWriter, r *http.Request) {
	uid, ok := requireUserID(w, r)
	if !ok {
		return
	}
	p, err := s.profile.Get(r.Context(), uid)
	if err != nil {
		writeError(w, fmt.Errorf("build profile: %w", err))
		return
	}
	if p == nil {
		writeJSON(w, http.StatusOK, profileResponse{Profile: nil, Found: false})
		return
	}
	writeJSON(w, http.StatusOK, profileResponse{Profile: p, Found: true})
}

type healthInfo struct {
	DBSizeMb       float64 `json:"dbSizeMb"`
	QueueDepth     int     `json:"queueDepth"`
	LastAuditMsAgo int64   `json:"lastAuditMsAgo"`
}

type metricsResponse struct {
	Jobs       jobqueue.Counters `json:"jobs"`
	Memories   int               `json:"memories"`
	Audits     int               `json:"audits"`
	Health     healthInfo        `json:"health"`
	Rejections int               `json:"rejections"`
}

func (s *Server) handleMetrics(w http.ResponseWriter, r *http.Request) {
	uid, ok := requireUserID(w, r)
	if !ok {
		return
	}
	count, err := s.store.CountLiveMemories(r.Context(), uid)
	if err != nil {
		writeError(w, fmt.Errorf("count memories: %w", err))
		return
	}
	audits, err := s.store.CountAudits(r.Context(), uid)
	if err != nil {
		writeError(w, fmt.Errorf("count audits: %w", err))
		return
	}
	dbSize, err := s.store.DBSizeBytes(r.Context())
	if err != nil {
		writeError(w, fmt.Errorf("db size: %w", err))
		return
	}
	var lastAuditMsAgo int64
	if lastAudit, ok, err := s.store.LastAuditAt(r.Context(), uid); err != nil {
		writeError(w, fmt.Errorf("last audit: %w", err))
		return
	} else if ok {
		lastAuditMsAgo = (time.Now().Unix() - lastAudit) * 1000
	}

	counters := s.jobs.Counters()
	writeJSON(w, http.StatusOK, metricsResponse{
		Jobs:       counters,
		Memories:   count,
		Audits:     audits,
		Rejections: s.cadence.Rejections(),
		Health: healthInfo{
			DBSizeMb:       float64(dbSize) / (1024 * 1024),
			QueueDepth:     counters.QueueDepth,
			LastAuditMsAgo: lastAuditMsAgo,
		},
	})
}

type healthResponse struct {
	Status    string `json:"status"`
	Timestamp int64  `json:"timestamp"`
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, healthResponse{Status: "ok", Timestamp: time.Now().Unix()})
}

func (s *Server) handleExport(w http.ResponseWriter, r *http.Request) {
	uid, ok := requireUserID(w, r)
	if !ok {
		return
	}
	data, err := s.store.Export(r.Context(), uid, time.Now().Unix())
	if err != nil {
		writeError(w, fmt.Errorf("export: %w", err))
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Content-Disposition", `attachment; filename="memoryd-export.json"`)
	_, _ = w.Write(data)
}

func (s *Server) handleImport(w http.ResponseWriter, r *http.Request) {
	uid, ok := requireUserID(w, r)
	if !ok {
		return
	}
	body, err := readAll(r)
	if err != nil {
		writeError(w, apperr.InputInvalid("invalid body: "+err.Error()))
		return
	}
	if err := s.store.Import(r.Context(), uid, body); err != nil {
		writeError(w, fmt.Errorf("import: %w", err))
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func readAll(r *http.Request) ([]byte, error) {
	defer r.Body.Close()
	return io.ReadAll(r.Body)
}

func atoiDefault(raw string, def int) int {
	if raw == "" {
		return def
	}
	n, err := strconv.Atoi(raw)
	if err != nil {
		return def
	}
	return n
}

func orDefault(raw, def string) string {
	if raw == "" {
		return def
	}
	return raw
}
