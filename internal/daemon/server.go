package daemon

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/yuin/goldmark"

	"github.com/nugget/monocod/internal/buildinfo"
	"github.com/nugget/monocod/internal/issue"
	"github.com/nugget/monocod/internal/mailbox"
	"github.com/nugget/monocod/internal/monocoerr"
	"github.com/nugget/monocod/internal/record"
)

// writeJSON encodes v as JSON to w, logging any errors at debug level.
// Errors here typically mean the client disconnected mid-response,
// which is not actionable but worth tracking for debugging.
func writeJSON(w http.ResponseWriter, v any, logger *slog.Logger) {
	if err := json.NewEncoder(w).Encode(v); err != nil {
		logger.Debug("failed to write JSON response", "error", err)
	}
}

// Server is the daemon's HTTP API, versioned at /api/v1.
type Server struct {
	d      *Daemon
	logger *slog.Logger
	server *http.Server
	md     goldmark.Markdown
}

// NewServer builds the API server over an assembled daemon.
func NewServer(d *Daemon) *Server {
	return &Server{d: d, logger: d.Logger, md: goldmark.New()}
}

// Serve runs the HTTP server on an already-claimed listener.
func (s *Server) Serve(ln net.Listener) error {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /api/v1/issues", s.handleIssueList)
	mux.HandleFunc("POST /api/v1/issues", s.handleIssueCreate)
	mux.HandleFunc("PATCH /api/v1/issues/{id}/content", s.handleIssuePatch)

	mux.HandleFunc("GET /api/v1/stats/dashboard", s.handleDashboard)
	mux.HandleFunc("GET /api/v1/events", s.handleEvents)

	mux.HandleFunc("POST /api/v1/courier/webhook/{provider}/{slug}", s.handleWebhook)
	mux.HandleFunc("POST /api/v1/courier/outbound/send", s.handleOutboundSend)

	mux.HandleFunc("POST /api/v1/mailbox/{id}/claim", s.handleMailboxClaim)
	mux.HandleFunc("POST /api/v1/mailbox/{id}/done", s.handleMailboxDone)
	mux.HandleFunc("POST /api/v1/mailbox/{id}/fail", s.handleMailboxFail)

	mux.HandleFunc("GET /api/v1/sessions", s.handleSessionList)
	mux.HandleFunc("GET /api/v1/sessions/{id}", s.handleSessionGet)
	mux.HandleFunc("DELETE /api/v1/sessions/{id}", s.handleSessionTerminate)

	mux.HandleFunc("GET /api/v1/version", s.handleVersion)
	mux.HandleFunc("GET /health", s.handleHealth)

	s.server = &http.Server{
		Handler:      s.withLogging(mux),
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 120 * time.Second, // Long for SSE streams
	}
	err := s.server.Serve(ln)
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

// Shutdown gracefully stops the server.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.server != nil {
		return s.server.Shutdown(ctx)
	}
	return nil
}

func (s *Server) withLogging(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		next.ServeHTTP(w, r)
		s.logger.Info("request",
			"method", r.Method,
			"path", r.URL.Path,
			"duration", time.Since(start),
		)
	})
}

// errorResponse maps an error onto its category's HTTP status. The
// field path / expected value detail travels in the JSON body.
func (s *Server) errorResponse(w http.ResponseWriter, err error) {
	code := http.StatusInternalServerError
	fields := map[string]any(nil)
	var me *monocoerr.Error
	if errors.As(err, &me) {
		code = me.HTTPStatus()
		fields = me.Fields
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	writeJSON(w, map[string]any{
		"error": map[string]any{
			"message": err.Error(),
			"fields":  fields,
			"code":    code,
		},
	}, s.logger)
}

func (s *Server) badRequest(w http.ResponseWriter, message string) {
	s.errorResponse(w, monocoerr.New(monocoerr.ValidationFailure, message))
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	writeJSON(w, map[string]string{"status": "healthy"}, s.logger)
}

func (s *Server) handleVersion(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	writeJSON(w, buildinfo.RuntimeInfo(), s.logger)
}

// issueView is the JSON projection of one issue.
type issueView struct {
	ID       string   `json:"id"`
	Type     string   `json:"type"`
	Status   string   `json:"status"`
	Stage    string   `json:"stage"`
	Title    string   `json:"title"`
	Parent   string   `json:"parent,omitempty"`
	Files    []string `json:"files"`
	Solution *string  `json:"solution"`
	Path     string   `json:"path"`
	BodyHTML string   `json:"body_html,omitempty"`
}

func (s *Server) issueView(iss *issue.Issue, renderHTML bool) issueView {
	v := issueView{
		ID:       iss.Front.ID,
		Type:     string(iss.Front.TypeField),
		Status:   string(iss.Front.Status),
		Stage:    string(iss.Front.Stage),
		Title:    iss.Front.Title,
		Parent:   iss.Front.Parent,
		Files:    iss.Front.Files,
		Solution: iss.Front.Solution,
		Path:     iss.Path,
	}
	if renderHTML {
		var buf bytes.Buffer
		if err := s.md.Convert([]byte(iss.Body), &buf); err == nil {
			v.BodyHTML = buf.String()
		}
	}
	return v
}

func (s *Server) handleIssueList(w http.ResponseWriter, r *http.Request) {
	includeArchived := r.URL.Query().Get("include_archived") == "true"
	renderHTML := r.URL.Query().Get("render") == "html"

	issues, err := s.d.Trans.Store.List(includeArchived)
	if err != nil {
		s.errorResponse(w, monocoerr.Wrap(monocoerr.TransientIO, err))
		return
	}
	views := make([]issueView, 0, len(issues))
	for _, iss := range issues {
		views = append(views, s.issueView(iss, renderHTML))
	}
	w.Header().Set("Content-Type", "application/json")
	writeJSON(w, map[string]any{"issues": views}, s.logger)
}

func (s *Server) handleIssueCreate(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Type  string `json:"type"`
		Title string `json:"title"`
		Body  string `json:"body"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.badRequest(w, "invalid request body")
		return
	}
	if req.Title == "" {
		s.badRequest(w, "title is required")
		return
	}
	typ := issue.Type(req.Type)
	switch typ {
	case issue.TypeEpic, issue.TypeFeat, issue.TypeFix, issue.TypeChore:
	case "":
		typ = issue.TypeFeat
	default:
		s.badRequest(w, fmt.Sprintf("unknown issue type %q", req.Type))
		return
	}

	iss, dec, err := s.d.Trans.Create(r.Context(), typ, req.Title, req.Body)
	if err != nil {
		s.errorResponse(w, err)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusCreated)
	writeJSON(w, map[string]any{
		"issue":       s.issueView(iss, false),
		"hook_report": dec.Message,
	}, s.logger)
}

// handleIssuePatch replaces an issue file's full content, gated by a
// server-side lint: the new content must parse as preamble+body with a
// valid typed front matter and pass the structural lint (id shape,
// enum values, status/directory agreement, solution rules, resolvable
// dependencies) before it is written.
func (s *Server) handleIssuePatch(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	var req struct {
		Content string `json:"content"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.badRequest(w, "invalid request body")
		return
	}

	iss, err := s.d.Trans.Store.Find(id)
	if err != nil {
		s.errorResponse(w, monocoerr.Wrap(monocoerr.ValidationFailure, err))
		return
	}

	pre, err := record.Split([]byte(req.Content))
	if err != nil {
		s.badRequest(w, "content is not a preamble+body document: "+err.Error())
		return
	}
	var front issue.Front
	extras, err := record.DecodeExtras(pre.Front, &front)
	if err != nil {
		s.badRequest(w, "preamble does not parse: "+err.Error())
		return
	}
	if front.ID != id {
		s.badRequest(w, fmt.Sprintf("preamble id %q does not match %q", front.ID, id))
		return
	}

	iss.Front = front
	iss.Body = pre.Body
	iss.Extras = extras
	if err := issue.NewLinter(s.d.Trans.Store).Lint(r.Context(), iss); err != nil {
		s.errorResponse(w, err)
		return
	}
	if err := issue.Save(iss); err != nil {
		s.errorResponse(w, monocoerr.Wrap(monocoerr.TransientIO, err))
		return
	}
	w.Header().Set("Content-Type", "application/json")
	writeJSON(w, map[string]any{"issue": s.issueView(iss, false)}, s.logger)
}

func (s *Server) handleDashboard(w http.ResponseWriter, r *http.Request) {
	issues, err := s.d.Trans.Store.List(false)
	if err != nil {
		s.errorResponse(w, monocoerr.Wrap(monocoerr.TransientIO, err))
		return
	}
	byStage := make(map[string]int)
	for _, iss := range issues {
		byStage[string(iss.Front.Stage)]++
	}

	audit := s.d.Router.GetAuditLog()
	limit := parseIntParam(r, "audit", 20)
	if len(audit) > limit {
		audit = audit[len(audit)-limit:]
	}

	w.Header().Set("Content-Type", "application/json")
	writeJSON(w, map[string]any{
		"build":           buildinfo.RuntimeInfo(),
		"issues_by_stage": byStage,
		"issues_total":    len(issues),
		"scheduler":       s.d.Sched.Stats(),
		"watchers":        s.d.Watchers.Statuses(),
		"router_audit":    audit,
	}, s.logger)
}

// handleEvents streams the Event Bus over Server-Sent Events for UI
// consumers.
func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no") // Disable nginx buffering

	flusher, ok := w.(http.Flusher)
	if !ok {
		s.badRequest(w, "streaming not supported")
		return
	}
	rc := http.NewResponseController(w)

	ch := s.d.Bus.Subscribe(256)
	defer s.d.Bus.Unsubscribe(ch)

	keepalive := time.NewTicker(15 * time.Second)
	defer keepalive.Stop()

	fmt.Fprintf(w, ": connected\n\n")
	flusher.Flush()

	for {
		select {
		case <-r.Context().Done():
			return
		case <-keepalive.C:
			// Send SSE comment as keepalive to prevent write timeout
			fmt.Fprintf(w, ": keepalive\n\n")
			flusher.Flush()
		case e, open := <-ch:
			if !open {
				return
			}
			data, err := json.Marshal(e)
			if err != nil {
				s.logger.Debug("failed to marshal SSE event", "error", err)
				continue
			}
			fmt.Fprintf(w, "event: %s\ndata: %s\n\n", e.Type, data)
			flusher.Flush()
		}
		// Reset write deadline after every frame so long-lived streams
		// survive the server's write timeout.
		if err := rc.SetWriteDeadline(time.Now().Add(120 * time.Second)); err != nil {
			s.logger.Debug("failed to reset write deadline", "error", err)
		}
	}
}

// webhookRequest is the common-schema payload an adapter posts to the
// webhook ingress. Provider wire formats are decoded by the adapter
// before reaching the daemon.
type webhookRequest struct {
	ID          string             `json:"id"`
	ContentType string             `json:"content_type"`
	Session     mailbox.SessionRef `json:"session"`
	From        string             `json:"from"`
	To          []string           `json:"to"`
	Mentions    []mailbox.Mention  `json:"mentions"`
	Artifacts   []mailbox.Artifact `json:"artifacts"`
	Text        string             `json:"text"`
}

func (s *Server) handleWebhook(w http.ResponseWriter, r *http.Request) {
	provider := r.PathValue("provider")
	slug := r.PathValue("slug")

	proj, ok := s.d.Registry.Resolve(slug)
	if !ok {
		s.errorResponse(w, monocoerr.Newf(monocoerr.ValidationFailure, "unknown project slug %q", slug))
		return
	}

	var req webhookRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.badRequest(w, "invalid webhook body")
		return
	}

	msg := &mailbox.Message{
		Front: mailbox.Front{
			ID:          req.ID,
			Provider:    provider,
			Direction:   mailbox.Inbound,
			ContentType: req.ContentType,
			CreatedAt:   time.Now().UTC(),
			Session:     req.Session,
			Participants: mailbox.Participants{
				From:     req.From,
				To:       req.To,
				Mentions: req.Mentions,
			},
			Artifacts: req.Artifacts,
		},
		Body: req.Text,
	}
	if err := msg.Validate(); err != nil {
		s.errorResponse(w, monocoerr.Wrap(monocoerr.ValidationFailure, err))
		return
	}

	// Deliver into the routed project's mailbox tree. For the local
	// project this is the daemon's own tree; foreign roots get the
	// conventional layout under their own data directory.
	tree := s.d.Tree
	if proj.Root != s.d.Cfg.Project.Root {
		tree = mailbox.NewTree(proj.Root + "/.monoco/mailbox")
	}
	if err := mailbox.Write(msg, tree.Inbound(provider)); err != nil {
		s.errorResponse(w, monocoerr.Wrap(monocoerr.TransientIO, err))
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusAccepted)
	writeJSON(w, map[string]any{"id": msg.Front.ID, "path": msg.Path}, s.logger)
}

func (s *Server) handleOutboundSend(w http.ResponseWriter, r *http.Request) {
	var req struct {
		DraftPath string `json:"draft_path"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.DraftPath == "" {
		s.badRequest(w, "draft_path is required")
		return
	}
	msg, err := mailbox.Send(s.d.Tree, req.DraftPath)
	if err != nil {
		s.errorResponse(w, err)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	writeJSON(w, map[string]any{"id": msg.Front.ID, "path": msg.Path}, s.logger)
}

func (s *Server) claimerFrom(r *http.Request) string {
	var req struct {
		Claimer string `json:"claimer"`
		Reason  string `json:"reason"`
	}
	_ = json.NewDecoder(r.Body).Decode(&req)
	if req.Claimer == "" {
		return "api"
	}
	return req.Claimer
}

func (s *Server) handleMailboxClaim(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	msg, err := s.d.Tree.Claim(id, s.claimerFrom(r))
	if err != nil {
		s.errorResponse(w, err)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	writeJSON(w, map[string]any{
		"id":       msg.Front.ID,
		"provider": msg.Front.Provider,
		"session":  msg.Front.Session,
		"body":     msg.Body,
	}, s.logger)
}

func (s *Server) handleMailboxDone(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if err := s.d.Tree.Done(id, s.claimerFrom(r)); err != nil {
		s.errorResponse(w, err)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	writeJSON(w, map[string]string{"status": "archived"}, s.logger)
}

func (s *Server) handleMailboxFail(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	var req struct {
		Claimer string `json:"claimer"`
		Reason  string `json:"reason"`
	}
	_ = json.NewDecoder(r.Body).Decode(&req)
	claimer := req.Claimer
	if claimer == "" {
		claimer = "api"
	}
	policy := s.d.Outbound.Policy
	if err := s.d.Tree.Fail(id, claimer, req.Reason, policy); err != nil {
		s.errorResponse(w, err)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	writeJSON(w, map[string]string{"status": "rescheduled"}, s.logger)
}

func (s *Server) handleSessionList(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	writeJSON(w, map[string]any{"sessions": s.d.Sched.ListAll()}, s.logger)
}

func (s *Server) handleSessionGet(w http.ResponseWriter, r *http.Request) {
	sess, err := s.d.Sched.Status(r.PathValue("id"))
	if err != nil {
		s.errorResponse(w, err)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	writeJSON(w, sess, s.logger)
}

func (s *Server) handleSessionTerminate(w http.ResponseWriter, r *http.Request) {
	if err := s.d.Sched.Terminate(r.PathValue("id")); err != nil {
		s.errorResponse(w, err)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	writeJSON(w, map[string]string{"status": "terminating"}, s.logger)
}

func parseIntParam(r *http.Request, name string, defaultVal int) int {
	v := r.URL.Query().Get(name)
	if v == "" {
		return defaultVal
	}
	n, err := strconv.Atoi(v)
	if err != nil || n < 0 {
		return defaultVal
	}
	return n
}
