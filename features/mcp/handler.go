// Package mcp exposes search over the Model Context Protocol, as JSON-RPC over
// plain POST or over an SSE session.
package mcp

import (
	"context"
	"encoding/json"
	"fmt"
	"html"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"newslens/internal/failure"
	"newslens/internal/middleware"
	"newslens/internal/news"
)

type Searcher interface {
	Search(ctx context.Context, query string, enhance bool, limit int) ([]news.ScoredArticle, error)
	FindSimilar(ctx context.Context, articleID string, limit int) ([]news.ScoredArticle, error)
	TopicsMatching(ctx context.Context, query string) ([]string, error)
}

type ArticleReader interface {
	GetArticle(ctx context.Context, id string) (*news.Article, error)
}

type Handler struct {
	searcher     Searcher
	articles     ArticleReader
	sessions     map[string]chan string // sessionId -> serialized JSON-RPC responses
	sessionsLock sync.RWMutex
}

func NewHandler(s Searcher, a ArticleReader) *Handler {
	return &Handler{
		searcher: s,
		articles: a,
		sessions: make(map[string]chan string),
	}
}

type JSONRPCRequest struct {
	JSONRPC string          `json:"jsonrpc"`
	Method  string          `json:"method"`
	Params  json.RawMessage `json:"params"`
	ID      interface{}     `json:"id"`
}

type JSONRPCResponse struct {
	JSONRPC string      `json:"jsonrpc"`
	Result  interface{} `json:"result,omitempty"`
	Error   interface{} `json:"error,omitempty"`
	ID      interface{} `json:"id"`
}

type CallParams struct {
	Name      string          `json:"name"`
	Arguments json.RawMessage `json:"arguments"`
}

type SearchArgs struct {
	Query   string `json:"query"`
	Enhance *bool  `json:"enhance,omitempty"`
	Limit   int    `json:"limit,omitempty"`
}

type SimilarArgs struct {
	ArticleID string `json:"article_id"`
	Limit     int    `json:"limit,omitempty"`
}

type TopicsArgs struct {
	Query string `json:"query"`
}

type ReadArticleArgs struct {
	ArticleID string `json:"article_id"`
}

type Tool struct {
	Name        string      `json:"name"`
	Description string      `json:"description"`
	InputSchema interface{} `json:"inputSchema"`
}

type ListToolsResult struct {
	Tools []Tool `json:"tools"`
}

type ToolResult struct {
	Content []ToolContent `json:"content"`
	IsError bool          `json:"isError,omitempty"`
}

type ToolContent struct {
	Type string `json:"type"`
	Text string `json:"text"`
}

const (
	ErrParse          = -32700
	ErrInvalidRequest = -32600
	ErrMethodNotFound = -32601
	ErrInvalidParams  = -32602
	ErrInternal       = -32603
)

const (
	ToolSearch      = "newslens_search"
	ToolSimilar     = "newslens_similar"
	ToolTopics      = "newslens_topics"
	ToolReadArticle = "newslens_read_article"
)

func stringProp(desc string) map[string]string {
	return map[string]string{"type": "string", "description": desc}
}

func limitProp() map[string]interface{} {
	return map[string]interface{}{
		"type":        "integer",
		"description": "Maximum number of results.",
		"minimum":     1,
		"maximum":     100,
	}
}

var tools = []Tool{
	{
		Name: ToolSearch,
		Description: `Semantic search over ingested news articles. Returns title, source, summary, topics and similarity score for each hit.

USAGE EXAMPLE:
newslens_search(query="central bank interest rates", limit=5)`,
		InputSchema: map[string]interface{}{
			"type": "object",
			"properties": map[string]interface{}{
				"query": stringProp("Free-text search query"),
				"enhance": map[string]string{
					"type":        "boolean",
					"description": "Expand the query with related terms before searching (default true)",
				},
				"limit": limitProp(),
			},
			"required": []string{"query"},
		},
	},
	{
		Name:        ToolSimilar,
		Description: `Lists the articles closest in meaning to a stored article, excluding the article itself.`,
		InputSchema: map[string]interface{}{
			"type": "object",
			"properties": map[string]interface{}{
				"article_id": stringProp("ID of a stored article"),
				"limit":      limitProp(),
			},
			"required": []string{"article_id"},
		},
	},
	{
		Name:        ToolTopics,
		Description: `Finds topic labels matching a query. Use the labels to browse articles by topic.`,
		InputSchema: map[string]interface{}{
			"type": "object",
			"properties": map[string]interface{}{
				"query": stringProp("Topic fragment, e.g. \"climate\""),
			},
			"required": []string{"query"},
		},
	},
	{
		Name:        ToolReadArticle,
		Description: `Returns the stored metadata of one article: URL, title, source, publication date, summary and topics.`,
		InputSchema: map[string]interface{}{
			"type": "object",
			"properties": map[string]interface{}{
				"article_id": stringProp("ID of a stored article"),
			},
			"required": []string{"article_id"},
		},
	},
}

// processRequest returns nil for notifications.
func (h *Handler) processRequest(ctx context.Context, req JSONRPCRequest) *JSONRPCResponse {
	switch req.Method {
	case "initialize":
		return result(req.ID, map[string]interface{}{
			"protocolVersion": "2024-11-05",
			"capabilities": map[string]interface{}{
				"tools": map[string]interface{}{},
			},
			"serverInfo": map[string]interface{}{
				"name":    "newslens-mcp",
				"version": "1.0.0",
			},
		})
	case "notifications/initialized":
		return nil
	case "ping":
		return result(req.ID, map[string]interface{}{})
	case "tools/list":
		return result(req.ID, ListToolsResult{Tools: tools})
	case "tools/call":
		var params CallParams
		if err := json.Unmarshal(req.Params, &params); err != nil {
			slog.WarnContext(ctx, "invalid params structure", "error", err)
			return errorResponse(req.ID, ErrInvalidParams, "Invalid params")
		}
		return h.callTool(ctx, req.ID, params)
	}

	slog.WarnContext(ctx, "unknown jsonrpc method", "method", req.Method)
	return errorResponse(req.ID, ErrMethodNotFound, "Method not found")
}

func (h *Handler) callTool(ctx context.Context, id interface{}, params CallParams) *JSONRPCResponse {
	var (
		text string
		err  error
	)

	switch params.Name {
	case ToolSearch:
		var args SearchArgs
		if jsonErr := json.Unmarshal(params.Arguments, &args); jsonErr != nil || strings.TrimSpace(args.Query) == "" {
			return errorResponse(id, ErrInvalidParams, "query is required")
		}
		enhance := args.Enhance == nil || *args.Enhance
		var results []news.ScoredArticle
		if results, err = h.searcher.Search(ctx, args.Query, enhance, args.Limit); err == nil {
			text = formatScored(results)
		}
	case ToolSimilar:
		var args SimilarArgs
		if jsonErr := json.Unmarshal(params.Arguments, &args); jsonErr != nil || args.ArticleID == "" {
			return errorResponse(id, ErrInvalidParams, "article_id is required")
		}
		var results []news.ScoredArticle
		if results, err = h.searcher.FindSimilar(ctx, args.ArticleID, args.Limit); err == nil {
			text = formatScored(results)
		}
	case ToolTopics:
		var args TopicsArgs
		if jsonErr := json.Unmarshal(params.Arguments, &args); jsonErr != nil || strings.TrimSpace(args.Query) == "" {
			return errorResponse(id, ErrInvalidParams, "query is required")
		}
		var topics []string
		if topics, err = h.searcher.TopicsMatching(ctx, args.Query); err == nil {
			text = formatTopics(topics)
		}
	case ToolReadArticle:
		var args ReadArticleArgs
		if jsonErr := json.Unmarshal(params.Arguments, &args); jsonErr != nil || args.ArticleID == "" {
			return errorResponse(id, ErrInvalidParams, "article_id is required")
		}
		var a *news.Article
		if a, err = h.articles.GetArticle(ctx, args.ArticleID); err == nil {
			text = formatArticle(a)
		}
	default:
		slog.WarnContext(ctx, "tool not found", "tool", params.Name)
		return errorResponse(id, ErrMethodNotFound, "Method not found: "+params.Name)
	}

	if err != nil {
		return toolError(ctx, id, params.Name, err)
	}

	slog.InfoContext(ctx, "tool execution completed", "tool", params.Name)
	return result(id, ToolResult{Content: []ToolContent{{Type: "text", Text: text}}})
}

// toolError reports caller mistakes as tool results the model can read, and
// everything else as a JSON-RPC internal error.
func toolError(ctx context.Context, id interface{}, tool string, err error) *JSONRPCResponse {
	switch failure.KindOf(err) {
	case failure.KindNotFound, failure.KindInvalid:
		return result(id, ToolResult{
			Content: []ToolContent{{Type: "text", Text: "Error: " + err.Error()}},
			IsError: true,
		})
	}
	slog.ErrorContext(ctx, "tool execution failed", "tool", tool, "error", err)
	return errorResponse(id, ErrInternal, tool+" failed: "+err.Error())
}

func formatScored(results []news.ScoredArticle) string {
	if len(results) == 0 {
		return "No results found."
	}
	var b strings.Builder
	for i, a := range results {
		fmt.Fprintf(&b, "Result %d (Score: %.2f):\n", i+1, a.Score)
		fmt.Fprintf(&b, "ID: %s\nTitle: %s\nURL: %s\n", a.ID, a.Title, a.URL)
		if a.Source != "" {
			fmt.Fprintf(&b, "Source: %s\n", a.Source)
		}
		if a.Summary != "" {
			fmt.Fprintf(&b, "Summary: %s\n", a.Summary)
		}
		if len(a.Topics) > 0 {
			fmt.Fprintf(&b, "Topics: %s\n", strings.Join(a.Topics, ", "))
		}
		b.WriteString("\n---\n")
	}
	b.WriteString("\nUse newslens_read_article(article_id=\"...\") for the full record of a result.\n")
	return b.String()
}

func formatTopics(topics []string) string {
	if len(topics) == 0 {
		return "No matching topics."
	}
	return "Topics:\n- " + strings.Join(topics, "\n- ")
}

func formatArticle(a *news.Article) string {
	var b strings.Builder
	fmt.Fprintf(&b, "ID: %s\nTitle: %s\nURL: %s\n", a.ID, a.Title, a.URL)
	if a.Source != "" {
		fmt.Fprintf(&b, "Source: %s\n", a.Source)
	}
	if a.PublishedAt != nil {
		fmt.Fprintf(&b, "Published: %s\n", a.PublishedAt.Format(time.RFC3339))
	}
	if len(a.Topics) > 0 {
		fmt.Fprintf(&b, "Topics: %s\n", strings.Join(a.Topics, ", "))
	}
	if a.Summary != "" {
		fmt.Fprintf(&b, "\nSummary:\n%s\n", a.Summary)
	} else {
		b.WriteString("\nNo summary available.\n")
	}
	return b.String()
}

func result(id, v interface{}) *JSONRPCResponse {
	return &JSONRPCResponse{JSONRPC: "2.0", ID: id, Result: v}
}

func errorResponse(id interface{}, code int, message string) *JSONRPCResponse {
	return &JSONRPCResponse{
		JSONRPC: "2.0",
		Error: map[string]interface{}{
			"code":    code,
			"message": message,
		},
		ID: id,
	}
}

// ServeHTTP answers a single JSON-RPC request in the response body.
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	var req JSONRPCRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeRPC(r.Context(), w, errorResponse(nil, ErrParse, "Parse error"))
		return
	}

	resp := h.processRequest(r.Context(), req)
	if resp == nil {
		w.WriteHeader(http.StatusOK)
		return
	}
	h.writeRPC(r.Context(), w, resp)
}

// HandleSSE opens a session and streams the responses to messages posted for it.
func (h *Handler) HandleSSE(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		h.writeHTTPError(w, http.StatusInternalServerError, "INTERNAL_ERROR", "streaming unsupported", middleware.GetCorrelationID(r.Context()))
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")

	sessionID := uuid.New().String()
	msgChan := make(chan string, 100)

	h.sessionsLock.Lock()
	h.sessions[sessionID] = msgChan
	h.sessionsLock.Unlock()

	defer func() {
		h.sessionsLock.Lock()
		delete(h.sessions, sessionID)
		close(msgChan)
		h.sessionsLock.Unlock()
		slog.Info("sse session ended", "session_id", sessionID)
	}()

	slog.Info("sse session started", "session_id", sessionID)

	scheme := "http"
	if r.TLS != nil || r.Header.Get("X-Forwarded-Proto") == "https" {
		scheme = "https"
	}
	endpoint := fmt.Sprintf("%s://%s/mcp/messages?sessionId=%s", scheme, r.Host, sessionID)

	fmt.Fprintf(w, "event: endpoint\ndata: %s\n\n", html.EscapeString(endpoint))
	flusher.Flush()

	ticker := time.NewTicker(15 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case msg := <-msgChan:
			fmt.Fprintf(w, "event: message\ndata: %s\n\n", msg)
			flusher.Flush()
		case <-ticker.C:
			fmt.Fprint(w, ": keepalive\n\n")
			flusher.Flush()
		case <-r.Context().Done():
			return
		}
	}
}

// HandleMessage accepts a JSON-RPC message for an open session and answers 202;
// the response is delivered on the session's event stream.
func (h *Handler) HandleMessage(w http.ResponseWriter, r *http.Request) {
	correlationID := middleware.GetCorrelationID(r.Context())

	sessionID := r.URL.Query().Get("sessionId")
	if sessionID == "" {
		h.writeHTTPError(w, http.StatusBadRequest, "VALIDATION_ERROR", "Missing sessionId", correlationID)
		return
	}

	h.sessionsLock.RLock()
	_, exists := h.sessions[sessionID]
	h.sessionsLock.RUnlock()
	if !exists {
		h.writeHTTPError(w, http.StatusNotFound, "NOT_FOUND", "Session not found", correlationID)
		return
	}

	var req JSONRPCRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeHTTPError(w, http.StatusBadRequest, "INVALID_JSON", "Invalid JSON", correlationID)
		return
	}

	w.WriteHeader(http.StatusAccepted)

	ctx := context.WithoutCancel(r.Context())
	go func() {
		resp := h.processRequest(ctx, req)
		if resp == nil {
			return
		}
		body, err := json.Marshal(resp)
		if err != nil {
			slog.ErrorContext(ctx, "failed to marshal response", "error", err)
			return
		}
		h.deliver(ctx, sessionID, string(body))
	}()
}

// deliver sends msg to the session if it is still open. The read lock keeps
// the session's channel from being closed during the send.
func (h *Handler) deliver(ctx context.Context, sessionID, msg string) {
	h.sessionsLock.RLock()
	defer h.sessionsLock.RUnlock()

	msgChan, ok := h.sessions[sessionID]
	if !ok {
		slog.WarnContext(ctx, "session closed before response", "session_id", sessionID)
		return
	}
	select {
	case msgChan <- msg:
	default:
		slog.WarnContext(ctx, "session channel full, dropping message", "session_id", sessionID)
	}
}

func (h *Handler) writeRPC(ctx context.Context, w http.ResponseWriter, resp *JSONRPCResponse) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	if err := json.NewEncoder(w).Encode(resp); err != nil {
		slog.ErrorContext(ctx, "failed to encode response", "error", err)
	}
}

func (h *Handler) writeHTTPError(w http.ResponseWriter, status int, code, message, correlationID string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(map[string]interface{}{
		"error": map[string]string{
			"code":    code,
			"message": message,
		},
		"correlationId": correlationID,
	})
}
