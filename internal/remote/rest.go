package remote

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"net/http"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/taskvault/taskvault/internal/model"
)

// Client talks to a PostgREST-style relational API (the hosted store the
// task app syncs against). All queries are scoped to the authenticated
// user; the server additionally enforces row-level security, which is why
// affected-row counts matter: RLS rejections are silent.
type Client struct {
	baseURL string
	apiKey  string
	token   string
	userID  string
	http    *http.Client
	logger  *log.Logger
}

// ClientConfig configures the REST client.
type ClientConfig struct {
	// BaseURL is the API root, e.g. http://127.0.0.1:54321
	BaseURL string

	// APIKey is the project API key sent on every request.
	APIKey string

	// Token is the user's bearer token. Empty token means guest mode:
	// reads return empty results and writes no-op quietly.
	Token string

	// UserID scopes all queries to the owning user.
	UserID string

	// Timeout per request (default 15s).
	Timeout time.Duration

	// Logger for request diagnostics (default stderr).
	Logger *log.Logger
}

// NewClient creates a REST store client.
func NewClient(cfg ClientConfig) *Client {
	if cfg.Timeout == 0 {
		cfg.Timeout = 15 * time.Second
	}
	if cfg.Logger == nil {
		cfg.Logger = log.New(os.Stderr, "[remote] ", log.LstdFlags)
	}
	return &Client{
		baseURL: strings.TrimRight(cfg.BaseURL, "/"),
		apiKey:  cfg.APIKey,
		token:   cfg.Token,
		userID:  cfg.UserID,
		http:    &http.Client{Timeout: cfg.Timeout},
		logger:  cfg.Logger,
	}
}

// SetIdentity swaps the authenticated user. Callers must clear any caches
// keyed to the previous identity after calling this.
func (c *Client) SetIdentity(userID, token string) {
	c.userID = userID
	c.token = token
}

// UserID returns the current owner identity (empty in guest mode).
func (c *Client) UserID() string { return c.userID }

func (c *Client) authenticated() bool { return c.token != "" && c.userID != "" }

// do executes one REST call and decodes the JSON response into out (when
// out is non-nil). Error responses are mapped onto the engine's taxonomy.
func (c *Client) do(ctx context.Context, method, path string, query url.Values, body any, prefer string, out any) error {
	u := c.baseURL + path
	if len(query) > 0 {
		u += "?" + query.Encode()
	}

	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("failed to encode request body: %w", err)
		}
		reader = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, u, reader)
	if err != nil {
		return fmt.Errorf("failed to build request: %w", err)
	}
	req.Header.Set("apikey", c.apiKey)
	req.Header.Set("Authorization", "Bearer "+c.token)
	req.Header.Set("Content-Type", "application/json")
	if prefer != "" {
		req.Header.Set("Prefer", prefer)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("request to %s failed: %w", path, err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("failed to read response from %s: %w", path, err)
	}

	if resp.StatusCode >= 400 {
		return c.mapError(resp.StatusCode, data)
	}

	if out != nil && len(data) > 0 {
		if err := json.Unmarshal(data, out); err != nil {
			return fmt.Errorf("failed to decode response from %s: %w", path, err)
		}
	}
	return nil
}

// mapError converts an error response into the engine's error taxonomy.
func (c *Client) mapError(status int, body []byte) error {
	var payload struct {
		Message string `json:"message"`
		Code    string `json:"code"`
	}
	_ = json.Unmarshal(body, &payload)
	msg := payload.Message
	if msg == "" {
		msg = strings.TrimSpace(string(body))
	}

	// GoTrue reports client clock skew in the message text; there is no
	// dedicated status code for it.
	if strings.Contains(msg, "issued in the future") {
		return fmt.Errorf("%w: %s", ErrClockSkew, msg)
	}
	if status == http.StatusConflict || payload.Code == "23505" {
		return fmt.Errorf("%w: %s", ErrUniqueViolation, msg)
	}
	return &StatusError{Status: status, Message: msg}
}

func (c *Client) ownerQuery() url.Values {
	q := url.Values{}
	q.Set("user_id", "eq."+c.userID)
	return q
}

// SelectTasks returns the user's active (non-soft-deleted) tasks.
func (c *Client) SelectTasks(ctx context.Context) ([]model.Task, error) {
	if !c.authenticated() {
		return []model.Task{}, nil
	}
	q := c.ownerQuery()
	q.Set("deleted", "eq.false")
	q.Set("select", "*")
	var tasks []model.Task
	if err := c.do(ctx, http.MethodGet, "/rest/v1/tasks", q, nil, "", &tasks); err != nil {
		return nil, fmt.Errorf("failed to select tasks: %w", err)
	}
	return tasks, nil
}

// SelectProjects returns the user's active projects.
func (c *Client) SelectProjects(ctx context.Context) ([]model.Project, error) {
	if !c.authenticated() {
		return []model.Project{}, nil
	}
	q := c.ownerQuery()
	q.Set("deleted", "eq.false")
	q.Set("select", "*")
	var projects []model.Project
	if err := c.do(ctx, http.MethodGet, "/rest/v1/projects", q, nil, "", &projects); err != nil {
		return nil, fmt.Errorf("failed to select projects: %w", err)
	}
	return projects, nil
}

// SelectGroups returns the user's active groups.
func (c *Client) SelectGroups(ctx context.Context) ([]model.Group, error) {
	if !c.authenticated() {
		return []model.Group{}, nil
	}
	q := c.ownerQuery()
	q.Set("deleted", "eq.false")
	q.Set("select", "*")
	var groups []model.Group
	if err := c.do(ctx, http.MethodGet, "/rest/v1/groups", q, nil, "", &groups); err != nil {
		return nil, fmt.Errorf("failed to select groups: %w", err)
	}
	return groups, nil
}

// GetTaskByID fetches a single task, active or soft-deleted.
func (c *Client) GetTaskByID(ctx context.Context, id string) (*model.Task, error) {
	if !c.authenticated() {
		return nil, ErrNotFound
	}
	q := c.ownerQuery()
	q.Set("id", "eq."+id)
	q.Set("select", "*")
	var tasks []model.Task
	if err := c.do(ctx, http.MethodGet, "/rest/v1/tasks", q, nil, "", &tasks); err != nil {
		return nil, fmt.Errorf("failed to get task %s: %w", id, err)
	}
	if len(tasks) == 0 {
		return nil, ErrNotFound
	}
	return &tasks[0], nil
}

// SelectTaskIDs returns the set of known task IDs.
func (c *Client) SelectTaskIDs(ctx context.Context, includeDeleted bool) (map[string]bool, error) {
	if !c.authenticated() {
		return map[string]bool{}, nil
	}
	q := c.ownerQuery()
	q.Set("select", "id,deleted")
	if !includeDeleted {
		q.Set("deleted", "eq.false")
	}
	var rows []struct {
		ID      string `json:"id"`
		Deleted bool   `json:"deleted"`
	}
	if err := c.do(ctx, http.MethodGet, "/rest/v1/tasks", q, nil, "", &rows); err != nil {
		return nil, fmt.Errorf("failed to select task ids: %w", err)
	}
	ids := make(map[string]bool, len(rows))
	for _, r := range rows {
		ids[r.ID] = r.Deleted
	}
	return ids, nil
}

// SelectDeletedIDs returns the soft-deleted ID set for projects or groups.
func (c *Client) SelectDeletedIDs(ctx context.Context, table string) (map[string]bool, error) {
	if !c.authenticated() {
		return map[string]bool{}, nil
	}
	q := c.ownerQuery()
	q.Set("deleted", "eq.true")
	q.Set("select", "id")
	var rows []struct {
		ID string `json:"id"`
	}
	if err := c.do(ctx, http.MethodGet, "/rest/v1/"+table, q, nil, "", &rows); err != nil {
		return nil, fmt.Errorf("failed to select deleted ids from %s: %w", table, err)
	}
	ids := make(map[string]bool, len(rows))
	for _, r := range rows {
		ids[r.ID] = true
	}
	return ids, nil
}

// InsertTask inserts exactly one task. A conflicting ID surfaces as
// ErrUniqueViolation so the dedup service can treat the race as "exists".
func (c *Client) InsertTask(ctx context.Context, task model.Task) error {
	if !c.authenticated() {
		return nil
	}
	task.UserID = c.userID
	var returned []model.Task
	err := c.do(ctx, http.MethodPost, "/rest/v1/tasks", nil, []model.Task{task},
		"return=representation", &returned)
	if err != nil {
		return fmt.Errorf("failed to insert task %s: %w", task.ID, err)
	}
	if len(returned) != 1 {
		return &PartialWriteError{Table: "tasks", Requested: 1, Affected: len(returned)}
	}
	return nil
}

// UpsertTasks bulk-upserts tasks and returns the accepted row count.
func (c *Client) UpsertTasks(ctx context.Context, tasks []model.Task) (int, error) {
	if !c.authenticated() || len(tasks) == 0 {
		return 0, nil
	}
	for i := range tasks {
		tasks[i].UserID = c.userID
	}
	var returned []model.Task
	err := c.do(ctx, http.MethodPost, "/rest/v1/tasks", nil, tasks,
		"resolution=merge-duplicates,return=representation", &returned)
	if err != nil {
		return 0, fmt.Errorf("failed to upsert tasks: %w", err)
	}
	if len(returned) != len(tasks) {
		return len(returned), &PartialWriteError{Table: "tasks", Requested: len(tasks), Affected: len(returned)}
	}
	return len(returned), nil
}

// UpsertProjects bulk-upserts projects and returns the accepted row count.
func (c *Client) UpsertProjects(ctx context.Context, projects []model.Project) (int, error) {
	if !c.authenticated() || len(projects) == 0 {
		return 0, nil
	}
	for i := range projects {
		projects[i].UserID = c.userID
	}
	var returned []model.Project
	err := c.do(ctx, http.MethodPost, "/rest/v1/projects", nil, projects,
		"resolution=merge-duplicates,return=representation", &returned)
	if err != nil {
		return 0, fmt.Errorf("failed to upsert projects: %w", err)
	}
	if len(returned) != len(projects) {
		return len(returned), &PartialWriteError{Table: "projects", Requested: len(projects), Affected: len(returned)}
	}
	return len(returned), nil
}

// UpsertGroups bulk-upserts groups and returns the accepted row count.
func (c *Client) UpsertGroups(ctx context.Context, groups []model.Group) (int, error) {
	if !c.authenticated() || len(groups) == 0 {
		return 0, nil
	}
	for i := range groups {
		groups[i].UserID = c.userID
	}
	var returned []model.Group
	err := c.do(ctx, http.MethodPost, "/rest/v1/groups", nil, groups,
		"resolution=merge-duplicates,return=representation", &returned)
	if err != nil {
		return 0, fmt.Errorf("failed to upsert groups: %w", err)
	}
	if len(returned) != len(groups) {
		return len(returned), &PartialWriteError{Table: "groups", Requested: len(groups), Affected: len(returned)}
	}
	return len(returned), nil
}

// DeleteTask hard-deletes a task row. Idempotent: deleting a missing row
// is not an error.
func (c *Client) DeleteTask(ctx context.Context, id string) error {
	if !c.authenticated() {
		return nil
	}
	q := c.ownerQuery()
	q.Set("id", "eq."+id)
	if err := c.do(ctx, http.MethodDelete, "/rest/v1/tasks", q, nil, "", nil); err != nil {
		return fmt.Errorf("failed to delete task %s: %w", id, err)
	}
	return nil
}

// UpsertTombstone records a deletion marker, keyed by (type, id, user).
func (c *Client) UpsertTombstone(ctx context.Context, ts model.Tombstone) error {
	if !c.authenticated() {
		return nil
	}
	ts.UserID = c.userID
	var returned []model.Tombstone
	err := c.do(ctx, http.MethodPost, "/rest/v1/tombstones", nil, []model.Tombstone{ts},
		"resolution=merge-duplicates,return=representation", &returned)
	if err != nil {
		return fmt.Errorf("failed to upsert tombstone %s/%s: %w", ts.EntityType, ts.EntityID, err)
	}
	return nil
}

// GetTombstone fetches one tombstone, or ErrNotFound.
func (c *Client) GetTombstone(ctx context.Context, entityType model.EntityType, id string) (*model.Tombstone, error) {
	if !c.authenticated() {
		return nil, ErrNotFound
	}
	q := c.ownerQuery()
	q.Set("entity_type", "eq."+string(entityType))
	q.Set("entity_id", "eq."+id)
	q.Set("select", "*")
	var rows []model.Tombstone
	if err := c.do(ctx, http.MethodGet, "/rest/v1/tombstones", q, nil, "", &rows); err != nil {
		return nil, fmt.Errorf("failed to get tombstone %s/%s: %w", entityType, id, err)
	}
	if len(rows) == 0 {
		return nil, ErrNotFound
	}
	return &rows[0], nil
}

// SelectTombstones returns all of the user's tombstone rows.
func (c *Client) SelectTombstones(ctx context.Context) ([]model.Tombstone, error) {
	if !c.authenticated() {
		return []model.Tombstone{}, nil
	}
	q := c.ownerQuery()
	q.Set("select", "*")
	var rows []model.Tombstone
	if err := c.do(ctx, http.MethodGet, "/rest/v1/tombstones", q, nil, "", &rows); err != nil {
		return nil, fmt.Errorf("failed to select tombstones: %w", err)
	}
	return rows, nil
}

// InsertAudit appends one dedup audit row.
func (c *Client) InsertAudit(ctx context.Context, rec model.AuditRecord) error {
	if !c.authenticated() {
		return nil
	}
	rec.UserID = c.userID
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = time.Now().UTC()
	}
	err := c.do(ctx, http.MethodPost, "/rest/v1/task_dedup_audit", nil,
		[]model.AuditRecord{rec}, "", nil)
	if err != nil {
		return fmt.Errorf("failed to insert audit record for %s: %w", rec.TaskID, err)
	}
	return nil
}

// HasProcedures probes for the safe-create stored procedure. The result is
// cached by the dedup service at construction time, not here.
func (c *Client) HasProcedures() bool {
	if !c.authenticated() {
		return false
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	err := c.do(ctx, http.MethodPost, "/rest/v1/rpc/check_task_availability", nil,
		map[string]any{"p_task_ids": []string{}}, "", nil)
	if err == nil {
		return true
	}
	// 404 means the function is not installed. Any other probe failure also
	// falls back to the client-side sequence rather than trusting a flaky RPC.
	var se *StatusError
	if errors.As(err, &se) && se.Status != http.StatusNotFound {
		c.logger.Printf("Warning: procedure probe failed (%v), falling back to client-side dedup", err)
	}
	return false
}

// SafeCreateTask invokes the atomic server-side safe-create procedure.
func (c *Client) SafeCreateTask(ctx context.Context, task model.Task) (string, error) {
	if !c.authenticated() {
		return "", ErrNotAuthenticated
	}
	task.UserID = c.userID
	var result struct {
		Decision string `json:"decision"`
	}
	err := c.do(ctx, http.MethodPost, "/rest/v1/rpc/safe_create_task", nil,
		map[string]any{"p_task": task}, "", &result)
	if err != nil {
		return "", fmt.Errorf("safe_create_task rpc failed: %w", err)
	}
	return result.Decision, nil
}

// CheckTaskAvailability invokes the batch availability procedure.
func (c *Client) CheckTaskAvailability(ctx context.Context, ids []string) ([]model.TaskIDAvailability, error) {
	if !c.authenticated() {
		return nil, ErrNotAuthenticated
	}
	var results []model.TaskIDAvailability
	err := c.do(ctx, http.MethodPost, "/rest/v1/rpc/check_task_availability", nil,
		map[string]any{"p_task_ids": ids}, "", &results)
	if err != nil {
		return nil, fmt.Errorf("check_task_availability rpc failed: %w", err)
	}
	return results, nil
}
