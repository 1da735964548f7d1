package chain

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	"karya/internal/domain"
	"karya/internal/lifecycle"
	"karya/internal/repo"
	"karya/internal/store"
	"karya/internal/taskop"
)

// Executor runs task link chains inside op transactions. Forward execution
// turns completed source assignments into new destination microtasks;
// backward execution folds completed destination microtasks into source
// assignment verification.
type Executor struct {
	Repo      repo.Repo
	Store     store.Store
	Lifecycle lifecycle.Lifecycle
}

// ExecuteForwardTaskLinks handles the window's completed assignments of the
// op's task. When no link from the task is blocking, the same assignments
// also go through the default verification policy; a blocking link means the
// downstream task's review is authoritative.
func (e Executor) ExecuteForwardTaskLinks(ctx context.Context, tx *sql.Tx, op domain.TaskOp, w taskop.Window) ([]taskop.FollowUp, error) {
	task, err := e.Repo.GetTask(ctx, tx, op.TaskID)
	if err != nil {
		return nil, err
	}
	assignments, err := e.Repo.CompletedAssignmentsInWindow(ctx, tx, task.ID, w.From, w.To)
	if err != nil {
		return nil, err
	}
	if len(assignments) == 0 {
		return nil, nil
	}
	sources, err := e.sourceMicrotasks(ctx, tx, assignments)
	if err != nil {
		return nil, err
	}
	links, err := e.Repo.ActiveLinksFrom(ctx, tx, task.ID)
	if err != nil {
		return nil, err
	}

	blocking := false
	for _, link := range links {
		if link.Blocking {
			blocking = true
		}
		if err := e.executeForwardLink(ctx, tx, link, task, assignments, sources); err != nil {
			return nil, fmt.Errorf("link %s: %w", link.ID, err)
		}
	}
	if blocking {
		return nil, nil
	}
	return e.Lifecycle.VerifyCompleted(ctx, tx, assignments)
}

func (e Executor) executeForwardLink(ctx context.Context, tx *sql.Tx, link domain.TaskLink, from domain.Task, assignments []domain.MicrotaskAssignment, sources map[string]domain.Microtask) error {
	c, err := Get(link.Chain)
	if err != nil {
		return err
	}
	to, err := e.Repo.GetTask(ctx, tx, link.ToTask)
	if err != nil {
		return err
	}
	ordered := make([]domain.Microtask, len(assignments))
	for i, a := range assignments {
		ordered[i] = sources[a.MicrotaskID]
	}
	drafts, err := c.HandleCompletedFromAssignments(from, to, assignments, ordered)
	if err != nil {
		return err
	}
	if len(drafts) != len(assignments) {
		return fmt.Errorf("chain %s produced %d microtasks for %d assignments", link.Chain, len(drafts), len(assignments))
	}
	for i, draft := range drafts {
		input, err := withChainMetadata(draft.InputJSON, domain.ChainMetadata{
			LinkID:       link.ID,
			TaskID:       from.ID,
			WorkerID:     assignments[i].WorkerID,
			AssignmentID: assignments[i].ID,
			MicrotaskID:  assignments[i].MicrotaskID,
		})
		if err != nil {
			return err
		}
		row := domain.Row{
			"task_id": to.ID,
			"input":   input,
			"credits": draft.Credits,
			"status":  domain.MicrotaskIncomplete,
		}
		if draft.Deadline != nil {
			row["deadline"] = *draft.Deadline
		}
		if _, err := e.Store.Insert(ctx, tx, "microtask", row); err != nil {
			return err
		}
	}
	return nil
}

// ExecuteBackwardTaskLinks handles the window's completed microtasks of the
// op's task, grouped by the link that generated them. Blocking links feed
// the updated assignments through verification; non-blocking links only
// record credits and reports on already-verified assignments.
func (e Executor) ExecuteBackwardTaskLinks(ctx context.Context, tx *sql.Tx, op domain.TaskOp, w taskop.Window) ([]taskop.FollowUp, error) {
	task, err := e.Repo.GetTask(ctx, tx, op.TaskID)
	if err != nil {
		return nil, err
	}
	completed, err := e.Repo.CompletedMicrotasksInWindow(ctx, tx, task.ID, w.From, w.To)
	if err != nil {
		return nil, err
	}
	byLink := map[string][]domain.Microtask{}
	for _, m := range completed {
		meta, ok := chainMetadata(m.InputJSON)
		if !ok {
			continue
		}
		byLink[meta.LinkID] = append(byLink[meta.LinkID], m)
	}

	var followUps []taskop.FollowUp
	for linkID, microtasks := range byLink {
		ups, err := e.executeBackwardLink(ctx, tx, linkID, task, microtasks)
		if err != nil {
			return nil, fmt.Errorf("link %s: %w", linkID, err)
		}
		followUps = append(followUps, ups...)
	}
	return followUps, nil
}

func (e Executor) executeBackwardLink(ctx context.Context, tx *sql.Tx, linkID string, to domain.Task, microtasks []domain.Microtask) ([]taskop.FollowUp, error) {
	link, err := e.Repo.GetTaskLink(ctx, tx, linkID)
	if err != nil {
		return nil, err
	}
	c, err := Get(link.Chain)
	if err != nil {
		return nil, err
	}
	from, err := e.Repo.GetTask(ctx, tx, link.FromTask)
	if err != nil {
		return nil, err
	}
	var ids []string
	for _, m := range microtasks {
		meta, _ := chainMetadata(m.InputJSON)
		ids = append(ids, meta.AssignmentID)
	}
	assignments, err := e.Repo.AssignmentsByIDs(ctx, tx, ids)
	if err != nil {
		return nil, err
	}
	updated, err := c.HandleCompletedToMicrotasks(from, to, microtasks, assignments)
	if err != nil {
		return nil, err
	}
	if link.Blocking {
		return e.Lifecycle.VerifyCompleted(ctx, tx, updated)
	}
	for _, a := range updated {
		changes := domain.Row{}
		if a.Credits != nil {
			changes["credits"] = *a.Credits
		}
		if a.ReportJSON != "" {
			changes["report"] = a.ReportJSON
		}
		if len(changes) == 0 {
			continue
		}
		if err := e.Store.UpdateSingle(ctx, tx, "microtask_assignment", domain.Row{"id": a.ID}, changes); err != nil {
			return nil, err
		}
	}
	return nil, nil
}

func (e Executor) sourceMicrotasks(ctx context.Context, tx *sql.Tx, assignments []domain.MicrotaskAssignment) (map[string]domain.Microtask, error) {
	seen := map[string]bool{}
	var ids []string
	for _, a := range assignments {
		if !seen[a.MicrotaskID] {
			seen[a.MicrotaskID] = true
			ids = append(ids, a.MicrotaskID)
		}
	}
	microtasks, err := e.Repo.MicrotasksByIDs(ctx, tx, ids)
	if err != nil {
		return nil, err
	}
	byID := map[string]domain.Microtask{}
	for _, m := range microtasks {
		byID[m.ID] = m
	}
	return byID, nil
}

func withChainMetadata(inputJSON string, meta domain.ChainMetadata) (string, error) {
	input := map[string]any{}
	if inputJSON != "" {
		if err := json.Unmarshal([]byte(inputJSON), &input); err != nil {
			return "", fmt.Errorf("chained microtask input: %w", err)
		}
	}
	input["chain"] = meta
	out, err := json.Marshal(input)
	if err != nil {
		return "", err
	}
	return string(out), nil
}

func chainMetadata(inputJSON string) (domain.ChainMetadata, bool) {
	var wrapper struct {
		Chain *domain.ChainMetadata `json:"chain"`
	}
	if err := json.Unmarshal([]byte(inputJSON), &wrapper); err != nil || wrapper.Chain == nil || wrapper.Chain.LinkID == "" {
		return domain.ChainMetadata{}, false
	}
	return *wrapper.Chain, true
}
