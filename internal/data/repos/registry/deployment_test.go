package registry

import (
	"context"
	"testing"

	"gorm.io/datatypes"

	"github.com/yungbote/agentflow/internal/data/repos/testutil"
	types "github.com/yungbote/agentflow/internal/domain"
	"github.com/yungbote/agentflow/internal/platform/dbctx"
)

func TestDeploymentRepoRegisterFlow(t *testing.T) {
	db := testutil.DB(t)
	tx := testutil.Tx(t, db)

	ctx := context.Background()
	dbc := dbctx.Context{Ctx: ctx, Tx: tx}
	repo := NewDeploymentRepo(db, testutil.Logger(t))

	project := testutil.SeedProject(t, ctx, tx, "p1")

	deployment, err := repo.Upsert(dbc, &types.Deployment{
		ProjectID:  project.ID,
		Name:       "agents",
		AppVersion: "1.0.0",
	})
	if err != nil {
		t.Fatalf("Upsert: %v", err)
	}

	workflows := []*types.DeploymentWorkflow{
		{ProjectID: project.ID, WorkflowID: "wf_a", Name: "A", InputSchema: datatypes.JSON([]byte(`{}`))},
		{ProjectID: project.ID, WorkflowID: "wf_b", Name: "B"},
	}
	if err := repo.ReplaceWorkflows(dbc, deployment.ID, workflows); err != nil {
		t.Fatalf("ReplaceWorkflows: %v", err)
	}
	listed, err := repo.ListWorkflows(dbc, deployment.ID)
	if err != nil || len(listed) != 2 {
		t.Fatalf("ListWorkflows: len=%d err=%v", len(listed), err)
	}

	// Re-registration replaces the set wholesale.
	if err := repo.ReplaceWorkflows(dbc, deployment.ID, []*types.DeploymentWorkflow{
		{ProjectID: project.ID, WorkflowID: "wf_b", Name: "B2"},
	}); err != nil {
		t.Fatalf("ReplaceWorkflows #2: %v", err)
	}
	listed, err = repo.ListWorkflows(dbc, deployment.ID)
	if err != nil || len(listed) != 1 {
		t.Fatalf("ListWorkflows #2: len=%d err=%v", len(listed), err)
	}
	if listed[0].WorkflowID != "wf_b" || listed[0].Name != "B2" {
		t.Fatalf("ListWorkflows #2: %+v", listed[0])
	}

	wf, err := repo.GetWorkflow(dbc, project.ID, deployment.ID, "wf_b")
	if err != nil || wf == nil {
		t.Fatalf("GetWorkflow: %v", err)
	}
	missing, err := repo.GetWorkflow(dbc, project.ID, deployment.ID, "wf_a")
	if err != nil {
		t.Fatalf("GetWorkflow missing: %v", err)
	}
	if missing != nil {
		t.Fatalf("GetWorkflow missing: expected nil, got %+v", missing)
	}

	agents := []*types.AgentDefinition{
		{ProjectID: project.ID, AgentID: "planner", Model: "large"},
	}
	if err := repo.ReplaceAgents(dbc, deployment.ID, agents); err != nil {
		t.Fatalf("ReplaceAgents: %v", err)
	}
	tools := []*types.ToolDefinition{
		{ProjectID: project.ID, ToolID: "search", Name: "Search"},
		{ProjectID: project.ID, ToolID: "fetch", Name: "Fetch"},
	}
	if err := repo.ReplaceTools(dbc, deployment.ID, tools); err != nil {
		t.Fatalf("ReplaceTools: %v", err)
	}
	gotAgents, err := repo.ListAgents(dbc, deployment.ID)
	if err != nil || len(gotAgents) != 1 {
		t.Fatalf("ListAgents: len=%d err=%v", len(gotAgents), err)
	}
	gotTools, err := repo.ListTools(dbc, deployment.ID)
	if err != nil || len(gotTools) != 2 {
		t.Fatalf("ListTools: len=%d err=%v", len(gotTools), err)
	}
}
