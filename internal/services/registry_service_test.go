package services

import (
	"testing"

	"github.com/google/uuid"
	"gorm.io/datatypes"

	"github.com/yungbote/agentflow/internal/data/repos/testutil"
	"github.com/yungbote/agentflow/internal/platform/apierr"
)

func newRegistryService(t *testing.T, h *harness) RegistryService {
	t.Helper()
	return NewRegistryService(h.db, testutil.Logger(t), h.deployments)
}

func TestRegisterDeploymentReplacesDefinitions(t *testing.T) {
	h, ctx := newHarness(t)
	registry := newRegistryService(t, h)

	deployment, err := registry.RegisterDeployment(ctx, RegisterDeploymentParams{
		Name:       "app",
		AppVersion: "1.0.0",
		Workflows: []WorkflowDefinition{
			{WorkflowID: "ingest", Name: "Ingest", DefaultQueue: "heavy"},
			{WorkflowID: "report"},
		},
		Agents: []AgentDefinitionInput{
			{AgentID: "researcher", Model: "large", Instructions: "find sources"},
		},
		Tools: []ToolDefinitionInput{
			{ToolID: "search", InputSchema: datatypes.JSON([]byte(`{"type":"object"}`))},
		},
	})
	if err != nil {
		t.Fatalf("register: %v", err)
	}

	detail, err := registry.GetDeployment(ctx, deployment.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if len(detail.Workflows) != 2 || len(detail.Agents) != 1 || len(detail.Tools) != 1 {
		t.Fatalf("definition counts wrong: %d workflows, %d agents, %d tools",
			len(detail.Workflows), len(detail.Agents), len(detail.Tools))
	}

	// Re-registering with fewer definitions removes the missing ones.
	if _, err := registry.RegisterDeployment(ctx, RegisterDeploymentParams{
		DeploymentID: &deployment.ID,
		Name:         "app",
		AppVersion:   "1.1.0",
		Workflows: []WorkflowDefinition{
			{WorkflowID: "ingest"},
		},
	}); err != nil {
		t.Fatalf("re-register: %v", err)
	}

	workflows, err := registry.ListWorkflows(ctx, deployment.ID)
	if err != nil {
		t.Fatalf("list workflows: %v", err)
	}
	if len(workflows) != 1 || workflows[0].WorkflowID != "ingest" {
		t.Fatalf("replacement should drop the report workflow: %+v", workflows)
	}
	detail, err = registry.GetDeployment(ctx, deployment.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if detail.Deployment.AppVersion != "1.1.0" {
		t.Fatalf("version not updated: %q", detail.Deployment.AppVersion)
	}
	if len(detail.Agents) != 0 || len(detail.Tools) != 0 {
		t.Fatal("omitted agents and tools should be removed")
	}

	deployments, err := registry.ListDeployments(ctx)
	if err != nil {
		t.Fatalf("list deployments: %v", err)
	}
	found := false
	for _, d := range deployments {
		if d.ID == deployment.ID {
			found = true
		}
	}
	if !found {
		t.Fatal("registered deployment should be listed")
	}
}

func TestRegisterDeploymentValidation(t *testing.T) {
	h, ctx := newHarness(t)
	registry := newRegistryService(t, h)

	_, err := registry.RegisterDeployment(ctx, RegisterDeploymentParams{})
	assertCode(t, err, apierr.CodeBadRequest)

	_, err = registry.RegisterDeployment(ctx, RegisterDeploymentParams{
		Name:      "app",
		Workflows: []WorkflowDefinition{{}},
	})
	assertCode(t, err, apierr.CodeBadRequest)

	_, err = registry.GetDeployment(ctx, uuid.New())
	assertCode(t, err, apierr.CodeNotFound)
}
