// Workflow and execution HTTP handlers.
package handlers

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"gorm.io/gorm"

	"github.com/openfish/sellerbot/internal/domain"
	"github.com/openfish/sellerbot/internal/repo"
	"github.com/openfish/sellerbot/internal/workflow"
)

// WorkflowRequest is the JSON payload for creating or updating a
// workflow. Definition is validated structurally before storage so a
// broken graph can never reach the engine.
type WorkflowRequest struct {
	Name        string               `json:"name" binding:"required,min=1,max=255"`
	Description string               `json:"description"`
	Definition  *workflow.Definition `json:"definition" binding:"required"`
	IsDefault   bool                 `json:"is_default"`
	Enabled     *bool                `json:"enabled"`
}

func (req *WorkflowRequest) toModel() (*domain.Workflow, error) {
	if err := req.Definition.Validate(); err != nil {
		return nil, err
	}
	raw, err := req.Definition.Encode()
	if err != nil {
		return nil, err
	}
	w := &domain.Workflow{
		Name:        req.Name,
		Description: req.Description,
		Definition:  raw,
		IsDefault:   req.IsDefault,
		Enabled:     true,
	}
	if req.Enabled != nil {
		w.Enabled = *req.Enabled
	}
	return w, nil
}

// CreateWorkflow handles POST /workflows.
func (h *Handlers) CreateWorkflow(c *gin.Context) {
	var req WorkflowRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		fail(c, http.StatusBadRequest, ErrCodeBadRequest, "invalid payload: "+err.Error())
		return
	}
	w, err := req.toModel()
	if err != nil {
		fail(c, http.StatusBadRequest, ErrCodeInvalidGraph, err.Error())
		return
	}
	if err := repo.CreateWorkflow(c.Request.Context(), h.db, w); err != nil {
		fail(c, http.StatusInternalServerError, ErrCodeInternal, "could not create workflow")
		return
	}
	created(c, w)
}

// UpdateWorkflow handles PUT /workflows/:id. Edits only affect future
// executions; running ones keep the graph they started with.
func (h *Handlers) UpdateWorkflow(c *gin.Context) {
	id, errParse := parseUint(c.Param("id"))
	if errParse != nil {
		fail(c, http.StatusBadRequest, ErrCodeBadRequest, "invalid workflow id")
		return
	}
	var req WorkflowRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		fail(c, http.StatusBadRequest, ErrCodeBadRequest, "invalid payload: "+err.Error())
		return
	}
	w, err := req.toModel()
	if err != nil {
		fail(c, http.StatusBadRequest, ErrCodeInvalidGraph, err.Error())
		return
	}
	w.ID = id
	if err := repo.UpdateWorkflow(c.Request.Context(), h.db, w); err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			fail(c, http.StatusNotFound, ErrCodeNotFound, "workflow not found")
			return
		}
		fail(c, http.StatusInternalServerError, ErrCodeInternal, "could not update workflow")
		return
	}
	ok(c, w)
}

// GetWorkflow handles GET /workflows/:id.
func (h *Handlers) GetWorkflow(c *gin.Context) {
	id, err := parseUint(c.Param("id"))
	if err != nil {
		fail(c, http.StatusBadRequest, ErrCodeBadRequest, "invalid workflow id")
		return
	}
	w, err := repo.GetWorkflow(c.Request.Context(), h.db, id)
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			fail(c, http.StatusNotFound, ErrCodeNotFound, "workflow not found")
			return
		}
		fail(c, http.StatusInternalServerError, ErrCodeInternal, "could not load workflow")
		return
	}
	ok(c, w)
}

// ListWorkflows handles GET /workflows.
func (h *Handlers) ListWorkflows(c *gin.Context) {
	ws, err := repo.ListWorkflows(c.Request.Context(), h.db)
	if err != nil {
		fail(c, http.StatusInternalServerError, ErrCodeInternal, "could not list workflows")
		return
	}
	ok(c, gin.H{"workflows": ws})
}

// DeleteWorkflow handles DELETE /workflows/:id.
func (h *Handlers) DeleteWorkflow(c *gin.Context) {
	id, err := parseUint(c.Param("id"))
	if err != nil {
		fail(c, http.StatusBadRequest, ErrCodeBadRequest, "invalid workflow id")
		return
	}
	if err := repo.DeleteWorkflow(c.Request.Context(), h.db, id); err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			fail(c, http.StatusNotFound, ErrCodeNotFound, "workflow not found")
			return
		}
		fail(c, http.StatusInternalServerError, ErrCodeInternal, "could not delete workflow")
		return
	}
	noContent(c)
}

// ListExecutions handles GET /executions with optional account_id and
// limit query parameters.
func (h *Handlers) ListExecutions(c *gin.Context) {
	execs, err := repo.ListExecutions(c.Request.Context(), h.db, c.Query("account_id"), queryInt(c, "limit", 100))
	if err != nil {
		fail(c, http.StatusInternalServerError, ErrCodeInternal, "could not list executions")
		return
	}
	ok(c, gin.H{"executions": execs})
}

// GetOrderExecution handles GET /orders/:orderId/execution, returning
// the order's active (non-terminal) execution.
func (h *Handlers) GetOrderExecution(c *gin.Context) {
	exec, err := repo.GetActiveExecutionByOrder(c.Request.Context(), h.db, c.Param("orderId"))
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			fail(c, http.StatusNotFound, ErrCodeNotFound, "no active execution")
			return
		}
		fail(c, http.StatusInternalServerError, ErrCodeInternal, "could not load execution")
		return
	}
	ok(c, exec)
}
