package handlers

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/verbata/codeframe-backend/internal/services"
)

type HierarchyHandler struct {
	editor services.TreeEditorService
}

func NewHierarchyHandler(editor services.TreeEditorService) *HierarchyHandler {
	return &HierarchyHandler{editor: editor}
}

// GET /api/generations/:id/tree
func (h *HierarchyHandler) GetTree(c *gin.Context) {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid generation id"})
		return
	}

	res, err := h.editor.GetTree(c.Request.Context(), id)
	if err != nil {
		c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
		return
	}

	c.JSON(http.StatusOK, res)
}

// POST /api/generations/:id/tree/rename
func (h *HierarchyHandler) Rename(c *gin.Context) {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid generation id"})
		return
	}
	var req services.RenameNodeRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body"})
		return
	}

	res, err := h.editor.Rename(c.Request.Context(), id, req)
	if err != nil {
		respondEditError(c, err)
		return
	}

	c.JSON(http.StatusOK, res)
}

// POST /api/generations/:id/tree/merge
func (h *HierarchyHandler) Merge(c *gin.Context) {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid generation id"})
		return
	}
	var req services.MergeNodesRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body"})
		return
	}

	res, err := h.editor.Merge(c.Request.Context(), id, req)
	if err != nil {
		respondEditError(c, err)
		return
	}

	c.JSON(http.StatusOK, res)
}

// POST /api/generations/:id/tree/delete
func (h *HierarchyHandler) Delete(c *gin.Context) {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid generation id"})
		return
	}
	var req services.DeleteNodeRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body"})
		return
	}

	res, err := h.editor.Delete(c.Request.Context(), id, req)
	if err != nil {
		respondEditError(c, err)
		return
	}

	c.JSON(http.StatusOK, res)
}

// POST /api/generations/:id/tree/reorder
func (h *HierarchyHandler) Reorder(c *gin.Context) {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid generation id"})
		return
	}
	var req services.ReorderNodesRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body"})
		return
	}

	res, err := h.editor.Reorder(c.Request.Context(), id, req)
	if err != nil {
		respondEditError(c, err)
		return
	}

	c.JSON(http.StatusOK, res)
}

func respondEditError(c *gin.Context, err error) {
	if errors.Is(err, services.ErrStaleTree) {
		c.JSON(http.StatusConflict, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
}
