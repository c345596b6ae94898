/*
Copyright 2024 Roster Authors.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

	http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

package api

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/rosterhq/roster"
	apimodel "github.com/rosterhq/roster/api/model"
	"github.com/rosterhq/roster/internal/apierror"
)

func respondError(c *gin.Context, err error) {
	status := apierror.MapErrorToHTTPStatus(err)
	if errors.Is(err, roster.ErrClubBusy) {
		status = http.StatusConflict
	}
	c.JSON(status, gin.H{"error": err.Error(), "code": apierror.CodeOf(err)})
}

func transferID(c *gin.Context) (string, bool) {
	id, passed := c.Params.Get("id")
	if !passed || id == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "id is required. pass id in the route /:id"})
		return "", false
	}
	return id, true
}

func (a Api) InitiateTransfer(c *gin.Context) {
	var req apimodel.CreateTransfer
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"errors": err.Error()})
		return
	}
	if err := req.ValidateCreateTransfer(); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"errors": err.Error()})
		return
	}

	resp, err := a.roster.InitiateTransfer(c.Request.Context(), req.ToInitiateRequest())
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusCreated, resp)
}

func (a Api) GetTransfer(c *gin.Context) {
	id, ok := transferID(c)
	if !ok {
		return
	}
	resp, err := a.roster.GetTransfer(c.Request.Context(), id)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, resp)
}

func (a Api) GetTransferSteps(c *gin.Context) {
	id, ok := transferID(c)
	if !ok {
		return
	}
	resp, err := a.roster.GetStepLogs(c.Request.Context(), id)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, resp)
}

// GetTransferSnapshots lists snapshots newest first, the order rollback replays them in.
// ?order=asc returns them in capture order.
func (a Api) GetTransferSnapshots(c *gin.Context) {
	id, ok := transferID(c)
	if !ok {
		return
	}
	order := c.DefaultQuery("order", "desc")
	if order != "asc" && order != "desc" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "order must be asc or desc"})
		return
	}
	resp, err := a.roster.GetSnapshots(c.Request.Context(), id, order == "asc")
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, resp)
}

// RunTransfer drives a pending transfer synchronously. A failed run still answers with
// the failed record so the operator sees where it stopped.
func (a Api) RunTransfer(c *gin.Context) {
	id, ok := transferID(c)
	if !ok {
		return
	}
	resp, err := a.roster.RunTransfer(c.Request.Context(), id)
	if err != nil {
		if resp != nil && resp.Status.Terminal() && !apierror.HasCode(err, apierror.ErrInvalidTransition) {
			c.JSON(http.StatusOK, resp)
			return
		}
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, resp)
}

func (a Api) RollbackTransfer(c *gin.Context) {
	id, ok := transferID(c)
	if !ok {
		return
	}
	var req apimodel.RollbackTransfer
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"errors": err.Error()})
		return
	}
	if err := req.ValidateRollbackTransfer(); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"errors": err.Error()})
		return
	}

	resp, err := a.roster.RollbackTransfer(c.Request.Context(), id, req.RequestedBy)
	if err != nil {
		if resp != nil && resp.RollbackFailed() {
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error(), "code": apierror.ErrRollbackIntegrity, "transfer": resp})
			return
		}
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, resp)
}

func (a Api) GetClubTransfers(c *gin.Context) {
	clubID, passed := c.Params.Get("id")
	if !passed || clubID == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "id is required. pass id in the route /:id"})
		return
	}
	limit, err := strconv.Atoi(c.DefaultQuery("limit", "20"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "limit must be a number"})
		return
	}
	offset, err := strconv.Atoi(c.DefaultQuery("offset", "0"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "offset must be a number"})
		return
	}

	resp, err := a.roster.GetClubTransfers(c.Request.Context(), clubID, limit, offset)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, resp)
}
