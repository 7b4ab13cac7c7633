// README: Trip history handlers: list, detail, rate rider.
package handlers

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"driverline/internal/http/middleware"
	"driverline/internal/modules/history"
	"driverline/internal/types"
)

type HistoryHandler struct {
	history *history.Service
}

func NewHistoryHandler(svc *history.Service) *HistoryHandler {
	return &HistoryHandler{history: svc}
}

func (h *HistoryHandler) List(c *gin.Context) {
	entries, err := h.history.ListByDriver(c.Request.Context(), middleware.CallerUID(c))
	if err != nil {
		writeHistoryError(c, err)
		return
	}
	writeJSON(c, http.StatusOK, gin.H{"rides": entries})
}

func (h *HistoryHandler) Get(c *gin.Context) {
	id := c.Param("id")
	if !isValidID(id) {
		writeError(c, http.StatusBadRequest, "invalid ride id")
		return
	}
	e, err := h.history.Get(c.Request.Context(), types.ID(id), middleware.CallerUID(c))
	if err != nil {
		writeHistoryError(c, err)
		return
	}
	writeJSON(c, http.StatusOK, e)
}

type rateReq struct {
	Rating  int    `json:"rating"`
	Comment string `json:"comment"`
}

func (h *HistoryHandler) Rate(c *gin.Context) {
	id := c.Param("id")
	if !isValidID(id) {
		writeError(c, http.StatusBadRequest, "invalid ride id")
		return
	}
	var req rateReq
	if err := c.ShouldBindJSON(&req); err != nil {
		writeError(c, http.StatusBadRequest, "invalid json")
		return
	}
	err := h.history.Rate(c.Request.Context(), history.RateCommand{
		RideID:   types.ID(id),
		DriverID: middleware.CallerUID(c),
		Rating:   req.Rating,
		Comment:  req.Comment,
	})
	if err != nil {
		writeHistoryError(c, err)
		return
	}
	writeJSON(c, http.StatusOK, gin.H{"status": "rated"})
}
