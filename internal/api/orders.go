package api

import (
	"net/http"
	"strconv"

	"storefront/internal/models"
	"storefront/internal/service"

	"github.com/gin-gonic/gin"
)

type updateStatusRequest struct {
	Status models.OrderStatus `json:"status" binding:"required"`
}

// createOrder handles checkout of the caller's cart
func (h *Handler) createOrder(c *gin.Context) {
	var req service.CreateOrderRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		h.badRequest(c, "invalid request body", err)
		return
	}
	req.IdempotencyKey = c.GetHeader(headerIdempotency)

	order, err := h.svc.Orders.CreateOrder(c.Request.Context(), callerFrom(c), &req)
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusCreated, order)
}

// listOrders lists the caller's orders; admins may pass ?buyer_id=
func (h *Handler) listOrders(c *gin.Context) {
	caller := callerFrom(c)
	buyerID := caller.BuyerID
	if raw := c.Query("buyer_id"); raw != "" {
		id, err := strconv.ParseInt(raw, 10, 64)
		if err != nil {
			h.badRequest(c, "invalid buyer_id", nil)
			return
		}
		buyerID = id
	}

	orders, err := h.svc.Orders.ListOrders(c.Request.Context(), caller, buyerID)
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"orders": orders})
}

// getOrder handles get order by ID
func (h *Handler) getOrder(c *gin.Context) {
	orderID, ok := h.pathID(c, "id")
	if !ok {
		return
	}

	order, err := h.svc.Orders.GetOrder(c.Request.Context(), callerFrom(c), orderID)
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, order)
}

func (h *Handler) updateOrderStatus(c *gin.Context) {
	orderID, ok := h.pathID(c, "id")
	if !ok {
		return
	}

	var req updateStatusRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		h.badRequest(c, "status is required", err)
		return
	}

	order, err := h.svc.Orders.UpdateStatus(c.Request.Context(), callerFrom(c), orderID, req.Status)
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, order)
}

func (h *Handler) cancelOrder(c *gin.Context) {
	orderID, ok := h.pathID(c, "id")
	if !ok {
		return
	}

	order, err := h.svc.Orders.CancelOrder(c.Request.Context(), callerFrom(c), orderID)
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, order)
}
