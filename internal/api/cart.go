package api

import (
	"net/http"

	"github.com/gin-gonic/gin"
)

type addItemRequest struct {
	ProductID int64 `json:"product_id" binding:"required"`
	Quantity  int   `json:"quantity" binding:"required"`
}

type updateItemRequest struct {
	Quantity int `json:"quantity"`
}

func (h *Handler) viewCart(c *gin.Context) {
	view, err := h.svc.Carts.View(c.Request.Context(), callerFrom(c).BuyerID)
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, view)
}

func (h *Handler) addCartItem(c *gin.Context) {
	var req addItemRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		h.badRequest(c, "product_id and quantity are required", err)
		return
	}

	item, err := h.svc.Carts.AddItem(c.Request.Context(), callerFrom(c).BuyerID, req.ProductID, req.Quantity)
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusCreated, item)
}

func (h *Handler) updateCartItem(c *gin.Context) {
	productID, ok := h.pathID(c, "productId")
	if !ok {
		return
	}

	var req updateItemRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		h.badRequest(c, "invalid request body", err)
		return
	}

	item, err := h.svc.Carts.UpdateItem(c.Request.Context(), callerFrom(c).BuyerID, productID, req.Quantity)
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, item)
}

func (h *Handler) removeCartItem(c *gin.Context) {
	productID, ok := h.pathID(c, "productId")
	if !ok {
		return
	}

	if err := h.svc.Carts.RemoveItem(c.Request.Context(), callerFrom(c).BuyerID, productID); err != nil {
		h.respondError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

func (h *Handler) clearCart(c *gin.Context) {
	if err := h.svc.Carts.Clear(c.Request.Context(), callerFrom(c).BuyerID); err != nil {
		h.respondError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}
