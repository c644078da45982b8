package service

import (
	"context"
	"fmt"
	"strings"
	"time"

	"storefront/internal/apperr"
	"storefront/internal/gateway"
	"storefront/internal/models"
	"storefront/internal/store"
	"storefront/internal/util"

	"github.com/shopspring/decimal"
	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"
)

const (
	defaultRefundReason = "Refund requested"
	manualRefundSuffix  = " (manual refund pending)"
)

// RefundService reverses paid orders
type RefundService struct {
	repo    Repository
	gateway PaymentGateway
	events  EventPublisher
	logger  *zap.Logger
	now     func() time.Time
}

// NewRefundService creates a new refund service
func NewRefundService(repo Repository, gw PaymentGateway, events EventPublisher) *RefundService {
	return &RefundService{
		repo:    repo,
		gateway: gw,
		events:  events,
		logger:  util.GetLogger(),
		now:     time.Now,
	}
}

// RefundRequest is the optional input of a refund. A nil Amount refunds the order total.
type RefundRequest struct {
	Amount *decimal.Decimal `json:"amount,omitempty"`
	Reason string           `json:"reason,omitempty"`
}

// RequestRefund refunds a paid order. Gateway orders are refunded through the gateway;
// transfer and cash orders are marked for manual processing with a synthetic refund id.
func (s *RefundService) RequestRefund(ctx context.Context, caller models.Caller, orderID int64, req RefundRequest) (*models.Order, error) {
	ctx, span := util.StartSpan(ctx, "RefundService.RequestRefund", attribute.Int64("order_id", orderID))
	defer span.End()

	order, err := s.repo.GetOrder(ctx, orderID)
	if err != nil {
		return nil, err
	}
	if !caller.CanAccess(order) {
		return nil, fmt.Errorf("%w: order %d", apperr.ErrForbidden, orderID)
	}
	if err := checkRefundable(order); err != nil {
		return nil, err
	}

	amount := order.Total
	if req.Amount != nil {
		amount = *req.Amount
	}
	if !amount.IsPositive() || amount.GreaterThan(order.Total) {
		return nil, fmt.Errorf("%w: refund amount must be greater than zero and at most %s",
			apperr.ErrValidation, order.Total.StringFixed(2))
	}

	reason := strings.TrimSpace(req.Reason)
	if reason == "" {
		reason = defaultRefundReason
	}

	manual := order.PaymentMethod != models.PaymentMethodGateway
	var refundID string
	if manual {
		refundID = fmt.Sprintf("manual_%d_%d", order.ID, s.now().Unix())
		reason += manualRefundSuffix
	} else {
		refund, err := s.gateway.CreateRefund(ctx, gateway.RefundRequest{
			PaymentID:      *order.TransactionID,
			Amount:         &amount,
			IdempotencyKey: "refund_" + order.ExternalReference(),
		})
		if err != nil {
			util.RecordError(span, err)
			s.logger.Error("Gateway refund failed", zap.Int64("order_id", orderID), zap.Error(err))
			return nil, err
		}
		refundID = refund.ID.String()
	}

	var from models.PaymentStatus
	err = s.repo.WithTx(ctx, func(tx store.Tx) error {
		locked, err := tx.GetOrderForUpdate(ctx, orderID)
		if err != nil {
			return err
		}
		if locked.PaymentStatus != models.PaymentStatusPaid {
			return fmt.Errorf("%w: order %d is %s, not paid", apperr.ErrInvalidState, orderID, locked.PaymentStatus)
		}

		now := s.now()
		from = locked.PaymentStatus
		locked.PaymentStatus = models.PaymentStatusRefunded
		locked.RefundID = &refundID
		locked.RefundReason = &reason
		locked.RefundDate = &now
		order = locked
		return tx.UpdateOrder(ctx, locked)
	})
	if err != nil {
		util.RecordError(span, err)
		if !manual {
			s.logger.Error("Gateway refund issued but not recorded",
				zap.Int64("order_id", orderID),
				zap.String("refund_id", refundID),
				zap.Error(err))
		}
		return nil, err
	}

	util.RefundsTotal.WithLabelValues(string(order.PaymentMethod)).Inc()
	util.PaymentStatusChangesTotal.WithLabelValues(SourceRefund, string(order.PaymentStatus)).Inc()
	s.logger.Info("Order refunded",
		zap.Int64("order_id", orderID),
		zap.String("amount", amount.StringFixed(2)),
		zap.String("refund_id", refundID),
		zap.Bool("manual", manual))

	s.publish(ctx, order, from, amount, refundID, manual)
	return order, nil
}

func checkRefundable(o *models.Order) error {
	if o.PaymentStatus != models.PaymentStatusPaid {
		return fmt.Errorf("%w: order %d is %s, not paid", apperr.ErrInvalidState, o.ID, o.PaymentStatus)
	}
	if o.PaymentMethod == models.PaymentMethodGateway && (o.TransactionID == nil || *o.TransactionID == "") {
		return fmt.Errorf("%w: order %d", apperr.ErrMissingTransactionID, o.ID)
	}
	return nil
}

func (s *RefundService) publish(ctx context.Context, order *models.Order, from models.PaymentStatus, amount decimal.Decimal, refundID string, manual bool) {
	if s.events == nil {
		return
	}

	refunded := &models.OrderRefundedEvent{
		BaseEvent: newBaseEvent(models.EventTypeOrderRefunded, s.now()),
		OrderID:   order.ID,
		Amount:    amount,
		RefundID:  refundID,
		Manual:    manual,
	}
	if err := s.events.PublishOrderRefunded(ctx, refunded); err != nil {
		s.logger.Error("Failed to publish OrderRefunded event", zap.Int64("order_id", order.ID), zap.Error(err))
	}

	txID := ""
	if order.TransactionID != nil {
		txID = *order.TransactionID
	}
	changed := &models.PaymentStatusChangedEvent{
		BaseEvent:     newBaseEvent(models.EventTypePaymentStatusChanged, s.now()),
		OrderID:       order.ID,
		From:          from,
		To:            order.PaymentStatus,
		TransactionID: txID,
		Source:        SourceRefund,
	}
	if err := s.events.PublishPaymentStatusChanged(ctx, changed); err != nil {
		s.logger.Error("Failed to publish PaymentStatusChanged event", zap.Int64("order_id", order.ID), zap.Error(err))
	}
}
