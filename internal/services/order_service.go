package services

import (
	"context"
	"errors"
	"slices"
	"strings"
	"time"

	"github.com/mobishop/api/internal/domain"
	"github.com/mobishop/api/internal/platform/pagination"
	"github.com/mobishop/api/internal/repositories"
)

// orderStateTransitions lists the administrator edges. pending to paid is missing on purpose: only
// the fulfiller performs it.
var orderStateTransitions = map[domain.OrderStatus][]domain.OrderStatus{
	domain.OrderStatusPending:    {domain.OrderStatusFailed},
	domain.OrderStatusPaid:       {domain.OrderStatusProcessing},
	domain.OrderStatusProcessing: {domain.OrderStatusShipped},
	domain.OrderStatusShipped:    {domain.OrderStatusDelivered},
}

// OrderServiceDeps bundles collaborators required to construct the order service.
type OrderServiceDeps struct {
	Orders repositories.OrderRepository
	Events OrderEventPublisher
	Clock  func() time.Time
	Logger func(ctx context.Context, event string, fields map[string]any)
}

type orderService struct {
	orders repositories.OrderRepository
	events OrderEventPublisher
	clock  func() time.Time
	logger func(context.Context, string, map[string]any)
}

// NewOrderService wires dependencies into a concrete OrderService implementation.
func NewOrderService(deps OrderServiceDeps) (OrderService, error) {
	if deps.Orders == nil {
		return nil, errors.New("order service: order repository is required")
	}
	clock := deps.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := deps.Logger
	if logger == nil {
		logger = func(context.Context, string, map[string]any) {}
	}
	return &orderService{
		orders: deps.Orders,
		events: deps.Events,
		clock:  func() time.Time { return clock().UTC() },
		logger: logger,
	}, nil
}

func (s *orderService) GetOrder(ctx context.Context, orderID string) (domain.Order, error) {
	orderID = strings.TrimSpace(orderID)
	if orderID == "" {
		return domain.Order{}, newError(KindValidation, "order: id is required")
	}
	order, err := s.orders.FindByID(ctx, orderID)
	if err != nil {
		return domain.Order{}, fromRepository("order", err)
	}
	return order, nil
}

func (s *orderService) ListOrders(ctx context.Context, filter OrderListFilter) (domain.CursorPage[domain.Order], error) {
	statuses := make([]domain.OrderStatus, 0, len(filter.Status))
	for _, raw := range filter.Status {
		if strings.TrimSpace(raw) == "" {
			continue
		}
		status, ok := domain.ParseOrderStatus(raw)
		if !ok {
			return domain.CursorPage[domain.Order]{}, newError(KindValidation, "order: unknown status %q", raw)
		}
		if !slices.Contains(statuses, status) {
			statuses = append(statuses, status)
		}
	}
	size := filter.PageSize
	switch {
	case size <= 0:
		size = pagination.DefaultPageSize
	case size > pagination.DefaultMaxPageSize:
		size = pagination.DefaultMaxPageSize
	}

	page, err := s.orders.List(ctx, repositories.OrderListFilter{
		Status:     statuses,
		Pagination: domain.Pagination{PageSize: size, PageToken: strings.TrimSpace(filter.PageToken)},
	})
	if err != nil {
		if errors.Is(err, pagination.ErrInvalidPageToken) {
			return domain.CursorPage[domain.Order]{}, wrapError(KindValidation, err, "order: invalid page token")
		}
		return domain.CursorPage[domain.Order]{}, fromRepository("order", err)
	}
	return page, nil
}

func (s *orderService) UpdateStatus(ctx context.Context, cmd UpdateOrderStatusCommand) (domain.Order, error) {
	orderID := strings.TrimSpace(cmd.OrderID)
	if orderID == "" {
		return domain.Order{}, newError(KindValidation, "order: id is required")
	}
	target, ok := domain.ParseOrderStatus(cmd.Status)
	if !ok {
		return domain.Order{}, newError(KindValidation, "order: unknown status %q", cmd.Status)
	}
	if target == domain.OrderStatusPaid {
		return domain.Order{}, newError(KindValidation, "order: paid is set by payment reconciliation only")
	}

	order, err := s.orders.FindByID(ctx, orderID)
	if err != nil {
		return domain.Order{}, fromRepository("order", err)
	}
	current := order.Status
	if cmd.ExpectedStatus != nil {
		expected, ok := domain.ParseOrderStatus(*cmd.ExpectedStatus)
		if !ok {
			return domain.Order{}, newError(KindValidation, "order: unknown expected status %q", *cmd.ExpectedStatus)
		}
		if expected != current {
			return domain.Order{}, newError(KindConflict, "order: status is %s, expected %s", current, expected).
				withDetails(map[string]any{"status": string(current)})
		}
	}
	if current == target {
		return order, nil
	}
	if !canTransition(current, target) {
		return domain.Order{}, newError(KindConflict, "order: cannot move from %s to %s", current, target).
			withDetails(map[string]any{"from": string(current), "to": string(target)})
	}

	now := s.clock()
	if err := s.orders.UpdateStatus(ctx, orderID, current, target, now); err != nil {
		return domain.Order{}, fromRepository("order", err)
	}
	order.Status = target
	order.UpdatedAt = now

	fields := map[string]any{
		"orderID": orderID,
		"from":    string(current),
		"to":      string(target),
		"actor":   cmd.ActorID,
	}
	if reason := strings.TrimSpace(cmd.Reason); reason != "" {
		fields["reason"] = reason
	}
	s.logger(ctx, "order.status.changed", fields)

	attrs := map[string]string{}
	if cmd.ActorID != "" {
		attrs["actor"] = cmd.ActorID
	}
	if reason := strings.TrimSpace(cmd.Reason); reason != "" {
		attrs["reason"] = reason
	}
	publishOrderEvent(ctx, s.events, s.logger, domain.OrderEvent{
		Type:           domain.OrderEventStatusChanged,
		OrderID:        orderID,
		Status:         string(target),
		PreviousStatus: string(current),
		Total:          int64(order.Total),
		Currency:       order.Currency,
		Provider:       order.Provider,
		OccurredAt:     now,
		Attributes:     attrs,
	})
	return order, nil
}

func canTransition(current, target domain.OrderStatus) bool {
	next, ok := orderStateTransitions[current]
	if !ok {
		return false
	}
	return slices.Contains(next, target)
}
