package services

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/mobishop/api/internal/domain"
	"github.com/mobishop/api/internal/repositories"
)

// FulfillerDeps bundles collaborators required to construct the fulfiller.
type FulfillerDeps struct {
	Products   repositories.ProductRepository
	Orders     repositories.OrderRepository
	Ledger     repositories.ProcessedEventRepository
	UnitOfWork repositories.UnitOfWork
	Cache      ProductCacheInvalidator
	Events     OrderEventPublisher
	Clock      func() time.Time
	Logger     func(ctx context.Context, event string, fields map[string]any)
}

type fulfiller struct {
	products   repositories.ProductRepository
	orders     repositories.OrderRepository
	ledger     repositories.ProcessedEventRepository
	unitOfWork repositories.UnitOfWork
	cache      ProductCacheInvalidator
	events     OrderEventPublisher
	clock      func() time.Time
	logger     func(context.Context, string, map[string]any)
}

// errDuplicateDelivery aborts a fulfilment transaction whose ledger entry already exists.
var errDuplicateDelivery = errors.New("fulfillment: notification already processed")

// NewFulfiller wires dependencies into the pending to paid transaction.
func NewFulfiller(deps FulfillerDeps) (Fulfiller, error) {
	if deps.Products == nil {
		return nil, errors.New("fulfiller: product repository is required")
	}
	if deps.Orders == nil {
		return nil, errors.New("fulfiller: order repository is required")
	}
	if deps.Ledger == nil {
		return nil, errors.New("fulfiller: processed event repository is required")
	}
	unit := deps.UnitOfWork
	if unit == nil {
		unit = noopUnitOfWork{}
	}
	clock := deps.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := deps.Logger
	if logger == nil {
		logger = func(context.Context, string, map[string]any) {}
	}
	return &fulfiller{
		products:   deps.Products,
		orders:     deps.Orders,
		ledger:     deps.Ledger,
		unitOfWork: unit,
		cache:      deps.Cache,
		events:     deps.Events,
		clock:      func() time.Time { return clock().UTC() },
		logger:     logger,
	}, nil
}

func (f *fulfiller) FulfillPending(ctx context.Context, cmd FulfillPendingCommand) (FulfillResult, error) {
	orderID := strings.TrimSpace(cmd.OrderID)
	if orderID == "" {
		return FulfillResult{}, newError(KindValidation, "fulfillment: order id is required")
	}

	var (
		result FulfillResult
		err    error
	)
	if f.unitOfWork.SupportsTransactions(ctx) {
		result, err = f.fulfillInTx(ctx, orderID, cmd)
	} else {
		result, err = f.fulfillWithCompensation(ctx, orderID, cmd)
	}
	if err != nil {
		if errors.Is(err, errDuplicateDelivery) {
			return FulfillResult{Duplicate: true}, nil
		}
		return FulfillResult{}, err
	}
	if result.AlreadyPaid || result.Duplicate {
		return result, nil
	}

	f.afterCommit(ctx, result.Order)
	return result, nil
}

// fulfillInTx performs every read before the first write, which transactional document stores
// require, then flips the order, decrements stock and records the ledger entry together.
func (f *fulfiller) fulfillInTx(ctx context.Context, orderID string, cmd FulfillPendingCommand) (FulfillResult, error) {
	var result FulfillResult
	err := f.unitOfWork.RunInTx(ctx, func(txCtx context.Context) error {
		result = FulfillResult{}
		order, err := f.orders.FindByID(txCtx, orderID)
		if err != nil {
			return fromRepository("order", err)
		}
		if done, err := checkFulfillable(order); err != nil || done {
			result = FulfillResult{Order: order, AlreadyPaid: done}
			return err
		}
		if err := f.preloadProducts(txCtx, order.Items); err != nil {
			return err
		}
		if cmd.Event != nil {
			exists, err := f.ledger.Exists(txCtx, cmd.Event.Key)
			if err != nil {
				return fromRepository("ledger", err)
			}
			if exists {
				return errDuplicateDelivery
			}
		}

		now := f.clock()
		if err := f.orders.MarkPaid(txCtx, orderID, cmd.ChargeID, now); err != nil {
			if errors.Is(err, repositories.ErrOrderAlreadyPaid) {
				result = FulfillResult{Order: order, AlreadyPaid: true}
				return nil
			}
			return fromRepository("order", err)
		}
		for _, item := range order.Items {
			if err := f.products.DecrementStock(txCtx, item.ProductID, item.Quantity); err != nil {
				return decrementError(item, err)
			}
		}
		if cmd.Event != nil {
			if err := f.ledger.Insert(txCtx, *cmd.Event); err != nil {
				if errors.Is(err, repositories.ErrEventAlreadyProcessed) {
					return errDuplicateDelivery
				}
				return fromRepository("ledger", err)
			}
		}
		result = FulfillResult{Order: markedPaid(order, cmd.ChargeID, now)}
		return nil
	})
	if err != nil {
		return FulfillResult{}, err
	}
	return result, nil
}

// fulfillWithCompensation is used when the store has no multi-document transactions. Stock is
// decremented line by line and restored in reverse on failure; the status flip is a
// compare-and-set so only one concurrent caller keeps its decrements.
func (f *fulfiller) fulfillWithCompensation(ctx context.Context, orderID string, cmd FulfillPendingCommand) (FulfillResult, error) {
	order, err := f.orders.FindByID(ctx, orderID)
	if err != nil {
		return FulfillResult{}, fromRepository("order", err)
	}
	if done, err := checkFulfillable(order); err != nil || done {
		return FulfillResult{Order: order, AlreadyPaid: done}, err
	}
	if cmd.Event != nil {
		exists, err := f.ledger.Exists(ctx, cmd.Event.Key)
		if err != nil {
			return FulfillResult{}, fromRepository("ledger", err)
		}
		if exists {
			return FulfillResult{Duplicate: true}, nil
		}
	}

	applied, err := f.decrementAll(ctx, order.ID, order.Items)
	if err != nil {
		return FulfillResult{}, err
	}

	now := f.clock()
	if err := f.orders.MarkPaid(ctx, orderID, cmd.ChargeID, now); err != nil {
		f.restore(ctx, order.ID, applied)
		if errors.Is(err, repositories.ErrOrderAlreadyPaid) {
			return FulfillResult{Order: order, AlreadyPaid: true}, nil
		}
		return FulfillResult{}, fromRepository("order", err)
	}

	if cmd.Event != nil {
		if err := f.ledger.Insert(ctx, *cmd.Event); err != nil && !errors.Is(err, repositories.ErrEventAlreadyProcessed) {
			// The order is already paid; a redelivery stops at the status check.
			f.logger(ctx, "fulfillment.ledger.insert.failed", map[string]any{
				"orderID": order.ID,
				"key":     cmd.Event.Key,
				"error":   err.Error(),
			})
		}
	}
	return FulfillResult{Order: markedPaid(order, cmd.ChargeID, now)}, nil
}

func (f *fulfiller) CreatePaid(ctx context.Context, cmd CreatePaidCommand) (domain.Order, error) {
	order := cmd.Order
	if strings.TrimSpace(order.ID) == "" {
		return domain.Order{}, newError(KindValidation, "fulfillment: order id is required")
	}
	if order.Status != domain.OrderStatusPaid {
		return domain.Order{}, newError(KindValidation, "fulfillment: order must be created as paid")
	}
	if len(order.Items) == 0 {
		return domain.Order{}, newError(KindValidation, "fulfillment: order has no items")
	}

	if f.unitOfWork.SupportsTransactions(ctx) {
		err := f.unitOfWork.RunInTx(ctx, func(txCtx context.Context) error {
			if err := f.preloadProducts(txCtx, order.Items); err != nil {
				return err
			}
			for _, item := range order.Items {
				if err := f.products.DecrementStock(txCtx, item.ProductID, item.Quantity); err != nil {
					return decrementError(item, err)
				}
			}
			if err := f.orders.Insert(txCtx, order); err != nil {
				return fromRepository("order", err)
			}
			return nil
		})
		if err != nil {
			return domain.Order{}, err
		}
	} else {
		applied, err := f.decrementAll(ctx, order.ID, order.Items)
		if err != nil {
			return domain.Order{}, err
		}
		if err := f.orders.Insert(ctx, order); err != nil {
			f.restore(ctx, order.ID, applied)
			return domain.Order{}, fromRepository("order", err)
		}
	}

	f.afterCommit(ctx, order)
	return order, nil
}

// preloadProducts reads every line's product inside the transaction and fails fast when one no
// longer has enough stock. The conditional decrement still decides.
func (f *fulfiller) preloadProducts(ctx context.Context, items []domain.OrderItem) error {
	for _, item := range items {
		product, err := f.products.FindByID(ctx, item.ProductID)
		if err != nil {
			return fromRepository("product", err)
		}
		if product.Stock < item.Quantity {
			return decrementError(item, repositories.ErrInsufficientStock)
		}
	}
	return nil
}

func (f *fulfiller) decrementAll(ctx context.Context, orderID string, items []domain.OrderItem) ([]domain.OrderItem, error) {
	applied := make([]domain.OrderItem, 0, len(items))
	for _, item := range items {
		if err := f.products.DecrementStock(ctx, item.ProductID, item.Quantity); err != nil {
			f.restore(ctx, orderID, applied)
			return nil, decrementError(item, err)
		}
		applied = append(applied, item)
	}
	return applied, nil
}

// restore undoes applied decrements in reverse order. Failures are logged and the remaining lines
// are still attempted.
func (f *fulfiller) restore(ctx context.Context, orderID string, applied []domain.OrderItem) {
	for i := len(applied) - 1; i >= 0; i-- {
		item := applied[i]
		if err := f.products.IncrementStock(ctx, item.ProductID, item.Quantity); err != nil {
			f.logger(ctx, "fulfillment.compensation.failed", map[string]any{
				"orderID":   orderID,
				"productID": item.ProductID,
				"quantity":  item.Quantity,
				"error":     err.Error(),
			})
		}
	}
}

func (f *fulfiller) afterCommit(ctx context.Context, order domain.Order) {
	if f.cache != nil {
		if err := f.cache.Invalidate(ctx); err != nil {
			f.logger(ctx, "catalog.cache.invalidate.failed", map[string]any{
				"orderID": order.ID,
				"error":   err.Error(),
			})
		}
	}
	f.logger(ctx, "order.paid", map[string]any{
		"orderID":  order.ID,
		"chargeID": order.PaymentChargeID,
		"total":    int64(order.Total),
	})
	publishOrderEvent(ctx, f.events, f.logger, domain.OrderEvent{
		Type:       domain.OrderEventPaid,
		OrderID:    order.ID,
		Status:     string(domain.OrderStatusPaid),
		Total:      int64(order.Total),
		PaidAmount: int64(order.Total),
		Currency:   order.Currency,
		Provider:   order.Provider,
		PaymentID:  order.PaymentChargeID,
		OccurredAt: f.clock(),
	})
}

// checkFulfillable reports done when the order has already moved past pending.
func checkFulfillable(order domain.Order) (bool, error) {
	switch order.Status {
	case domain.OrderStatusPending:
		return false, nil
	case domain.OrderStatusFailed:
		return false, newError(KindConflict, "fulfillment: order %s is failed", order.ID)
	default:
		return true, nil
	}
}

func decrementError(item domain.OrderItem, err error) error {
	if errors.Is(err, repositories.ErrInsufficientStock) {
		title := item.Title
		if title == "" {
			title = item.ProductID
		}
		return &Error{
			Kind:    KindConflict,
			Message: "insufficient stock for " + title,
			Details: map[string]any{"productId": item.ProductID, "requested": item.Quantity},
			Err:     err,
		}
	}
	return fromRepository("product", err)
}

func markedPaid(order domain.Order, chargeID string, at time.Time) domain.Order {
	order.Status = domain.OrderStatusPaid
	if chargeID != "" {
		order.PaymentChargeID = chargeID
	}
	order.PaidAt = &at
	order.UpdatedAt = at
	return order
}

type noopUnitOfWork struct{}

func (noopUnitOfWork) RunInTx(ctx context.Context, fn func(context.Context) error) error {
	return fn(ctx)
}

func (noopUnitOfWork) SupportsTransactions(context.Context) bool { return false }

func publishOrderEvent(ctx context.Context, publisher OrderEventPublisher, logger func(context.Context, string, map[string]any), event domain.OrderEvent) {
	if publisher == nil {
		return
	}
	if err := publisher.PublishOrderEvent(ctx, event); err != nil {
		logger(ctx, "order.event.publish.failed", map[string]any{
			"type":    string(event.Type),
			"orderID": event.OrderID,
			"status":  event.Status,
			"error":   err.Error(),
		})
	}
}
