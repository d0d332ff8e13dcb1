package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"kasirinaja/settlement/internal/apperror"
	"kasirinaja/settlement/internal/domain"
	"kasirinaja/settlement/internal/outbox"
)

// HandlerRegistry is satisfied by *outbox.Dispatcher.
type HandlerRegistry interface {
	Register(eventType string, handler outbox.EventHandler)
}

// RegisterHandlers binds every settlement event type to its consumer.
func (s *Service) RegisterHandlers(registry HandlerRegistry) {
	registry.Register(domain.EventCashRecord, outbox.EventHandlerFunc(s.handleCashRecord))
	registry.Register(domain.EventAccountingPost, outbox.EventHandlerFunc(s.handleAccountingPost))
	registry.Register(domain.EventCustomerSpend, outbox.EventHandlerFunc(s.handleCustomerSpend))
	registry.Register(domain.EventStockAdjust, outbox.EventHandlerFunc(s.handleStockAdjust))
}

func decodePayload(event domain.OutboxEvent, dst any) error {
	if err := json.Unmarshal(event.PayloadJSON, dst); err != nil {
		return outbox.Permanent(fmt.Errorf("decode %s payload: %w", event.EventType, err))
	}
	return nil
}

// permanentIfInvalid stops retrying errors that no retry can fix.
func permanentIfInvalid(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, apperror.ErrValidation) {
		return outbox.Permanent(err)
	}
	return err
}

func (s *Service) handleCashRecord(ctx context.Context, event domain.OutboxEvent) error {
	var payload domain.CashRecordPayload
	if err := decodePayload(event, &payload); err != nil {
		return err
	}
	return permanentIfInvalid(s.Cash.recordOrderCash(ctx, payload))
}

func (s *Service) handleAccountingPost(ctx context.Context, event domain.OutboxEvent) error {
	var payload domain.AccountingPostPayload
	if err := decodePayload(event, &payload); err != nil {
		return err
	}
	_, err := s.Accounting.Post(ctx, payload, event.DedupeKey)
	if err == nil {
		s.invalidateSummary(ctx, payload.StoreID, payload.OccurredAt)
	}
	return permanentIfInvalid(err)
}

func (s *Service) handleCustomerSpend(ctx context.Context, event domain.OutboxEvent) error {
	var payload domain.CustomerSpendPayload
	if err := decodePayload(event, &payload); err != nil {
		return err
	}
	_, err := s.repo.ApplyCustomerSpend(ctx, event.DedupeKey, payload.CustomerID, payload.DeltaCents, s.now())
	return permanentIfInvalid(err)
}

func (s *Service) handleStockAdjust(ctx context.Context, event domain.OutboxEvent) error {
	var payload domain.StockAdjustPayload
	if err := decodePayload(event, &payload); err != nil {
		return err
	}
	_, err := s.Stock.Apply(ctx, payload.Operation, payload.StoreID, payload.ProductID, payload.Quantity)
	return permanentIfInvalid(err)
}
