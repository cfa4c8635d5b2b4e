package services

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mobishop/api/internal/domain"
)

func TestStockValidatorSumsRepeatedLines(t *testing.T) {
	store := seededStore(t, true)
	validator, err := NewStockValidator(store.Products())
	require.NoError(t, err)

	problems, err := validator.Validate(context.Background(), []ItemRequest{
		{ProductID: "usb-c", Quantity: 1},
		{ProductID: "case-mag", Quantity: 1},
		{ProductID: "usb-c", Quantity: 2},
	})
	require.NoError(t, err)
	require.Len(t, problems, 1)
	assert.Equal(t, StockProblem{ProductID: "usb-c", Title: "USB-C Cable", Available: 2, Requested: 3}, problems[0])
	assert.Equal(t, "USB-C Cable: only 2 available, 3 requested", problems[0].Message())
}

func TestStockValidatorReportsEveryProblem(t *testing.T) {
	store := seededStore(t, true)
	validator, err := NewStockValidator(store.Products())
	require.NoError(t, err)

	problems, err := validator.Validate(context.Background(), []ItemRequest{
		{ProductID: "ghost", Quantity: 1},
		{ProductID: "glass", Quantity: 2},
		{ProductID: "case-mag", Quantity: 5},
	})
	require.NoError(t, err)
	require.Len(t, problems, 2)
	assert.True(t, problems[0].Missing)
	assert.Equal(t, "product ghost not found", problems[0].Message())
	assert.Equal(t, "glass", problems[1].ProductID)

	stockErr := stockError(problems)
	assert.Equal(t, KindValidation, stockErr.Kind)
	assert.Contains(t, stockErr.Message, "Tempered Glass: only 1 available, 2 requested")
	details, ok := stockErr.Details["problems"].([]map[string]any)
	require.True(t, ok)
	require.Len(t, details, 2)
	assert.NotContains(t, details[0], "available")
	assert.Equal(t, 1, details[1]["available"])
}

func TestStockValidatorAcceptsExactStock(t *testing.T) {
	store := seededStore(t, true)
	validator, err := NewStockValidator(store.Products())
	require.NoError(t, err)

	problems, err := validator.Validate(context.Background(), []ItemRequest{{ProductID: "glass", Quantity: 1}})
	require.NoError(t, err)
	assert.Empty(t, problems)
}

func TestNormalizeUsesCatalogPrices(t *testing.T) {
	store := seededStore(t, true)
	normalizer, err := NewItemNormalizer(store.Products())
	require.NoError(t, err)

	forged := domain.Money(1)
	out, err := normalizer.Normalize(context.Background(), []ItemRequest{
		{ProductID: "case-mag", Quantity: 2, UnitPrice: &forged, Title: "free case"},
		{ProductID: " usb-c ", Quantity: 1},
	})
	require.NoError(t, err)
	assert.Equal(t, domain.Money(102000), out.Total)
	require.Len(t, out.Items, 2)
	assert.Equal(t, domain.OrderItem{ProductID: "case-mag", Title: "MagSafe Case", UnitPrice: 45000, Quantity: 2}, out.Items[0])
	assert.Equal(t, "usb-c", out.Items[1].ProductID)
}

func TestNormalizeRejectsBadLines(t *testing.T) {
	store := seededStore(t, true)
	normalizer, err := NewItemNormalizer(store.Products())
	require.NoError(t, err)

	cases := map[string]struct {
		items []ItemRequest
		kind  Kind
	}{
		"empty":         {items: nil, kind: KindValidation},
		"blank product": {items: []ItemRequest{{ProductID: " ", Quantity: 1}}, kind: KindValidation},
		"zero quantity": {items: []ItemRequest{{ProductID: "glass", Quantity: 0}}, kind: KindValidation},
		"unknown":       {items: []ItemRequest{{ProductID: "ghost", Quantity: 1}}, kind: KindNotFound},
	}
	for name, tc := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := normalizer.Normalize(context.Background(), tc.items)
			assert.Equal(t, tc.kind, KindOf(err))
		})
	}
}

func TestSanitizeBuyer(t *testing.T) {
	buyer := sanitizeBuyer(domain.Buyer{
		Name:    "  <b>Ana</b> &amp; Co ",
		Phone:   " +54 9 11 5555 0000 ",
		Email:   " Ana@Example.COM ",
		Address: "Av. <i>Siempre</i> Viva 742",
		City:    "CABA",
		Notes:   `<a href="https://evil.test">ring twice</a>`,
	})
	assert.Equal(t, domain.Buyer{
		Name:    "Ana & Co",
		Phone:   "+54 9 11 5555 0000",
		Email:   "ana@example.com",
		Address: "Av. Siempre Viva 742",
		City:    "CABA",
		Notes:   "ring twice",
	}, buyer)
}
