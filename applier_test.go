package escrow_test

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"

	escrow "github.com/logistic-platform/logistics-contract"
)

func TestDefaultAppliers(t *testing.T) {
	created := mustEvent(t, escrow.EventCreated, escrow.Created{
		ID:          "a",
		ReferenceID: "ref",
		Amount:      300,
		Payer:       payer,
		Payee:       payee,
		Deadline:    50,
		CreatedAt:   10,
	})
	published := mustEvent(t, escrow.EventPublished, escrow.Published{
		ID: "a", By: payer,
	})
	released := mustEvent(t, escrow.EventReleased, escrow.Released{
		ID: "a", Amount: 300, Recipient: payee, SettledAt: 20,
	})

	active := escrow.DefaultAppliers.Apply(&escrow.Account{}, created)
	assert.Equal(t, &escrow.Account{
		ID:          "a",
		ReferenceID: "ref",
		Payer:       payer,
		Payee:       payee,
		Status:      escrow.StatusActive,
		HeldAmount:  300,
		Balance:     300,
		Deadline:    50,
		CreatedAt:   10,
	}, active)

	shared := escrow.DefaultAppliers.Apply(active, published)
	assert.True(t, shared.Shared)
	assert.False(t, active.Shared)

	settled := escrow.DefaultAppliers.Apply(shared, released)
	assert.True(t, settled.IsReleased())
	assert.True(t, settled.IsSettled())
	assert.Equal(t, int64(0), settled.Balance)
	assert.Equal(t, int64(300), settled.Amount())
	assert.Equal(t, escrow.UnixMilli(20), settled.SettledAt)
	assert.True(t, shared.IsActive())
}

func TestRefundApplier(t *testing.T) {
	acc := &escrow.Account{
		Status: escrow.StatusActive, HeldAmount: 40, Balance: 40,
	}
	refunded := escrow.DefaultAppliers.Apply(acc,
		mustEvent(t, escrow.EventRefunded, escrow.Refunded{
			Amount: 40, Recipient: payer, SettledAt: 99,
		}),
	)
	assert.True(t, refunded.IsRefunded())
	assert.False(t, refunded.IsReleased())
	assert.Equal(t, int64(0), refunded.Balance)
}

func TestAppliersIgnoreUnknownAndMalformed(t *testing.T) {
	acc := &escrow.Account{Status: escrow.StatusActive, Balance: 5}

	res := escrow.DefaultAppliers.Apply(acc,
		&escrow.Event{Type: "escrow.unknown", Data: json.RawMessage(`{}`)},
		&escrow.Event{Type: escrow.EventReleased, Data: json.RawMessage(`[`)},
	)
	assert.Same(t, acc, res)
}

func mustEvent(t *testing.T, typ escrow.EventType, v any) *escrow.Event {
	t.Helper()
	data, err := json.Marshal(v)
	assert.NoError(t, err)
	return &escrow.Event{Type: typ, Data: data}
}
