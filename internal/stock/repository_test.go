package stock

import (
	"errors"
	"fmt"
	"testing"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/stretchr/testify/assert"

	"github.com/odyssey-erp/odyssey-wms/internal/platform/db"
)

func TestTranslateTxError(t *testing.T) {
	assert.NoError(t, translateTxError(nil))

	overflow := db.Classify(fmt.Errorf("stock: update balance: %w", &pgconn.PgError{Code: "22003"}))
	err := translateTxError(overflow)
	assert.ErrorIs(t, err, ErrInvalidQuantity)
	assert.True(t, IsClientError(err))
	assert.Equal(t, OutcomeInvalid, Outcome(AdjustResult{}, err))

	lock := db.Classify(&pgconn.PgError{Code: "55P03"})
	err = translateTxError(lock)
	assert.ErrorIs(t, err, ErrContention)
	assert.True(t, IsRetryable(err))

	race := fmt.Errorf("stock: append ledger: %w", db.Classify(&pgconn.PgError{Code: "23505"}))
	assert.ErrorIs(t, translateTxError(race), ErrContention)

	insufficient := &InsufficientStockError{Key: Key{WarehouseID: 1, ItemID: 1}}
	assert.Same(t, insufficient, translateTxError(insufficient))

	plain := errors.New("boom")
	assert.Equal(t, plain, translateTxError(plain))
	assert.Equal(t, ErrContention, translateTxError(ErrContention))
}
