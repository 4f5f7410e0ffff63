package stock

import (
	"fmt"
	"time"
)

// Batch is a produced or received lot of an item.
type Batch struct {
	ItemID         int64
	BatchCode      string
	ProductionDate *time.Time
	ExpiryDate     *time.Time
	ShelfLifeDays  *int
	CreatedAt      time.Time
}

// BatchInput carries lot metadata supplied with an inbound adjustment.
type BatchInput struct {
	ProductionDate *time.Time
	ExpiryDate     *time.Time
	ShelfLifeDays  *int
}

// ResolveBatchDates derives the missing batch dates. When no date is given the
// production date defaults to the receipt day. Expiry is production plus shelf
// life; production is back-filled from expiry the same way.
func ResolveBatchDates(itemID int64, batchCode string, in BatchInput, receivedAt time.Time) (Batch, error) {
	b := Batch{ItemID: itemID, BatchCode: batchCode, ShelfLifeDays: in.ShelfLifeDays}
	if in.ShelfLifeDays != nil && *in.ShelfLifeDays < 0 {
		return Batch{}, fmt.Errorf("%w: negative shelf life", ErrInvalidBatchDates)
	}
	if in.ProductionDate != nil {
		d := dateOnly(*in.ProductionDate)
		b.ProductionDate = &d
	}
	if in.ExpiryDate != nil {
		d := dateOnly(*in.ExpiryDate)
		b.ExpiryDate = &d
	}
	if b.ProductionDate == nil && b.ExpiryDate == nil {
		d := dateOnly(receivedAt)
		b.ProductionDate = &d
	}
	if in.ShelfLifeDays != nil {
		switch {
		case b.ExpiryDate == nil:
			d := b.ProductionDate.AddDate(0, 0, *in.ShelfLifeDays)
			b.ExpiryDate = &d
		case b.ProductionDate == nil:
			d := b.ExpiryDate.AddDate(0, 0, -*in.ShelfLifeDays)
			b.ProductionDate = &d
		}
	}
	if b.ProductionDate != nil && b.ExpiryDate != nil && b.ExpiryDate.Before(*b.ProductionDate) {
		return Batch{}, fmt.Errorf("%w: expiry %s before production %s", ErrInvalidBatchDates,
			b.ExpiryDate.Format(time.DateOnly), b.ProductionDate.Format(time.DateOnly))
	}
	return b, nil
}

// Expired reports whether the batch expired before the day of at.
func (b Batch) Expired(at time.Time) bool {
	return b.ExpiryDate != nil && dateOnly(*b.ExpiryDate).Before(dateOnly(at))
}

func dateOnly(t time.Time) time.Time {
	y, m, d := t.UTC().Date()
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}
