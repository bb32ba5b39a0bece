package store

import "context"

// Repeater repeats failed function
type Repeater interface {
	Do(ctx context.Context, fun func() error, errors ...error) (err error)
}

// Retry runs fn with rpt while it fails with busy errors. Any other error stops repeating and is returned as is.
func Retry(ctx context.Context, rpt Repeater, fn func() error) error {
	var permanent error
	err := rpt.Do(ctx, func() error {
		e := fn()
		if e == nil || IsBusy(e) {
			return e
		}
		permanent = e
		return nil
	})
	if permanent != nil {
		return permanent
	}
	return err
}
