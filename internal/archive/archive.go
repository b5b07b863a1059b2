// Package archive retains closed candles outside the in-memory working set:
// a SQLite table for replay and a Redis stream for external consumers.
package archive

import (
	"context"
	"errors"

	"github.com/DaniilMusin/btc-technical/internal/model"
)

// Multi fans a candle out to every archiver. All archivers are attempted;
// the returned error joins the individual failures.
type Multi []model.CandleArchiver

// Archive implements model.CandleArchiver.
func (m Multi) Archive(ctx context.Context, c model.Candle) error {
	var errs []error
	for _, a := range m {
		if err := a.Archive(ctx, c); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Close closes every archiver.
func (m Multi) Close() error {
	var errs []error
	for _, a := range m {
		if err := a.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

var _ model.CandleArchiver = Multi(nil)
