package storage

import (
	"fmt"

	"github.com/shopspring/decimal"

	"liqguard/internal/models"
)

func nullDecimalArg(v decimal.NullDecimal) *string {
	if !v.Valid {
		return nil
	}
	s := v.Decimal.String()
	return &s
}

func parseDecimal(s, field string) (decimal.Decimal, error) {
	d, err := decimal.NewFromString(s)
	if err != nil {
		return decimal.Decimal{}, fmt.Errorf("parse %s: %w", field, err)
	}
	return d, nil
}

func parseNullDecimal(s *string, field string) (decimal.NullDecimal, error) {
	if s == nil {
		return decimal.NullDecimal{}, nil
	}
	d, err := parseDecimal(*s, field)
	if err != nil {
		return decimal.NullDecimal{}, err
	}
	return decimal.NewNullDecimal(d), nil
}

// thresholdsArgs splits optional thresholds into three nullable columns.
func thresholdsArgs(th *models.Thresholds) (w, c, u *string) {
	if th == nil {
		return nil, nil, nil
	}
	ws, cs, us := th.Warning.String(), th.Critical.String(), th.Urgent.String()
	return &ws, &cs, &us
}

// parseThresholds rebuilds thresholds; any NULL column means unset.
func parseThresholds(w, c, u *string) (*models.Thresholds, error) {
	if w == nil || c == nil || u == nil {
		return nil, nil
	}
	var (
		th  models.Thresholds
		err error
	)
	if th.Warning, err = parseDecimal(*w, "threshold_warning"); err != nil {
		return nil, err
	}
	if th.Critical, err = parseDecimal(*c, "threshold_critical"); err != nil {
		return nil, err
	}
	if th.Urgent, err = parseDecimal(*u, "threshold_urgent"); err != nil {
		return nil, err
	}
	return &th, nil
}
