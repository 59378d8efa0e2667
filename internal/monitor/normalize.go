package monitor

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	jsoniter "github.com/json-iterator/go"
	"github.com/shopspring/decimal"

	"liqguard/internal/models"
)

var (
	// ErrUnknownShape marks a payload no normalization rule accepts.
	ErrUnknownShape = errors.New("unknown payload shape")
	// ErrEmptyPayload marks an empty body, null or an empty list.
	ErrEmptyPayload = errors.New("empty payload")
	// ErrInvalidField marks a recognised payload with a missing or unusable field.
	ErrInvalidField = errors.New("invalid payload field")
)

// UseNumber keeps amounts exact until they become decimals.
var payloadJSON = jsoniter.Config{UseNumber: true}.Froze()

type object = map[string]any

// Field aliases, tried in order.
var (
	totalAliases      = []string{"total_margin", "totalMargin", "equity", "totalEquity"}
	usedAliases       = []string{"used_margin", "usedMargin", "initialMargin"}
	availableAliases  = []string{"available_margin", "availableMargin", "availableBalance"}
	accountPnLAliases = []string{"unrealized_pnl", "unrealizedPnl", "unrealizedProfit"}

	symbolAliases      = []string{"symbol", "market", "ticker"}
	sizeAliases        = []string{"qty", "size", "quantity"}
	entryAliases       = []string{"entry_price", "entryPrice", "avgEntryPrice"}
	markAliases        = []string{"mark_price", "markPrice"}
	liquidationAliases = []string{"liquidation_price", "liquidationPrice"}
	positionPnLAliases = []string{"unrealized_pnl", "unrealizedPnl", "unrealizedProfit"}
)

var (
	accountWrapperKeys  = []string{"balances", "data"}
	positionWrapperKeys = []string{"positions", "data"}
)

// rule extracts candidate objects from a decoded payload. ok=false means the rule
// does not apply and the next one is tried; an error stops the search.
type rule struct {
	name  string
	apply func(v any) (objs []object, ok bool, err error)
}

var accountRules = []rule{
	{name: "list", apply: firstOfList},
	{name: "wrapped", apply: unwrap(accountWrapperKeys, true)},
	{name: "direct", apply: withAnyField(totalAliases, usedAliases, availableAliases)},
}

var positionRules = []rule{
	{name: "list", apply: allOfList},
	{name: "wrapped", apply: unwrap(positionWrapperKeys, false)},
	{name: "single", apply: withAnyField(symbolAliases)},
}

func firstOfList(v any) ([]object, bool, error) {
	list, ok := v.([]any)
	if !ok {
		return nil, false, nil
	}
	if len(list) == 0 {
		return nil, true, ErrEmptyPayload
	}
	obj, ok := list[0].(object)
	if !ok {
		return nil, true, fmt.Errorf("%w: list element is %T", ErrUnknownShape, list[0])
	}
	return []object{obj}, true, nil
}

func allOfList(v any) ([]object, bool, error) {
	list, ok := v.([]any)
	if !ok {
		return nil, false, nil
	}
	objs := make([]object, 0, len(list))
	for i, item := range list {
		obj, ok := item.(object)
		if !ok {
			return nil, true, fmt.Errorf("%w: element %d is %T", ErrUnknownShape, i, item)
		}
		objs = append(objs, obj)
	}
	return objs, true, nil
}

// unwrap looks through the first present wrapping key. first keeps only the
// first element of a wrapped list.
func unwrap(keys []string, first bool) func(v any) ([]object, bool, error) {
	return func(v any) ([]object, bool, error) {
		obj, ok := v.(object)
		if !ok {
			return nil, false, nil
		}
		for _, key := range keys {
			inner, present := obj[key]
			if !present {
				continue
			}
			switch t := inner.(type) {
			case []any:
				if first {
					return firstOfList(t)
				}
				return allOfList(t)
			case object:
				return []object{t}, true, nil
			default:
				return nil, true, fmt.Errorf("%w: %q holds %T", ErrUnknownShape, key, inner)
			}
		}
		return nil, false, nil
	}
}

func withAnyField(aliasSets ...[]string) func(v any) ([]object, bool, error) {
	return func(v any) ([]object, bool, error) {
		obj, ok := v.(object)
		if !ok {
			return nil, false, nil
		}
		for _, aliases := range aliasSets {
			if _, found := lookup(obj, aliases); found {
				return []object{obj}, true, nil
			}
		}
		return nil, false, nil
	}
}

func decodePayload(raw []byte) (any, error) {
	if len(bytes.TrimSpace(raw)) == 0 {
		return nil, ErrEmptyPayload
	}
	var v any
	if err := payloadJSON.Unmarshal(raw, &v); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnknownShape, err)
	}
	if v == nil {
		return nil, ErrEmptyPayload
	}
	return v, nil
}

func applyRules(rules []rule, raw []byte) ([]object, error) {
	v, err := decodePayload(raw)
	if err != nil {
		return nil, err
	}
	return matchRules(rules, v)
}

func matchRules(rules []rule, v any) ([]object, error) {
	for _, r := range rules {
		objs, ok, err := r.apply(v)
		if err != nil {
			return nil, fmt.Errorf("%s rule: %w", r.name, err)
		}
		if ok {
			return objs, nil
		}
	}
	return nil, fmt.Errorf("%w: %T payload", ErrUnknownShape, v)
}

// NormalizeAccount reduces any supported balance payload to one snapshot.
// WalletID is left for the caller.
func NormalizeAccount(raw json.RawMessage) (models.AccountSnapshot, error) {
	objs, err := applyRules(accountRules, raw)
	if err != nil {
		return models.AccountSnapshot{}, err
	}
	return accountFromObject(objs[0])
}

func accountFromObject(obj object) (models.AccountSnapshot, error) {
	total, err := requiredAmount(obj, totalAliases, "total margin")
	if err != nil {
		return models.AccountSnapshot{}, err
	}
	used, err := requiredAmount(obj, usedAliases, "used margin")
	if err != nil {
		return models.AccountSnapshot{}, err
	}
	if total.IsNegative() || used.IsNegative() {
		return models.AccountSnapshot{}, fmt.Errorf("%w: negative margin total=%s used=%s", ErrInvalidField, total, used)
	}

	available, err := optionalAmount(obj, availableAliases, "available margin")
	if err != nil {
		return models.AccountSnapshot{}, err
	}
	if !available.Valid {
		available = decimal.NewNullDecimal(total.Sub(used))
	}
	pnl, err := optionalAmount(obj, accountPnLAliases, "unrealized pnl")
	if err != nil {
		return models.AccountSnapshot{}, err
	}

	return models.AccountSnapshot{
		TotalMargin:     total,
		UsedMargin:      used,
		AvailableMargin: available.Decimal,
		UnrealizedPnL:   pnl.Decimal,
	}, nil
}

// NormalizePositions parses a positions payload (list, wrapper or single object).
// Elements that fail are reported individually in rejected; closed (zero size)
// positions are omitted.
func NormalizePositions(raw json.RawMessage) (positions []models.PositionSnapshot, rejected []error, err error) {
	objs, err := applyRules(positionRules, raw)
	if err != nil {
		return nil, nil, err
	}
	positions, rejected = positionsFromObjects(objs)
	return positions, rejected, nil
}

// NormalizePositionSet parses a full positions response. complete reports that
// the payload was a list (bare or wrapped) of every open position, so symbols
// absent from it may be pruned; a single object never is.
func NormalizePositionSet(raw json.RawMessage) (positions []models.PositionSnapshot, rejected []error, complete bool, err error) {
	v, err := decodePayload(raw)
	if err != nil {
		return nil, nil, false, err
	}
	objs, err := matchRules(positionRules, v)
	if err != nil {
		return nil, nil, false, err
	}
	positions, rejected = positionsFromObjects(objs)
	return positions, rejected, isPositionList(v), nil
}

func isPositionList(v any) bool {
	switch t := v.(type) {
	case []any:
		return true
	case object:
		for _, key := range positionWrapperKeys {
			if inner, ok := t[key]; ok {
				_, list := inner.([]any)
				return list
			}
		}
	}
	return false
}

func positionsFromObjects(objs []object) ([]models.PositionSnapshot, []error) {
	positions := make([]models.PositionSnapshot, 0, len(objs))
	var rejected []error
	for _, obj := range objs {
		pos, open, err := positionFromObject(obj)
		if err != nil {
			rejected = append(rejected, err)
			continue
		}
		if open {
			positions = append(positions, pos)
		}
	}
	return positions, rejected
}

func positionFromObject(obj object) (pos models.PositionSnapshot, open bool, err error) {
	symbol, ok := lookupString(obj, symbolAliases)
	if !ok {
		return pos, false, fmt.Errorf("%w: position without symbol", ErrInvalidField)
	}
	pos.Symbol = symbol

	size, err := requiredAmount(obj, sizeAliases, symbol+" size")
	if err != nil {
		return pos, false, err
	}
	if size.IsZero() {
		return pos, false, nil
	}
	pos.Size = size

	if rawSide, ok := lookupString(obj, []string{"side"}); ok {
		if pos.Side, err = models.ParseSide(rawSide); err != nil {
			return pos, false, fmt.Errorf("%w: %s: %v", ErrInvalidField, symbol, err)
		}
	} else if size.IsNegative() {
		pos.Side = models.SideShort
	} else {
		pos.Side = models.SideLong
	}

	entry, err := optionalAmount(obj, entryAliases, symbol+" entry price")
	if err != nil {
		return pos, false, err
	}
	pos.EntryPrice = entry.Decimal

	if pos.MarkPrice, err = optionalAmount(obj, markAliases, symbol+" mark price"); err != nil {
		return pos, false, err
	}
	if pos.LiquidationPrice, err = optionalAmount(obj, liquidationAliases, symbol+" liquidation price"); err != nil {
		return pos, false, err
	}
	if pos.UnrealizedPnL, err = optionalAmount(obj, positionPnLAliases, symbol+" unrealized pnl"); err != nil {
		return pos, false, err
	}
	return pos, true, nil
}

func lookup(obj object, aliases []string) (any, bool) {
	for _, key := range aliases {
		if v, ok := obj[key]; ok && v != nil {
			return v, true
		}
	}
	return nil, false
}

func lookupString(obj object, aliases []string) (string, bool) {
	v, ok := lookup(obj, aliases)
	if !ok {
		return "", false
	}
	s, ok := v.(string)
	s = strings.TrimSpace(s)
	return s, ok && s != ""
}

func requiredAmount(obj object, aliases []string, field string) (decimal.Decimal, error) {
	v, ok := lookup(obj, aliases)
	if !ok {
		return decimal.Decimal{}, fmt.Errorf("%w: %s missing (tried %s)", ErrInvalidField, field, strings.Join(aliases, ", "))
	}
	d, err := toDecimal(v)
	if err != nil {
		return decimal.Decimal{}, fmt.Errorf("%w: %s: %v", ErrInvalidField, field, err)
	}
	return d, nil
}

func optionalAmount(obj object, aliases []string, field string) (decimal.NullDecimal, error) {
	v, ok := lookup(obj, aliases)
	if !ok {
		return decimal.NullDecimal{}, nil
	}
	d, err := toDecimal(v)
	if err != nil {
		return decimal.NullDecimal{}, fmt.Errorf("%w: %s: %v", ErrInvalidField, field, err)
	}
	return decimal.NewNullDecimal(d), nil
}

func toDecimal(v any) (decimal.Decimal, error) {
	switch t := v.(type) {
	case json.Number:
		return decimal.NewFromString(t.String())
	case string:
		return decimal.NewFromString(strings.TrimSpace(t))
	case float64:
		return decimal.NewFromFloat(t), nil
	default:
		return decimal.Decimal{}, fmt.Errorf("not a number: %T", v)
	}
}
