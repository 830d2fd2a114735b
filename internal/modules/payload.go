package modules

import (
	"math"
	"regexp"

	"github.com/roach88/evidence/internal/ir"
)

var (
	accountPattern = regexp.MustCompile(`^[A-Za-z0-9_.-]{1,64}$`)
	assetPattern   = regexp.MustCompile(`^[A-Z][A-Z0-9]{1,11}$`)
)

// ValidAccount reports whether id can name an account.
func ValidAccount(id string) bool {
	return accountPattern.MatchString(id)
}

// ValidAsset reports whether code can name an asset.
func ValidAsset(code string) bool {
	return assetPattern.MatchString(code)
}

// WalletKey is the partition holding an account's balances.
func WalletKey(account string) ir.PartitionKey {
	return ir.PartitionKey("wallet:" + account)
}

func str(p ir.Object, field string) (string, error) {
	v, ok := p[field]
	if !ok {
		return "", invalid("missing field %q", field)
	}
	s, ok := v.(ir.String)
	if !ok {
		return "", invalid("field %q: expected string, got %T", field, v)
	}
	return string(s), nil
}

func account(p ir.Object, field string) (string, error) {
	s, err := str(p, field)
	if err != nil {
		return "", err
	}
	if !ValidAccount(s) {
		return "", invalid("field %q: invalid account id %q", field, s)
	}
	return s, nil
}

func asset(p ir.Object, field string) (string, error) {
	s, err := str(p, field)
	if err != nil {
		return "", err
	}
	if !ValidAsset(s) {
		return "", invalid("field %q: invalid asset %q", field, s)
	}
	return s, nil
}

func positive(p ir.Object, field string) (int64, error) {
	v, ok := p[field]
	if !ok {
		return 0, invalid("missing field %q", field)
	}
	n, ok := v.(ir.Int)
	if !ok {
		return 0, invalid("field %q: expected integer, got %T", field, v)
	}
	if n <= 0 {
		return 0, invalid("field %q must be positive, got %d", field, n)
	}
	return int64(n), nil
}

func mul(a, b int64) (int64, bool) {
	if a != 0 && b > math.MaxInt64/a {
		return 0, false
	}
	return a * b, true
}

func add(a, b int64) (int64, bool) {
	if b > 0 && a > math.MaxInt64-b {
		return 0, false
	}
	return a + b, true
}

func intField(obj ir.Object, field string) int64 {
	if n, ok := obj[field].(ir.Int); ok {
		return int64(n)
	}
	return 0
}

func strField(obj ir.Object, field string) string {
	if s, ok := obj[field].(ir.String); ok {
		return string(s)
	}
	return ""
}

func objField(obj ir.Object, field string) ir.Object {
	if o, ok := obj[field].(ir.Object); ok {
		return o
	}
	return ir.Object{}
}

func arrField(obj ir.Object, field string) ir.Array {
	if a, ok := obj[field].(ir.Array); ok {
		return a
	}
	return ir.Array{}
}
