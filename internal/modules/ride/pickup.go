// README: Pickup code generation and comparison.
package ride

import (
	"crypto/rand"
	"math/big"
	"strconv"
	"strings"
)

const (
	pickupCodeMin  = 100000
	pickupCodeSpan = 900000
)

// newPickupCode draws a six digit code uniformly from 100000-999999.
func newPickupCode() (string, error) {
	n, err := rand.Int(rand.Reader, big.NewInt(pickupCodeSpan))
	if err != nil {
		return "", err
	}
	return strconv.FormatInt(n.Int64()+pickupCodeMin, 10), nil
}

// codesMatch compares a supplied code with the stored one after trimming.
// An empty stored code never matches.
func codesMatch(stored *string, supplied string) bool {
	if stored == nil {
		return false
	}
	want := strings.TrimSpace(*stored)
	if want == "" {
		return false
	}
	return want == strings.TrimSpace(supplied)
}
