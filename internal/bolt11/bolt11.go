// Package bolt11 extracts the declared amount from lightning invoice
// strings. Only the human-readable part is parsed; signature and tagged
// field validation belongs to the upstream node, not the gateway. The
// declared amount exists so spend policy can be enforced before any key
// is decrypted.
package bolt11

import (
	"errors"
	"strings"
)

var (
	// ErrMalformed is returned when the string is not a parseable invoice.
	ErrMalformed = errors.New("bolt11: malformed invoice")

	// ErrNoAmount is returned for amountless invoices. Policy treats
	// these as invalid input, never as a zero-value spend.
	ErrNoAmount = errors.New("bolt11: invoice does not declare an amount")

	// ErrAmountOverflow is returned when the declared amount does not fit
	// in an int64 of millisatoshis.
	ErrAmountOverflow = errors.New("bolt11: declared amount overflows")

	// ErrSubMsat is returned when a pico-bitcoin amount is not a whole
	// number of millisatoshis.
	ErrSubMsat = errors.New("bolt11: amount is below one millisatoshi")
)

// Multiplier denominators relative to one bitcoin, which is 1e11 msat.
// msat = digits * 1e11 / denominator.
var multipliers = map[byte]int64{
	'm': 1_000,             // milli
	'u': 1_000_000,         // micro
	'n': 1_000_000_000,     // nano
	'p': 1_000_000_000_000, // pico
}

const msatPerBitcoin = 100_000_000_000

// AmountMsat parses the declared amount in millisatoshis from an invoice.
func AmountMsat(invoice string) (int64, error) {
	hrp, err := humanReadablePart(invoice)
	if err != nil {
		return 0, err
	}

	// Strip the network prefix: ln + (bcrt | bc | tbs | tb | sb...).
	// The prefix is everything before the first digit.
	i := 0
	for i < len(hrp) && (hrp[i] < '0' || hrp[i] > '9') {
		i++
	}
	if i < 2 || !strings.HasPrefix(hrp, "ln") {
		return 0, ErrMalformed
	}
	amountPart := hrp[i:]
	if amountPart == "" {
		return 0, ErrNoAmount
	}

	denominator := int64(1)
	last := amountPart[len(amountPart)-1]
	if d, ok := multipliers[last]; ok {
		denominator = d
		amountPart = amountPart[:len(amountPart)-1]
	}
	if amountPart == "" {
		return 0, ErrMalformed
	}

	var digits int64
	for j := 0; j < len(amountPart); j++ {
		c := amountPart[j]
		if c < '0' || c > '9' {
			return 0, ErrMalformed
		}
		d := int64(c - '0')
		if digits > (1<<63-1-d)/10 {
			return 0, ErrAmountOverflow
		}
		digits = digits*10 + d
	}
	if digits == 0 {
		// "lnbc0..." declares zero explicitly; treat like no amount.
		return 0, ErrNoAmount
	}

	// msat = digits * msatPerBitcoin / denominator, guarding the multiply.
	whole := msatPerBitcoin / denominator
	rem := msatPerBitcoin % denominator
	if rem != 0 {
		// Only the pico multiplier has a remainder: 1e11/1e12. The digit
		// count must divide evenly into whole msat.
		if digits%(denominator/msatPerBitcoin) != 0 {
			return 0, ErrSubMsat
		}
		return digits / (denominator / msatPerBitcoin), nil
	}
	if whole != 0 && digits > (1<<63-1)/whole {
		return 0, ErrAmountOverflow
	}
	return digits * whole, nil
}

// AmountSats parses the declared amount in whole satoshis, rounding any
// millisatoshi remainder up so policy checks never under-count.
func AmountSats(invoice string) (int64, error) {
	msat, err := AmountMsat(invoice)
	if err != nil {
		return 0, err
	}
	sats := msat / 1000
	if msat%1000 != 0 {
		sats++
	}
	return sats, nil
}

// humanReadablePart isolates the bech32 HRP: everything before the last
// '1' separator. Invoices are case-insensitive but never mixed case.
func humanReadablePart(invoice string) (string, error) {
	invoice = strings.TrimSpace(invoice)
	if invoice == "" {
		return "", ErrMalformed
	}
	if strings.ToLower(invoice) != invoice && strings.ToUpper(invoice) != invoice {
		return "", ErrMalformed
	}
	invoice = strings.ToLower(invoice)

	sep := strings.LastIndexByte(invoice, '1')
	if sep < 1 || sep+6 > len(invoice) {
		return "", ErrMalformed
	}
	hrp := invoice[:sep]
	if !strings.HasPrefix(hrp, "ln") {
		return "", ErrMalformed
	}
	return hrp, nil
}
