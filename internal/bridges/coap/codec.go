package coap

import (
	"fmt"
	"math"
	"strconv"
	"strings"
	"unicode/utf8"
)

// LEDState is the command vocabulary of the LED resource.
type LEDState string

// LED states accepted by the device. Matching is case-sensitive.
const (
	LEDOn  LEDState = "On"
	LEDOff LEDState = "Off"
)

// Bool reports whether the state means "lit".
func (s LEDState) Bool() bool {
	return s == LEDOn
}

// ValidateCommand checks a caller-supplied command before anything is sent.
//
// Only the exact strings "On" and "Off" are accepted; "on", " On" and the
// empty string are rejected with ErrInvalidCommand.
func ValidateCommand(command string) (LEDState, error) {
	switch LEDState(command) {
	case LEDOn, LEDOff:
		return LEDState(command), nil
	default:
		return "", fmt.Errorf("%w: %q", ErrInvalidCommand, command)
	}
}

// EncodeCommand encodes an LED state as the UTF-8 POST payload.
func EncodeCommand(state LEDState) []byte {
	return []byte(state)
}

// DecodeText decodes a device payload as UTF-8 text.
//
// Used for: LED POST replies ("ok merci").
func DecodeText(payload []byte) (string, error) {
	if !utf8.Valid(payload) {
		return "", fmt.Errorf("%w: payload is not valid UTF-8", ErrDecode)
	}
	return string(payload), nil
}

// DecodeCommand decodes the LED GET reply. The text must be exactly "On" or "Off".
func DecodeCommand(payload []byte) (LEDState, error) {
	text, err := DecodeText(payload)
	if err != nil {
		return "", err
	}
	switch LEDState(text) {
	case LEDOn, LEDOff:
		return LEDState(text), nil
	default:
		return "", fmt.Errorf("%w: unexpected LED state %q", ErrDecode, text)
	}
}

// decimalChars are the only runes a temperature payload may contain.
const decimalChars = "0123456789+-.eE"

// DecodeTemperature decodes a decimal temperature reading.
//
// Surrounding whitespace is ignored. Non-numeric text, "nan" (the DHT11
// driver's read-failure value), infinities and hexadecimal floats are
// rejected; there is no fallback value.
func DecodeTemperature(payload []byte) (float64, error) {
	text, err := DecodeText(payload)
	if err != nil {
		return 0, err
	}
	text = strings.TrimSpace(text)
	if text == "" {
		return 0, fmt.Errorf("%w: empty temperature", ErrDecode)
	}

	// ParseFloat also takes hex floats such as "0x1p4".
	if strings.ContainsFunc(text, func(r rune) bool { return !strings.ContainsRune(decimalChars, r) }) {
		return 0, fmt.Errorf("%w: %q is not a decimal number", ErrDecode, text)
	}
	value, err := strconv.ParseFloat(text, 64)
	if err != nil {
		return 0, fmt.Errorf("%w: %q is not a number", ErrDecode, text)
	}
	if math.IsNaN(value) || math.IsInf(value, 0) {
		return 0, fmt.Errorf("%w: %q is not a finite number", ErrDecode, text)
	}
	return value, nil
}
