package utils

import "strings"

// MaskPhoneNumber masks a phone number for secure logging
// Keeps first 3 and last 4 characters visible, masks the rest
//
// Examples:
//   - "+1234567890" -> "+12****7890"
//   - "+12345" -> "****"
func MaskPhoneNumber(phone string) string {
	if len(phone) <= 6 {
		return "****"
	}
	return phone[:3] + "****" + phone[len(phone)-4:]
}

// MaskToken keeps the part of a bot token before the colon (the public bot id)
// and hides the secret. Tokens without a colon keep only their last 4 characters.
//
// Examples:
//   - "123456:AAE-secret" -> "123456:****"
//   - "abcdefghij" -> "****ghij"
func MaskToken(token string) string {
	if i := strings.IndexByte(token, ':'); i > 0 {
		return token[:i] + ":****"
	}
	if len(token) <= 8 {
		return "****"
	}
	return "****" + token[len(token)-4:]
}

// MaskEmail hides the local part of an address except its first character
//
// Examples:
//   - "alice@example.com" -> "a****@example.com"
//   - "nobody" -> "****"
func MaskEmail(addr string) string {
	at := strings.LastIndexByte(addr, '@')
	if at <= 0 {
		return "****"
	}
	return addr[:1] + "****" + addr[at:]
}
