package imap

import "github.com/infodancer/mailcore/internal/ids"

// deriveUID computes the stable 32-bit IMAP UID for an email (spec.md
// §4.8: "UIDs are derived deterministically from the first 4 bytes of
// emailId, with the high bit cleared to stay positive"). Since an email's
// id never changes, neither does its UID, satisfying RFC 9051's
// UIDVALIDITY-stable requirement without a separate counter.
func deriveUID(emailID ids.ID) uint32 {
	b := emailID.Bytes()
	v := uint32(b[0])<<24 | uint32(b[1])<<16 | uint32(b[2])<<8 | uint32(b[3])
	return v &^ 0x80000000
}

// deriveUIDValidity derives a stable UIDVALIDITY for a user's INBOX from
// their own id, so it survives process restarts without persistence.
func deriveUIDValidity(userID ids.ID) uint32 {
	b := userID.Bytes()
	v := uint32(b[12])<<24 | uint32(b[13])<<16 | uint32(b[14])<<8 | uint32(b[15])
	return v &^ 0x80000000
}
