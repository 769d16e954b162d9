// Package ids mints the identifiers LSNP frames carry: message, transfer, game
// and post IDs, plus collision-proof group IDs.
package ids

import (
	"strings"

	"github.com/google/uuid"
)

// NewMessageID returns a short, unique MESSAGE_ID suitable for a fingerprint.
func NewMessageID() string {
	return uuid.New().String()
}

// NewTransferID returns a unique TRANSFER_ID for a file-transfer session.
func NewTransferID() string {
	return uuid.New().String()
}

// NewGameID returns a unique GAME_ID for a Tic-Tac-Toe session.
func NewGameID() string {
	return uuid.New().String()
}

// NewPostID returns a unique POST_ID.
func NewPostID() string {
	return uuid.New().String()
}

// groupIDSep separates the embedded creator UserID from the random suffix.
// A UserID (name@ipv4) never contains it, so splitting is unambiguous.
const groupIDSep = "#"

// NewGroupID mints a group_id that embeds the creator's UserID so that two
// peers can never collide on the same id for different groups (spec §9 open
// question, resolved as recommended there).
func NewGroupID(creator string) string {
	return creator + groupIDSep + uuid.New().String()[:8]
}

// GroupCreator extracts the creator's UserID embedded in a group_id minted by
// NewGroupID. It is best-effort: malformed ids simply fail the membership
// authority check upstream.
func GroupCreator(groupID string) string {
	idx := strings.LastIndex(groupID, groupIDSep)
	if idx <= 0 {
		return ""
	}
	return groupID[:idx]
}
