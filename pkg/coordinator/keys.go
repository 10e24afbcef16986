package coordinator

import "fmt"

// Coordinator key layout. These names are shared with every replica and
// with external tooling; changing them is a wire-format break.
const (
	tempMessagesPrefix  = "mirix:temp_messages:"
	conversationsPrefix = "mirix:user_conversations:"
	absorbLockPrefix    = "mirix:lock:absorb:"
	initLockPrefix      = "mirix:lock:init:"
	initDonePrefix      = "mirix:user_init_done:"
	uploadStatusPrefix  = "mirix:upload_status:"
)

// MessagesKey returns the staged-message list key for a user.
func MessagesKey(userID string) string {
	return fmt.Sprintf("%s%s", tempMessagesPrefix, userID)
}

// ConversationsKey returns the conversation-pair list key for a user.
func ConversationsKey(userID string) string {
	return fmt.Sprintf("%s%s", conversationsPrefix, userID)
}

// AbsorbLockKey returns the absorption lock key for a user.
func AbsorbLockKey(userID string) string {
	return fmt.Sprintf("%s%s", absorbLockPrefix, userID)
}

// InitLockKey returns the one-shot initialization lock key for a user.
func InitLockKey(userID string) string {
	return fmt.Sprintf("%s%s", initLockPrefix, userID)
}

// InitDoneKey returns the initialization marker key for a user.
func InitDoneKey(userID string) string {
	return fmt.Sprintf("%s%s", initDonePrefix, userID)
}

// UploadStatusKey returns the upload-status record key for an upload.
func UploadStatusKey(uploadID string) string {
	return fmt.Sprintf("%s%s", uploadStatusPrefix, uploadID)
}
