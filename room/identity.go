package room

import (
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

// PrimaryIdentity is the well-known identity of the primary leader slot.
func PrimaryIdentity(room string) string { return room + "_admin1" }

// BackupIdentity is the well-known identity of the backup leader slot.
func BackupIdentity(room string) string { return room + "_admin2" }

// NewMemberIdentity derives a member identity from the room namespace, the
// current time and random bits. Uniqueness is probabilistic.
func NewMemberIdentity(room string, now time.Time) string {
	return fmt.Sprintf("%s_%d_%s", room, now.UnixMilli(), randomSuffix())
}

// NewMessageID derives a message id from the sender, time and random bits.
func NewMessageID(sender string, now time.Time) string {
	return fmt.Sprintf("%s_%d_%s", sender, now.UnixMilli(), randomSuffix())
}

func randomSuffix() string {
	return strings.ReplaceAll(uuid.NewString(), "-", "")[:9]
}
