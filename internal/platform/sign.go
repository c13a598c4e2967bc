// Package platform implements the marketplace connection layer. This
// file contains stateless request signing and identifier generation for
// the mtop HTTP gateway and the realtime protocol.
package platform

import (
	"crypto/md5"
	"encoding/hex"
	"fmt"
	"math/rand"
	"time"

	"github.com/google/uuid"
)

// Sign computes the mtop request signature
// md5(token & timestamp & appKey & data) as lowercase hex. token is the
// h5 signing secret derived from the cookie set; data is the serialized
// request payload.
func Sign(timestamp, token, appKey, data string) string {
	sum := md5.Sum([]byte(token + "&" + timestamp + "&" + appKey + "&" + data))
	return hex.EncodeToString(sum[:])
}

// Mid generates a realtime frame message id: a random prefix, the
// current millisecond timestamp, and a trailing " 0" marker the gateway
// expects.
func Mid() string {
	return fmt.Sprintf("%d%d 0", rand.Intn(1000), time.Now().UnixMilli())
}

// MessageUUID generates the client-side identifier for outbound chat
// messages.
func MessageUUID() string {
	return uuid.NewString()
}

// DeviceID derives a device identifier for the account: a random UUID
// suffixed with the platform user id. The suffix is what the gateway
// actually keys on; the random part only has to be plausible.
func DeviceID(userID string) string {
	return uuid.NewString() + "-" + userID
}
