package storage

import (
	"encoding/base64"
	"strconv"
)

// KV keys only allow [-/_=.a-zA-Z0-9], so plan IDs are base64url encoded
// before they become the first key token.
func planToken(planID string) string {
	return base64.RawURLEncoding.EncodeToString([]byte(planID))
}

func versionKey(planID string, number int) string {
	return planToken(planID) + "." + strconv.Itoa(number)
}

func recordKey(planID, id string) string {
	return planToken(planID) + "." + id
}

// planPattern matches every record of a plan.
func planPattern(planID string) string {
	return planToken(planID) + ".*"
}
