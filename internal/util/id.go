package util

import (
	"crypto/rand"
	"encoding/hex"
	"strings"

	"github.com/google/uuid"
)

// idNamespace salts every derived id so they can never collide with ids
// minted by other deployments sharing the same entity/proposal ids.
var idNamespace = uuid.MustParse("8c68c0a7-7e42-4c32-9855-41502fee50bb")

// DeriveID deterministically derives an id from its parts. The same parts
// always produce the same id, which is what makes every store write an
// idempotent upsert.
func DeriveID(parts ...string) string {
	return uuid.NewSHA1(idNamespace, []byte(strings.Join(parts, ":"))).String()
}

func NewID(prefix string) string {
	bytes := make([]byte, 16)
	_, _ = rand.Read(bytes)
	if prefix == "" {
		return hex.EncodeToString(bytes)
	}
	return prefix + "_" + hex.EncodeToString(bytes)
}
