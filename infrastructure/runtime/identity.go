// Package runtime provides environment/runtime detection helpers shared across the silo and gateway.
package runtime

import (
	"strings"
	"sync"

	"os"
)

// strictIdentityModeOnce caches the strict identity mode check at startup.
var (
	strictIdentityModeOnce  sync.Once
	strictIdentityModeValue bool
)

// ResetStrictIdentityModeCache resets the cached strict identity mode value.
// This should only be used in tests.
func ResetStrictIdentityModeCache() {
	strictIdentityModeOnce = sync.Once{}
	strictIdentityModeValue = false
}

// StrictIdentityMode returns true when the process should fail closed on
// identity boundaries. infrastructure/httputil uses it to ignore user IDs,
// roles and service IDs that are not backed by a verified mTLS client
// certificate, and to require https service base URLs. The service-auth JWT
// issuer/subject check does not depend on it.
//
// We treat TITAN_SILO_TLS_CERT being configured as "strict" too, so a
// mis-set TITAN_ENV cannot silently weaken trust boundaries once inter-silo
// TLS is actually wired up.
func StrictIdentityMode() bool {
	strictIdentityModeOnce.Do(func() {
		env := Env()
		hasSiloTLS := strings.TrimSpace(os.Getenv("TITAN_SILO_TLS_CERT")) != "" &&
			strings.TrimSpace(os.Getenv("TITAN_SILO_TLS_KEY")) != ""
		strictIdentityModeValue = env == Production || hasSiloTLS
	})
	return strictIdentityModeValue
}
