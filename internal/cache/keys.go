package cache

import (
	"fmt"

	"github.com/google/uuid"
)

func JobStatusKey(jobID uuid.UUID) string {
	return fmt.Sprintf("job:%s", jobID)
}

// FeatureExistsKey caches a positive blob-storage existence check for one
// feature key. Only positive results are cached; absence is always re-checked
// against blob storage.
func FeatureExistsKey(featureKey string) string {
	return fmt.Sprintf("features:%s", featureKey)
}

func RateLimitKey(keyPrefix string) string {
	return fmt.Sprintf("ratelimit:%s", keyPrefix)
}
