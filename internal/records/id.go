package records

import "github.com/google/uuid"

// IDProvider issues identifiers for upload attempts and sync runs.
type IDProvider interface {
	NewID() (string, error)
}

type uuidProvider struct{}

// NewUUIDProvider constructs an IDProvider that issues UUIDv7 identifiers.
func NewUUIDProvider() IDProvider {
	return &uuidProvider{}
}

func (p *uuidProvider) NewID() (string, error) {
	value, err := uuid.NewV7()
	if err != nil {
		return "", err
	}
	return value.String(), nil
}

// nextHealthMillis returns a millisecond value strictly greater than last.
// Records created within the same millisecond, or after the clock moved back,
// still receive distinct, increasing health ids.
func nextHealthMillis(nowMillis, lastMillis int64) int64 {
	if nowMillis <= lastMillis {
		return lastMillis + 1
	}
	return nowMillis
}
