package publish

import "github.com/fieldscan/fieldscan/internal/models"

// Nop discards detections. Used when no brokers are configured and in
// tests that do not care about fan-out.
type Nop struct{}

func (Nop) Publish(models.Detection) {}
