package vectordb

import "time"

// Config controls the Qdrant client.
type Config struct {
	URL        string
	APIKey     string
	Collection string
	VectorSize int
	Timeout    time.Duration
}

// Point is a single record to upsert.
type Point struct {
	ID      interface{} `json:"id"`
	Vector  []float32   `json:"vector"`
	Payload interface{} `json:"payload"`
}

// UpsertResponse captures the basic Qdrant upsert response.
type UpsertResponse struct {
	Status string  `json:"status"`
	Time   float64 `json:"time"`
}

// CollectionInfo holds basic information about a Qdrant collection.
type CollectionInfo struct {
	Name        string
	Status      string
	VectorSize  int
	Distance    string
	PointsCount int64
}

// DimensionMismatchError is returned when the configured vector size does
// not match the collection.
type DimensionMismatchError struct {
	Collection string
	Expected   int
	Actual     int
}
