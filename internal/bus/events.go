package bus

import "time"

// Confidence is the scorer-reported reliability tier of a score.
type Confidence string

const (
	ConfidenceStandard    Confidence = "standard"
	ConfidenceProvisional Confidence = "provisional"
	ConfidenceNoData      Confidence = "no_data"
)

// ChatMessage is one raw message captured for scoring.
type ChatMessage struct {
	MessageID string    `json:"message_id"`
	ChannelID string    `json:"channel_id"`
	ServerID  string    `json:"server_id"`
	AuthorID  string    `json:"author_id"`
	Content   string    `json:"content"`
	PostedAt  time.Time `json:"posted_at"`
}

// NoteBatch is one fixed-size chunk of a bulk ingestion unit. BatchIndex is
// zero-based; TotalBatches lets a consumer detect gaps in a partitioned
// publish.
type NoteBatch struct {
	BatchID      string        `json:"batch_id"`
	BatchIndex   int           `json:"batch_index"`
	TotalBatches int           `json:"total_batches"`
	Messages     []ChatMessage `json:"messages"`
	ProducedBy   string        `json:"produced_by"`
	Cutoff       time.Time     `json:"cutoff"`
}

// ScoreUpdateEvent is published by the external scorer whenever a note's
// score changes. Delivery is at-least-once; consumers must be idempotent.
type ScoreUpdateEvent struct {
	NoteID            string     `json:"note_id"`
	Score             float64    `json:"score"` // [0,1]
	Confidence        Confidence `json:"confidence"`
	RatingCount       int        `json:"rating_count"`
	Tier              int        `json:"tier"`
	OriginalMessageID string     `json:"original_message_id"`
	ChannelID         string     `json:"channel_id"`
	ServerID          string     `json:"community_server_id"`
	Timestamp         time.Time  `json:"timestamp"`
}
