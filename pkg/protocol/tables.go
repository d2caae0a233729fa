package protocol

// Event represents a row in the events SQLite table.
// Every externally visible transition and every sandbox violation appends
// one row; the table is the durable half of the daemon's logging.
type Event struct {
	ID        int64  `json:"id"`
	Type      string `json:"type"`
	ChunkID   string `json:"chunk_id"`
	Detail    string `json:"detail"`
	CreatedAt string `json:"created_at"`
}
