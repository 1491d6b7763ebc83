package internal

// QueryType defines the possible queries for the state machine.
type QueryType uint8

const (
	QueryTLoad     QueryType = iota // Retrieve a record by key.
	QueryTContains                  // Check if a key is stored.
	QueryTScan                      // Retrieve a copy of every stored pair.
)

func (q QueryType) String() string {
	switch q {
	case QueryTLoad:
		return "Load"
	case QueryTContains:
		return "Contains"
	case QueryTScan:
		return "Scan"
	default:
		return "Unknown"
	}
}

// Query defines the structure for lookup requests (read-only) sent via SyncRead or StaleRead
type Query struct {
	Type QueryType // The type of Query to perform.
	Key  string    // The key for the Query (empty for scans).
}

// QueryResult is the result of a QueryTLoad operation.
type QueryResult struct {
	Ok    bool
	Value []byte
}

// Pair is one element of a QueryTScan result
type Pair struct {
	Key   string
	Value []byte
}
