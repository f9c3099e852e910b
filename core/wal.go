package core

// OpType defines the type of an operation recorded in the WAL.
type OpType byte

const (
	// OpWrite records a full replacement of one chunk's serialized value.
	OpWrite OpType = 'W'
	// OpDelete records removal of a whole session (all chunks).
	OpDelete OpType = 'D'
	// OpTxBegin opens a transactional group. Entries carrying the same TxnID
	// are replayed only if a matching OpTxCommit exists.
	OpTxBegin OpType = 'T'
	// OpTxCommit marks a transactional group as durable.
	OpTxCommit OpType = 'C'
	// OpTxRollback discards a transactional group during replay.
	OpTxRollback OpType = 'R'
)

// WALEntry represents a single operation recorded in the WAL. Entries are
// immutable once appended.
type WALEntry struct {
	SeqNum    uint64
	Timestamp int64 // UnixNano at append time
	Op        OpType
	TxnID     uint64 // 0 for standalone entries
	Key       []byte // collection key, e.g. "sessions/<id>/<chunk>"
	Payload   []byte // serialized chunk value for OpWrite, nil otherwise
}

// Standalone reports whether the entry belongs to no transactional group.
func (e *WALEntry) Standalone() bool { return e.TxnID == 0 }
