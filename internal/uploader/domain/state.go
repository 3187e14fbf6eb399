package domain

// WriterState is the lifecycle position of a single file writer.
type WriterState string

const (
	WriterCreated          WriterState = "created"
	WriterMetadataResolved WriterState = "metadata_resolved"
	WriterConnecting       WriterState = "connecting"
	WriterStreaming        WriterState = "streaming"
	WriterCommitted        WriterState = "committed"
	WriterFailed           WriterState = "failed"
)

// Terminal reports whether no further transition can happen.
func (s WriterState) Terminal() bool {
	return s == WriterCommitted || s == WriterFailed
}

// ConnectionState is the lifecycle of one storage connection.
type ConnectionState string

const (
	ConnectionPending    ConnectionState = "pending"
	ConnectionConnecting ConnectionState = "connecting"
	ConnectionReady      ConnectionState = "ready"
	ConnectionErrored    ConnectionState = "errored"
	ConnectionClosed     ConnectionState = "closed"
)

// FailurePolicy decides what happens to committed siblings of a failed file.
type FailurePolicy string

const (
	// FailurePolicyKeep leaves committed files in place and reports partial success.
	FailurePolicyKeep FailurePolicy = "keep"
	// FailurePolicyRollback deletes committed files of a request that had a failure.
	FailurePolicyRollback FailurePolicy = "rollback"
)
