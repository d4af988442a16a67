package types

import "time"

// JobStatus is the lifecycle state of a Jobs Registry record.
type JobStatus string

const (
	JobReserved JobStatus = "reserved"
	JobError    JobStatus = "error"
	JobIgnore   JobStatus = "ignore"
)

// JobRecord is one row of the per-schema jobs table, keyed by
// (TargetTableName, KeyHash). See spec §3 "Job record" and §6 "Jobs
// table on-disk layout".
type JobRecord struct {
	TargetTableName string
	KeyHash         string
	Status          JobStatus
	KeyBlob         []byte // serialized original key, for inspection
	ErrorMessage    string
	ErrorStack      []byte
	User            string
	Host            string
	PID             int
	ConnectionID    uint64
	Timestamp       time.Time
}

// ErrorMessageCapacity is the default maximum length (M in spec §6) of
// the error_message column before truncation.
const ErrorMessageCapacity = 2047

// TruncationSentinel is appended to an error message that exceeded
// ErrorMessageCapacity so that readers can detect truncation.
const TruncationSentinel = "... [truncated]"

// TruncateError truncates msg to fit ErrorMessageCapacity, appending
// TruncationSentinel when truncation occurred.
func TruncateError(msg string) string {
	if len(msg) <= ErrorMessageCapacity {
		return msg
	}
	cut := ErrorMessageCapacity - len(TruncationSentinel)
	if cut < 0 {
		cut = 0
	}
	return msg[:cut] + TruncationSentinel
}
