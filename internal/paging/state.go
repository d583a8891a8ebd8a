// Package paging keeps the local post cache of a feed in sync with the
// remote board, one page at a time.
package paging

import (
	"errors"

	"island/internal/remote"
)

// ErrStorage marks failures of the local cache.
var ErrStorage = errors.New("storage failure")

// ErrClosed is returned for work that finished after its loader was closed.
// Such results are discarded.
var ErrClosed = errors.New("loader closed")

// Status is the progress of one load direction.
type Status string

// Load statuses.
const (
	StatusNotLoading Status = "not_loading"
	StatusLoading    Status = "loading"
	StatusError      Status = "error"
)

// ErrorKind classifies a failed load.
type ErrorKind string

// Error kinds.
const (
	KindNetwork ErrorKind = "network"
	KindParse   ErrorKind = "parse"
	KindStorage ErrorKind = "storage"
	KindUnknown ErrorKind = "unknown"
)

// LoadState is the state of a single direction.
type LoadState struct {
	Status Status    `json:"status"`
	Kind   ErrorKind `json:"kind,omitempty"`
	Reason string    `json:"reason,omitempty"`
}

// LoadStates is the combined state of a loader.
type LoadStates struct {
	Refresh    LoadState `json:"refresh"`
	Append     LoadState `json:"append"`
	EndReached bool      `json:"end_reached"`
}

var (
	notLoading = LoadState{Status: StatusNotLoading}
	loading    = LoadState{Status: StatusLoading}
)

func failed(err error) LoadState {
	return LoadState{Status: StatusError, Kind: classify(err), Reason: err.Error()}
}

func classify(err error) ErrorKind {
	switch {
	case errors.Is(err, remote.ErrNetwork):
		return KindNetwork
	case errors.Is(err, remote.ErrParse):
		return KindParse
	case errors.Is(err, ErrStorage):
		return KindStorage
	default:
		return KindUnknown
	}
}
