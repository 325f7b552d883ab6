package georaster

import (
	"errors"
	"fmt"
)

var (
	// ErrDatasetOpen is returned when no driver can decode a location
	ErrDatasetOpen = errors.New("cannot open dataset")
	// ErrNoBandsNoSubLayers is returned for datasets with neither bands nor sub-datasets
	ErrNoBandsNoSubLayers = errors.New("This raster file has no bands and is invalid as a raster layer.")
	// ErrBlockAllocation is returned when the intermediate buffer of a block read cannot be allocated
	ErrBlockAllocation = errors.New("cannot allocate block buffer")
	// ErrWriteAccess is returned when an update mode handle cannot be acquired
	ErrWriteAccess = errors.New("write access denied")
	ErrPyramidFormatUnsupported      = errors.New("pyramid format not supported")
	ErrPyramidCompressionUnsupported = errors.New("pyramid compression not supported")
	ErrPyramidConfigInvalid          = errors.New("invalid pyramid configuration")
	// ErrCanceled reports a cooperative abort. It is not a failure.
	ErrCanceled = errors.New("canceled")
	// ErrBackendIO wraps diagnostics of failed backend reads and writes
	ErrBackendIO = errors.New("backend i/o error")
	// ErrInvalidDataset is returned by operations on a closed or failed handle
	ErrInvalidDataset = errors.New("invalid dataset")
	ErrInvalidBand    = errors.New("invalid band")
)

// BackendError carries a backend diagnostic together with the error kind it
// was classified as. errors.Is matches both the kind and the cause.
type BackendError struct {
	Op   string
	Kind error
	Err  error
}

func (e *BackendError) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("%s: %v", e.Op, e.Kind)
	}
	return fmt.Sprintf("%s: %v: %v", e.Op, e.Kind, e.Err)
}

func (e *BackendError) Unwrap() []error {
	if e.Err == nil {
		return []error{e.Kind}
	}
	return []error{e.Kind, e.Err}
}

func backendError(op string, kind, err error) error {
	return &BackendError{Op: op, Kind: kind, Err: err}
}

// ioError classifies a driver error as ErrBackendIO unless it already is a
// cancellation.
func ioError(op string, err error) error {
	if errors.Is(err, ErrCanceled) {
		return fmt.Errorf("%s: %w", op, err)
	}
	return backendError(op, ErrBackendIO, err)
}
