package reader

import "errors"

var (
	// ErrUnsupportedFormat indicates a file extension no decoder handles.
	ErrUnsupportedFormat = errors.New("unsupported file format")

	// ErrMissingHeader indicates a CSV file without a header row.
	ErrMissingHeader = errors.New("csv file has no header row")

	// ErrNotObject indicates JSON input that is neither an object nor
	// an array of objects.
	ErrNotObject = errors.New("json record must be an object")
)
