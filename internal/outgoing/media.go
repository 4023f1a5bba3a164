package outgoing

import "errors"

// FailureKind is the closed taxonomy of media-upload failures. Every upload
// attempt surfaces exactly one failure event classified into this set.
type FailureKind string

const (
	FailureExtraction  FailureKind = "extraction"
	FailureSizeLimit   FailureKind = "size_limit"
	FailureTransport   FailureKind = "transport"
	FailureDenied      FailureKind = "denied"
	FailureUnsupported FailureKind = "unsupported"
	FailureUnknown     FailureKind = "unknown"
)

// Sentinel errors mapped onto the taxonomy by ClassifyUploadError.
var (
	ErrMediaExtraction  = errors.New("media: content extraction failed")
	ErrMediaTooLarge    = errors.New("media: size limit exceeded")
	ErrMediaTransport   = errors.New("media: transport error")
	ErrMediaDenied      = errors.New("media: server denied upload")
	ErrMediaUnsupported = errors.New("media: unsupported type")
)

// ClassifyUploadError folds an upload error into the closed taxonomy.
func ClassifyUploadError(err error) FailureKind {
	switch {
	case errors.Is(err, ErrMediaExtraction):
		return FailureExtraction
	case errors.Is(err, ErrMediaTooLarge):
		return FailureSizeLimit
	case errors.Is(err, ErrMediaTransport):
		return FailureTransport
	case errors.Is(err, ErrMediaDenied):
		return FailureDenied
	case errors.Is(err, ErrMediaUnsupported):
		return FailureUnsupported
	default:
		return FailureUnknown
	}
}
