package imagery

import "errors"

var (
	ErrDecode     = errors.New("imagery: cannot decode tile")
	ErrValidation = errors.New("imagery: tile failed validation")
	ErrFilesystem = errors.New("imagery: cannot store tile")
	// ErrContent is returned for error pages and empty or unexpected payloads.
	ErrContent = errors.New("imagery: unexpected content")
)
