package types

import "errors"

var (
	// ErrInvalidInput covers missing files, oversized uploads and unsupported media.
	ErrInvalidInput = errors.New("invalid input")
	// ErrDecode means an image buffer could not be decoded.
	ErrDecode = errors.New("decode failed")
	// ErrOpen means a video container could not be opened.
	ErrOpen = errors.New("open failed")
	// ErrDetection is a per-frame face locator failure.
	ErrDetection = errors.New("face detection failed")
	// ErrEmbedding is a per-region embedder failure.
	ErrEmbedding = errors.New("face embedding failed")
	// ErrNotFound is returned by repositories for missing rows.
	ErrNotFound = errors.New("not found")
	// ErrDuplicate is returned when a unique student field already exists.
	ErrDuplicate = errors.New("already exists")
)
