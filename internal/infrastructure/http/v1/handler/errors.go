package handler

import "errors"

var (
	ErrFailedToDecodeRequestBody = errors.New("failed to decode request body")
	ErrInvalidBBox               = errors.New("bbox must be four comma separated numbers")
)
