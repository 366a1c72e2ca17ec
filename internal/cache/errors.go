package cache

import platformerrors "github.com/jmgilman/go/errors"

const (
	CodeQuotaExceeded platformerrors.ErrorCode = "STORAGE_QUOTA_EXCEEDED"
	CodeDecodeFailed  platformerrors.ErrorCode = "DECODE_FAILED"
)

var (
	ErrNotFound      = platformerrors.New(platformerrors.CodeNotFound, "cache record not found")
	ErrQuotaExceeded = platformerrors.New(CodeQuotaExceeded, "storage quota exceeded")
	ErrDecode        = platformerrors.New(CodeDecodeFailed, "cached payload is malformed")
)
